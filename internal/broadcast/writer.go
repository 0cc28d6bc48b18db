package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
)

var (
	errBufferFull   = errors.New("send buffer full")
	errWriterClosed = errors.New("writer closed")
)

// Conn is the write side of one client connection. *websocket.Conn satisfies
// it; other transports adapt their stream to websocket message types.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// keepaliveConn is implemented by connections that answer pings with pongs.
type keepaliveConn interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type clientWriter struct {
	connection  Conn
	clock       clockwork.Clock
	metrics     *metrics.BroadcastMetrics
	sendChannel chan []byte
	doneChannel chan struct{}
	exited      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newClientWriter(connection Conn, clock clockwork.Clock, m *metrics.BroadcastMetrics) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		metrics:     m,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
		exited:      make(chan struct{}),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()
	defer close(cw.exited)

	for {
		select {
		case msg := <-cw.sendChannel:
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				// the reader notices the close and reports the disconnect
				_ = cw.connection.Close()
				return
			}
			cw.metrics.WriteDuration.Observe(cw.clock.Since(start).Seconds())
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				cw.metrics.PingFailures.Inc()
				_ = cw.connection.Close()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// enqueue hands msg to the writer without blocking.
func (cw *clientWriter) enqueue(msg []byte) error {
	select {
	case <-cw.exited:
		return errWriterClosed
	default:
	}

	select {
	case cw.sendChannel <- msg:
		return nil
	default:
		return errBufferFull
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)

		// the run goroutine must be gone before we write the close frame
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) configurePongHandler() {
	kc, ok := cw.connection.(keepaliveConn)
	if !ok {
		return
	}
	_ = kc.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
	kc.SetPongHandler(func(string) error {
		return kc.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}
