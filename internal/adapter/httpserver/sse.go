package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errStreamClosed = errors.New("event stream closed")

// sseConn adapts a text/event-stream response to broadcast.Conn. Text frames
// become data events and pings become comments that keep proxies from timing
// out the stream. A close frame ends the stream.
type sseConn struct {
	mu         sync.Mutex
	w          http.ResponseWriter
	controller *http.ResponseController
	closed     chan struct{}
	closeOnce  sync.Once
}

func newSSEConn(w http.ResponseWriter) *sseConn {
	return &sseConn{
		w:          w,
		controller: http.NewResponseController(w),
		closed:     make(chan struct{}),
	}
}

func (s *sseConn) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return errStreamClosed
	default:
	}

	var err error
	switch messageType {
	case websocket.TextMessage:
		_, err = fmt.Fprintf(s.w, "data: %s\n\n", data)
	case websocket.PingMessage:
		_, err = fmt.Fprint(s.w, ": ping\n\n")
	case websocket.CloseMessage:
		_, err = fmt.Fprint(s.w, "event: close\ndata: {}\n\n")
		if err == nil {
			err = s.controller.Flush()
		}
		s.markClosed()
		return err
	default:
		return nil
	}
	if err != nil {
		return err
	}
	return s.controller.Flush()
}

func (s *sseConn) SetWriteDeadline(t time.Time) error {
	if err := s.controller.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Close is idempotent. Once it returns no further writes reach the response.
func (s *sseConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markClosed()
	return nil
}

func (s *sseConn) Done() <-chan struct{} {
	return s.closed
}

func (s *sseConn) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}
