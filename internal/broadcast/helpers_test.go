package broadcast

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("fake connection closed")

// fakeConn records text frames in memory. A non-nil block channel stalls
// every write until it is closed or the connection is.
type fakeConn struct {
	messages chan []byte
	block    chan struct{}
	failWith error

	mu          sync.Mutex
	closed      bool
	closedCh    chan struct{}
	closeFrames [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{messages: make(chan []byte, 128), closedCh: make(chan struct{})}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closedCh:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errFakeClosed
	}
	if f.failWith != nil {
		return f.failWith
	}

	switch messageType {
	case ws.TextMessage:
		f.messages <- append([]byte(nil), data...)
	case ws.CloseMessage:
		f.closeFrames = append(f.closeFrames, data)
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func nextEvent(t *testing.T, f *fakeConn) domain.Event {
	t.Helper()
	select {
	case raw := <-f.messages:
		event, err := domain.DecodeEvent(raw)
		require.NoError(t, err, string(raw))
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func requireNoEvent(t *testing.T, f *fakeConn) {
	t.Helper()
	select {
	case raw := <-f.messages:
		t.Fatalf("unexpected event: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestHost(t *testing.T, opts Options) *Host {
	t.Helper()
	h := NewHost("test", opts)
	t.Cleanup(h.Stop)
	return h
}

// connect registers a fake connection and consumes its connection-ack.
func connect(t *testing.T, h *Host, userID string) (string, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	id, err := h.Connect(ConnectRequest{UserID: userID, Conn: fc})
	require.NoError(t, err)
	ack := nextEvent(t, fc)
	require.Equal(t, domain.EventConnectionAck, ack.Type)
	return id, fc
}

func send(t *testing.T, h *Host, connID, raw string) {
	t.Helper()
	require.NoError(t, h.HandleMessage(connID, []byte(raw)))
}

func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { _ = serverConn.Close() })

	return serverConn, clientConn
}
