package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/fauxparse/lilbirdie-sub001/internal/broadcast"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	host  string
	event domain.Event
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *recordingSender) Send(_ context.Context, host string, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{host: host, event: event})
	return r.err
}

func TestGateway_EmitToListMergesListID(t *testing.T) {
	rec := &recordingSender{}
	gw := New("test", "main", rec, nil)

	gw.EmitToList(context.Background(), "L1", domain.ClaimRemoved{ItemID: "I1", UserID: "U1"})

	require.Len(t, rec.sent, 1)
	assert.Equal(t, "main", rec.sent[0].host)
	assert.Equal(t, domain.ClaimRemoved{ListID: "L1", ItemID: "I1", UserID: "U1"}, rec.sent[0].event.Payload)
}

func TestGateway_EmitToUser(t *testing.T) {
	rec := &recordingSender{}
	gw := New("test", "main", rec, nil)

	gw.EmitToUser(context.Background(), "U2", domain.FriendAccepted{FriendID: "U1"})

	require.Len(t, rec.sent, 1)
	room, ok := rec.sent[0].event.Room()
	require.True(t, ok)
	assert.Equal(t, domain.UserRoom("U2"), room)
}

func TestGateway_DropsInvalidEvents(t *testing.T) {
	rec := &recordingSender{}
	m := metrics.NewNopGatewayMetrics()
	gw := New("test", "main", rec, m)

	gw.EmitToList(context.Background(), "", domain.ItemDeleted{ItemID: "I1"})

	assert.Empty(t, rec.sent)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Emits.WithLabelValues("test", "invalid")))
}

func TestGateway_SwallowsSendFailures(t *testing.T) {
	rec := &recordingSender{err: errors.New("bridge unreachable")}
	m := metrics.NewNopGatewayMetrics()
	gw := New("test", "main", rec, m)

	assert.NotPanics(t, func() {
		gw.EmitToList(context.Background(), "L1", domain.ListMetadataUpdated{})
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Emits.WithLabelValues("test", "error")))
}

func TestNop(t *testing.T) {
	gw := Nop()
	assert.Equal(t, "none", gw.Mode())
	gw.EmitToUser(context.Background(), "U1", domain.FriendAccepted{FriendID: "U2"})
}

// chanConn collects text frames written by a broadcast host.
type chanConn struct {
	frames chan []byte
}

func (c *chanConn) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.TextMessage {
		c.frames <- data
	}
	return nil
}

func (c *chanConn) SetWriteDeadline(time.Time) error { return nil }
func (c *chanConn) Close() error                     { return nil }

func (c *chanConn) next(t *testing.T) domain.Event {
	t.Helper()
	select {
	case raw := <-c.frames:
		event, err := domain.DecodeEvent(raw)
		require.NoError(t, err)
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return domain.Event{}
	}
}

func TestLocalSender_PublishesIntoRegistry(t *testing.T) {
	registry := broadcast.NewRegistry(broadcast.Options{})
	t.Cleanup(registry.StopAll)

	conn := &chanConn{frames: make(chan []byte, 8)}
	host := registry.Host(broadcast.DefaultHost)
	id, err := host.Connect(broadcast.ConnectRequest{Conn: conn})
	require.NoError(t, err)
	assert.Equal(t, domain.EventConnectionAck, conn.next(t).Type)
	require.NoError(t, host.HandleMessage(id, []byte(`{"type":"join:wishlist","wishlistId":"L1"}`)))

	gw := New("local", broadcast.DefaultHost, NewLocalSender(registry), nil)
	gw.EmitToList(context.Background(), "L1", domain.ItemDeleted{ItemID: "I1"})

	event := conn.next(t)
	assert.Equal(t, domain.ItemDeleted{ListID: "L1", ItemID: "I1"}, event.Payload)
}

func TestLocalSender_StoppedRegistry(t *testing.T) {
	registry := broadcast.NewRegistry(broadcast.Options{})
	registry.StopAll()

	err := NewLocalSender(registry).Send(context.Background(), "main", domain.NewListEvent("L1", domain.ListMetadataUpdated{}))
	assert.ErrorIs(t, err, domain.ErrHostStopped)
}
