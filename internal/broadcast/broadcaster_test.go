package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	ws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestHost_ConnectSendsAck(t *testing.T) {
	h := newTestHost(t, Options{})
	fc := newFakeConn()

	id, err := h.Connect(ConnectRequest{UserID: "U1", Conn: fc})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ack := nextEvent(t, fc)
	require.Equal(t, domain.EventConnectionAck, ack.Type)
	assert.Equal(t, domain.ConnectionAck{ConnectionID: id, UserID: "U1"}, ack.Payload)
	assert.Equal(t, 1, h.ConnectionCount())

	m, ok := h.Membership(id)
	require.True(t, ok)
	assert.Equal(t, "U1", m.UserID)
	assert.Empty(t, m.Lists)
	assert.Empty(t, m.Users)
}

func TestHost_ConnectKeepsProvidedID(t *testing.T) {
	h := newTestHost(t, Options{})

	id, err := h.Connect(ConnectRequest{ID: "sse-1", Transport: "sse", Conn: newFakeConn()})
	require.NoError(t, err)
	assert.Equal(t, "sse-1", id)

	_, err = h.Connect(ConnectRequest{ID: "sse-1", Conn: newFakeConn()})
	assert.Error(t, err)
}

func TestHost_JoinListIsIdempotent(t *testing.T) {
	h := newTestHost(t, Options{})
	id, _ := connect(t, h, "")

	send(t, h, id, `{"type":"join:wishlist","wishlistId":"L1"}`)
	send(t, h, id, `{"type":"join:wishlist","wishlistId":"L1"}`)

	m, ok := h.Membership(id)
	require.True(t, ok)
	assert.Equal(t, []string{"L1"}, m.Lists)
	assert.Equal(t, 1, h.RoomSize(domain.ListRoom("L1")))

	send(t, h, id, `{"type":"leave:wishlist","wishlistId":"L1"}`)
	send(t, h, id, `{"type":"leave:wishlist","wishlistId":"L1"}`)
	assert.Equal(t, 0, h.RoomSize(domain.ListRoom("L1")))
}

func TestHost_JoinUserRequiresMatchingIdentity(t *testing.T) {
	h := newTestHost(t, Options{})
	id, fc := connect(t, h, "U1")

	send(t, h, id, `{"type":"join:user","userId":"U2"}`)

	event := nextEvent(t, fc)
	require.Equal(t, domain.EventError, event.Type)
	assert.Equal(t, domain.CodeForbidden, event.Payload.(domain.ErrorPayload).Code)

	m, _ := h.Membership(id)
	assert.Empty(t, m.Users)

	send(t, h, id, `{"type":"join:user","userId":"U1"}`)
	requireNoEvent(t, fc)
	m, _ = h.Membership(id)
	assert.Equal(t, []string{"U1"}, m.Users)
}

func TestHost_AnonymousCannotJoinUserRoom(t *testing.T) {
	h := newTestHost(t, Options{})
	id, fc := connect(t, h, "")

	send(t, h, id, `{"type":"join:user","userId":"U1"}`)

	event := nextEvent(t, fc)
	assert.Equal(t, domain.CodeForbidden, event.Payload.(domain.ErrorPayload).Code)
	assert.Equal(t, 0, h.RoomSize(domain.UserRoom("U1")))
}

func TestHost_PingRepliesWithHeartbeat(t *testing.T) {
	h := newTestHost(t, Options{})
	id, fc := connect(t, h, "")

	send(t, h, id, `{"type":"ping"}`)

	assert.Equal(t, domain.EventHeartbeatReply, nextEvent(t, fc).Type)
}

func TestHost_ProtocolErrors(t *testing.T) {
	h := newTestHost(t, Options{})
	id, fc := connect(t, h, "")

	// malformed input is dropped without a reply
	send(t, h, id, `this is not json`)
	send(t, h, id, `{"wishlistId":"L1"}`)
	requireNoEvent(t, fc)

	send(t, h, id, `{"type":"join:wishlist"}`)
	event := nextEvent(t, fc)
	assert.Equal(t, domain.CodeBadRequest, event.Payload.(domain.ErrorPayload).Code)

	send(t, h, id, `{"type":"subscribe:everything"}`)
	event = nextEvent(t, fc)
	assert.Equal(t, domain.CodeUnknownCommand, event.Payload.(domain.ErrorPayload).Code)

	assert.Equal(t, 1, h.ConnectionCount())
}

func TestHost_PublishReachesOnlyRoomMembers(t *testing.T) {
	h := newTestHost(t, Options{})
	a, fa := connect(t, h, "U1")
	b, fb := connect(t, h, "U2")

	send(t, h, a, `{"type":"join:wishlist","wishlistId":"L1"}`)
	send(t, h, b, `{"type":"join:wishlist","wishlistId":"L2"}`)

	h.Publish(domain.ListRoom("L1"), domain.NewListEvent("L1", domain.ItemDeleted{ItemID: "I1"}))

	event := nextEvent(t, fa)
	assert.Equal(t, domain.EventListItemDeleted, event.Type)
	requireNoEvent(t, fb)
}

func TestHost_FriendRequestScenario(t *testing.T) {
	h := newTestHost(t, Options{})
	a, fa := connect(t, h, "U1")
	b, fb := connect(t, h, "U2")

	send(t, h, a, `{"type":"join:wishlist","wishlistId":"L1"}`)
	send(t, h, b, `{"type":"join:wishlist","wishlistId":"L1"}`)
	send(t, h, b, `{"type":"join:user","userId":"U2"}`)

	claim := domain.ClaimCreated{ItemID: "I1", Claim: domain.Claim{ID: "C1", ItemID: "I1", UserID: "U1", Quantity: 1}}
	h.PublishEvent(domain.NewListEvent("L1", claim))
	assert.Equal(t, domain.EventClaimCreated, nextEvent(t, fa).Type)
	assert.Equal(t, domain.EventClaimCreated, nextEvent(t, fb).Type)

	h.PublishEvent(domain.NewUserEvent("U2", domain.FriendRequestReceived{RequestID: "R1", RequesterID: "U1"}))
	assert.Equal(t, domain.EventFriendRequestReceived, nextEvent(t, fb).Type)
	requireNoEvent(t, fa)
}

func TestHost_PublishAllReachesEveryone(t *testing.T) {
	h := newTestHost(t, Options{})
	_, fa := connect(t, h, "")
	_, fb := connect(t, h, "")

	h.PublishAll(domain.NewListEvent("L9", domain.ListMetadataUpdated{}))

	assert.Equal(t, domain.EventListMetadataUpdated, nextEvent(t, fa).Type)
	assert.Equal(t, domain.EventListMetadataUpdated, nextEvent(t, fb).Type)
}

func TestHost_DisconnectVacatesRooms(t *testing.T) {
	h := newTestHost(t, Options{})
	id, fc := connect(t, h, "U1")
	send(t, h, id, `{"type":"join:wishlist","wishlistId":"L1"}`)
	send(t, h, id, `{"type":"join:user","userId":"U1"}`)

	h.Disconnect(id)

	assert.Equal(t, 0, h.ConnectionCount())
	assert.Equal(t, 0, h.RoomSize(domain.ListRoom("L1")))
	assert.Equal(t, 0, h.RoomSize(domain.UserRoom("U1")))
	assert.True(t, fc.isClosed())

	_, ok := h.Membership(id)
	assert.False(t, ok)
	assert.ErrorIs(t, h.HandleMessage(id, []byte(`{"type":"ping"}`)), domain.ErrConnectionNotFound)

	// second disconnect is a no-op
	h.Disconnect(id)
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestHost_DeadConnectionDoesNotStopFanout(t *testing.T) {
	h := newTestHost(t, Options{})

	dead := newFakeConn()
	dead.failWith = errors.New("broken pipe")
	deadID, err := h.Connect(ConnectRequest{Conn: dead})
	require.NoError(t, err)
	send(t, h, deadID, `{"type":"join:wishlist","wishlistId":"L1"}`)

	live, fl := connect(t, h, "")
	send(t, h, live, `{"type":"join:wishlist","wishlistId":"L1"}`)

	for i := range 3 {
		h.Publish(domain.ListRoom("L1"), domain.NewListEvent("L1", domain.ItemUpdated{ItemID: fmt.Sprintf("I%d", i)}))
	}
	for i := range 3 {
		event := nextEvent(t, fl)
		assert.Equal(t, fmt.Sprintf("I%d", i), event.Payload.(domain.ItemUpdated).ItemID)
	}

	// the publish path never evicts; the transport reports the disconnect
	assert.Equal(t, 2, h.ConnectionCount())
	assert.True(t, dead.isClosed())
}

func TestHost_SlowConnectionDropsInsteadOfBlocking(t *testing.T) {
	m := metrics.NewNopBroadcastMetrics()
	h := newTestHost(t, Options{Metrics: m})

	slow := newFakeConn()
	slow.block = make(chan struct{})
	slowID, err := h.Connect(ConnectRequest{Conn: slow})
	require.NoError(t, err)
	send(t, h, slowID, `{"type":"join:wishlist","wishlistId":"L1"}`)

	for i := range messageBufferSize + 4 {
		h.Publish(domain.ListRoom("L1"), domain.NewListEvent("L1", domain.ItemUpdated{ItemID: fmt.Sprintf("I%d", i)}))
	}

	assert.Equal(t, 1, h.ConnectionCount())
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.DeliveriesDropped.WithLabelValues("buffer_full")), 1.0)
	close(slow.block)
}

func TestHost_StatsCountsDistinctRooms(t *testing.T) {
	h := newTestHost(t, Options{})
	a, _ := connect(t, h, "U1")
	b, _ := connect(t, h, "U2")
	connect(t, h, "")

	send(t, h, a, `{"type":"join:wishlist","wishlistId":"L1"}`)
	send(t, h, b, `{"type":"join:wishlist","wishlistId":"L1"}`)
	send(t, h, b, `{"type":"join:wishlist","wishlistId":"L2"}`)
	send(t, h, a, `{"type":"join:user","userId":"U1"}`)

	st, ok := h.Stats()
	require.True(t, ok)
	assert.Equal(t, Stats{Name: h.Name(), Connections: 3, ListRooms: 2, UserRooms: 1}, st)

	h.Stop()
	_, ok = h.Stats()
	assert.False(t, ok)
}

func TestHost_MaxConnections(t *testing.T) {
	h := newTestHost(t, Options{MaxConnections: 1})
	connect(t, h, "")

	_, err := h.Connect(ConnectRequest{Conn: newFakeConn()})
	assert.ErrorIs(t, err, domain.ErrHostFull)
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestHost_CommandRateLimit(t *testing.T) {
	h := newTestHost(t, Options{CommandRate: rate.Every(time.Hour), CommandBurst: 1})
	id, fc := connect(t, h, "")

	send(t, h, id, `{"type":"ping"}`)
	assert.Equal(t, domain.EventHeartbeatReply, nextEvent(t, fc).Type)

	send(t, h, id, `{"type":"ping"}`)
	event := nextEvent(t, fc)
	require.Equal(t, domain.EventError, event.Type)
	assert.Equal(t, domain.CodeRateLimited, event.Payload.(domain.ErrorPayload).Code)
}

func TestHost_StopClosesConnectionsAndIsIdempotent(t *testing.T) {
	h := NewHost("test", Options{})
	_, fc := connect(t, h, "")

	h.Stop()
	h.Stop()

	assert.True(t, fc.isClosed())
	require.Len(t, fc.closeFrames, 1)

	_, err := h.Connect(ConnectRequest{Conn: newFakeConn()})
	assert.ErrorIs(t, err, domain.ErrHostStopped)
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestHost_OverWebSocket(t *testing.T) {
	h := NewHost("test", Options{})
	server, client := newTestConnPair(t)

	id, err := h.Connect(ConnectRequest{UserID: "U1", Conn: server})
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.Equal(t, "connection-ack", ack["type"])
	assert.Equal(t, id, ack["data"].(map[string]any)["connectionId"])

	h.Stop()

	_, _, err = client.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
	assert.Contains(t, closeErr.Text, "shutting down")
}
