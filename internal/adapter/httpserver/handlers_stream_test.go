package httpserver

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/broadcast"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/config"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/signature"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestWebSocket_AckCarriesQueryIdentity(t *testing.T) {
	srv := newTestServer(t)
	ts := serve(t, srv)

	_, ack := dialWS(t, ts, "/ws?userId=U1")

	assert.NotEmpty(t, ack.ConnectionID)
	assert.Equal(t, "U1", ack.UserID)
}

func TestWebSocket_QueryIdentityIgnoredWhenUntrusted(t *testing.T) {
	srv := newTestServer(t, withConfig(func(cfg *config.Config) {
		cfg.TrustQueryIdentity = false
	}))
	ts := serve(t, srv)

	_, ack := dialWS(t, ts, "/ws?userId=U1")

	assert.Empty(t, ack.UserID)
}

func TestWebSocket_SessionIdentityWins(t *testing.T) {
	srv := newTestServer(t)
	ts := serve(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	session, err := srv.sessionStore.Get(req, sessionName)
	require.NoError(t, err)
	session.Values[sessionKeyUserID] = "U-session"
	require.NoError(t, session.Save(req, rec))

	header := http.Header{}
	for _, cookie := range rec.Result().Cookies() {
		header.Add("Cookie", cookie.Name+"="+cookie.Value)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/main?userId=U-query"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	ack, ok := readEvent(t, conn).Payload.(domain.ConnectionAck)
	require.True(t, ok)
	assert.Equal(t, "U-session", ack.UserID)

	sendCommand(t, conn, `{"type":"join:user","userId":"U-query"}`)
	event := readEvent(t, conn)
	assert.Equal(t, domain.EventError, event.Type)
	assert.Equal(t, domain.CodeForbidden, event.Payload.(domain.ErrorPayload).Code)
}

func TestWebSocket_RejectsInvalidHostName(t *testing.T) {
	srv := newTestServer(t)
	ts := serve(t, srv)

	resp, err := http.Get(ts.URL + "/ws/not.a.host")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_PerIPLimit(t *testing.T) {
	srv := newTestServer(t, withConfig(func(cfg *config.Config) {
		cfg.MaxConnectionsPerIP = 1
	}))
	ts := serve(t, srv)

	dialWS(t, ts, "/ws")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocket_DisconnectReleasesConnection(t *testing.T) {
	srv := newTestServer(t)
	ts := serve(t, srv)
	host := srv.registry.Host("main")

	conn, _ := dialWS(t, ts, "/ws")
	sendCommand(t, conn, `{"type":"join:wishlist","wishlistId":"L1"}`)
	awaitRoomSize(t, host, domain.ListRoom("L1"), 1)

	require.NoError(t, conn.Close())

	awaitRoomSize(t, host, domain.ListRoom("L1"), 0)
	require.Eventually(t, func() bool {
		return host.ConnectionCount() == 0 && srv.limits.Current() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_FansOutToJoinedConnectionsOnly(t *testing.T) {
	srv := newTestServer(t)
	ts := serve(t, srv)
	host := srv.registry.Host("main")

	viewer, _ := dialWS(t, ts, "/ws")
	bystander, _ := dialWS(t, ts, "/ws")
	sendCommand(t, viewer, `{"type":"join:wishlist","wishlistId":"L1"}`)
	awaitRoomSize(t, host, domain.ListRoom("L1"), 1)

	resp := postJSON(t, ts.URL+"/bridge/main",
		`{"type":"list-item-added","data":{"listId":"L1","item":{"id":"I1","listId":"L1","name":"Kite","quantity":1,"claims":[]}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	event := readEvent(t, viewer)
	require.Equal(t, domain.EventListItemAdded, event.Type)
	assert.Equal(t, "I1", event.Payload.(domain.ItemAdded).Item.ID)

	// the publish was queued before the ping, so the reply proves nothing leaked
	sendCommand(t, bystander, `{"type":"ping"}`)
	assert.Equal(t, domain.EventHeartbeatReply, readEvent(t, bystander).Type)
}

func TestBridge_RequiresSignatureWhenSecretSet(t *testing.T) {
	secret := "bridge-secret-0123"
	srv := newTestServer(t, withConfig(func(cfg *config.Config) { cfg.BridgeSecret = secret }))
	ts := serve(t, srv)
	body := `{"type":"list-metadata-updated","data":{"listId":"L1"}}`

	post := func(sig string) *http.Response {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, ts.URL+"/bridge/main", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if sig != "" {
			req.Header.Set(signature.Header, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, post("").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, post(signature.Sign([]byte("not-the-secret-at-all"), []byte(body))).StatusCode)
	assert.Equal(t, http.StatusOK, post(signature.Sign([]byte(secret), []byte(body))).StatusCode)
}

func TestBridge_StatusCodes(t *testing.T) {
	srv := newTestServer(t)
	ts := serve(t, srv)

	t.Run("accepted on default host", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/bridge", `{"type":"list-metadata-updated","data":{"listId":"L1"}}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/bridge/main", `{not json`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown event type", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/bridge/main", `{"type":"list-exploded","data":{}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing routing id", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/bridge/main", `{"type":"list-item-deleted","data":{"itemId":"I1"}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		t.Run("wrong method "+method, func(t *testing.T) {
			req, err := http.NewRequestWithContext(context.Background(), method, ts.URL+"/bridge/main", nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
			assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
		})
	}
}

type sseStream struct {
	t      *testing.T
	reader *bufio.Reader
}

func openSSE(t *testing.T, ts *httptest.Server, path string) (*sseStream, domain.ConnectionAck) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stream := &sseStream{t: t, reader: bufio.NewReader(resp.Body)}
	ack, ok := stream.next().Payload.(domain.ConnectionAck)
	require.True(t, ok)
	return stream, ack
}

// next returns the next data event, skipping comments.
func (s *sseStream) next() domain.Event {
	s.t.Helper()
	lines := make(chan string, 1)
	go func() {
		for {
			line, err := s.reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimSpace(strings.TrimPrefix(line, "data: "))
				return
			}
		}
	}()

	select {
	case data, ok := <-lines:
		require.True(s.t, ok, "stream ended")
		event, err := domain.DecodeEvent([]byte(data))
		require.NoError(s.t, err)
		return event
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestSSE_CommandUplinkAndDelivery(t *testing.T) {
	srv := newTestServer(t)
	ts := serve(t, srv)
	host := srv.registry.Host("main")

	stream, ack := openSSE(t, ts, "/sse/main?userId=U2")
	assert.Equal(t, "U2", ack.UserID)

	commands := ts.URL + "/sse/main/" + ack.ConnectionID + "/commands"
	resp := postJSON(t, commands, `{"type":"join:user","userId":"U2"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	awaitRoomSize(t, host, domain.UserRoom("U2"), 1)

	resp = postJSON(t, ts.URL+"/bridge/main",
		`{"type":"friend-request-received","data":{"userId":"U2","requestId":"R1","requesterId":"U1"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	event := stream.next()
	assert.Equal(t, domain.EventFriendRequestReceived, event.Type)
	assert.Equal(t, "R1", event.Payload.(domain.FriendRequestReceived).RequestID)

	membership, ok := host.Membership(ack.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, "sse", membership.Transport)
}

func TestSSE_CommandBudgetIsPerConnection(t *testing.T) {
	srv := newTestServer(t,
		withConfig(func(cfg *config.Config) {
			cfg.CommandRateLimit, cfg.CommandRateBurst = 0.001, 2
		}),
		func(_ *config.Config, d *Deps) {
			d.Registry = broadcast.NewRegistry(broadcast.Options{CommandRate: rate.Limit(0.001), CommandBurst: 2})
		},
	)
	ts := serve(t, srv)

	// both streams share one client IP
	for range 2 {
		stream, ack := openSSE(t, ts, "/sse/main")
		commands := ts.URL + "/sse/main/" + ack.ConnectionID + "/commands"

		for range 2 {
			require.Equal(t, http.StatusAccepted, postJSON(t, commands, `{"type":"ping"}`).StatusCode)
			assert.Equal(t, domain.EventHeartbeatReply, stream.next().Type)
		}

		require.Equal(t, http.StatusAccepted, postJSON(t, commands, `{"type":"ping"}`).StatusCode)
		event := stream.next()
		require.Equal(t, domain.EventError, event.Type)
		assert.Equal(t, domain.CodeRateLimited, event.Payload.(domain.ErrorPayload).Code)
	}
}

func TestSSE_ProtocolErrorsComeBackOnTheStream(t *testing.T) {
	srv := newTestServer(t)
	ts := serve(t, srv)

	stream, ack := openSSE(t, ts, "/sse/main")

	resp := postJSON(t, ts.URL+"/sse/main/"+ack.ConnectionID+"/commands", `{"type":"dance"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	event := stream.next()
	require.Equal(t, domain.EventError, event.Type)
	assert.Equal(t, domain.CodeUnknownCommand, event.Payload.(domain.ErrorPayload).Code)
}

func TestSSE_UnknownConnection(t *testing.T) {
	srv := newTestServer(t)
	ts := serve(t, srv)

	resp := postJSON(t, ts.URL+"/sse/ghost/c-1/commands", `{"type":"ping"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	srv.registry.Host("main")
	resp = postJSON(t, ts.URL+"/sse/main/c-1/commands", `{"type":"ping"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSE_HostStopEndsStream(t *testing.T) {
	registry := broadcast.NewRegistry(broadcast.Options{})
	srv := NewServer(testConfig(), Deps{Registry: registry})
	ts := serve(t, srv)

	stream, _ := openSSE(t, ts, "/sse/main")
	registry.StopAll()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := stream.reader.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream stayed open after host stop")
	}
}
