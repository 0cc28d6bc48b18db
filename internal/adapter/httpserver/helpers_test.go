package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/broadcast"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/config"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type serverOption func(*config.Config, *Deps)

func withHealthChecks(checks ...HealthCheck) serverOption {
	return func(_ *config.Config, d *Deps) {
		d.HealthChecks = checks
	}
}

func withConfig(mutate func(*config.Config)) serverOption {
	return func(cfg *config.Config, _ *Deps) {
		mutate(cfg)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "test",
		Port:                    "0",
		AppURL:                  "http://app.test",
		SessionSecret:           "test-secret-key-32-bytes-long!!!",
		TrustQueryIdentity:      true,
		GatewayMode:             config.GatewayLocal,
		HostName:                broadcast.DefaultHost,
		MaxConnectionsPerHost:   100,
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     50,
		ConnectRateLimit:        1000,
		ConnectRateBurst:        1000,
		CommandRateLimit:        1000,
		CommandRateBurst:        1000,
		UplinkRateLimit:         1000,
		UplinkRateBurst:         1000,
		SessionMaxAge:           time.Hour,
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *Server {
	t.Helper()

	cfg := testConfig()
	deps := Deps{Registry: broadcast.NewRegistry(broadcast.Options{})}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	t.Cleanup(deps.Registry.StopAll)

	return NewServer(cfg, deps)
}

// serve runs srv behind a real listener for websocket and streaming tests.
func serve(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server, path string) (*websocket.Conn, domain.ConnectionAck) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	event := readEvent(t, conn)
	ack, ok := event.Payload.(domain.ConnectionAck)
	require.True(t, ok, "first frame must be connection-ack, got %s", event.Type)
	return conn, ack
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	event, err := domain.DecodeEvent(data)
	require.NoError(t, err)
	return event
}

func sendCommand(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// awaitRoomSize waits until the host has processed earlier commands.
func awaitRoomSize(t *testing.T, host *broadcast.Host, room domain.Room, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return host.RoomSize(room) == want
	}, 2*time.Second, 5*time.Millisecond)
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
