package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/retry"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 5 * time.Second
	eventBuffer    = 64

	// The server pings every 30s; two missed pings mean the link is dead.
	defaultIdleTimeout = 60 * time.Second
)

// WebSocketTransport connects to /ws/<host> on a durable broadcast host.
type WebSocketTransport struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Policy retry.Backoff

	// ReadTimeout ends the session when nothing, pings included, arrives for
	// this long. 0 means 60s.
	ReadTimeout time.Duration
}

// NewWebSocketTransport builds a transport for baseURL (http or ws scheme).
// userID is passed as the convenience identity hint; it is not trusted for
// authorization.
func NewWebSocketTransport(baseURL, host, userID string) (*WebSocketTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws/" + url.PathEscape(host)
	if userID != "" {
		u.RawQuery = url.Values{"userId": {userID}}.Encode()
	}

	return &WebSocketTransport{
		URL:    u.String(),
		Dialer: websocket.DefaultDialer,
		Policy: retry.Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2},
	}, nil
}

func (t *WebSocketTransport) Name() string { return "websocket" }

func (t *WebSocketTransport) Backoff() retry.Backoff { return t.Policy }

func (t *WebSocketTransport) Dial(ctx context.Context) (Session, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}

	s := &wsSession{conn: conn, events: make(chan domain.Event, eventBuffer), readTimeout: t.ReadTimeout}
	if s.readTimeout <= 0 {
		s.readTimeout = defaultIdleTimeout
	}
	s.extendReadDeadline()
	conn.SetPingHandler(s.handlePing)
	go s.readLoop()
	return s, nil
}

type wsSession struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	events      chan domain.Event
	readTimeout time.Duration

	errMu sync.Mutex
	err   error
}

func (s *wsSession) readLoop() {
	defer close(s.events)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				s.setErr(err)
			}
			return
		}
		s.extendReadDeadline()
		if messageType != websocket.TextMessage {
			continue
		}
		event, err := domain.DecodeEvent(data)
		if err != nil {
			slog.Debug("Ignoring undecodable event", "error", err)
			continue
		}
		s.events <- event
	}
}

func (s *wsSession) extendReadDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
}

// handlePing answers like the default handler and extends the read deadline.
func (s *wsSession) handlePing(appData string) error {
	s.extendReadDeadline()
	err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteTimeout))
	var netErr net.Error
	if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &netErr) {
		return nil
	}
	return err
}

func (s *wsSession) Send(ctx context.Context, cmd domain.Command) error {
	raw, err := domain.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send %s: %w", cmd.CommandType(), err)
	}
	return nil
}

func (s *wsSession) Events() <-chan domain.Event { return s.events }

func (s *wsSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = err
}

func (s *wsSession) Close() error {
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}
