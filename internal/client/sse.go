package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/retry"
)

const (
	sseCommandTimeout = 5 * time.Second
	maxSSELine        = 64 * 1024
)

var (
	errStreamEnded = errors.New("event stream ended")
	errStreamIdle  = errors.New("event stream idle")
)

// SSETransport receives events over GET /sse/<host> and sends commands with
// POST /sse/<host>/<connection>/commands.
type SSETransport struct {
	BaseURL string
	Host    string
	UserID  string
	Header  http.Header
	Client  *http.Client
	Policy  retry.Backoff

	// IdleTimeout ends the session when the stream carries nothing, ping
	// comments included, for this long. 0 means 60s.
	IdleTimeout time.Duration
}

func NewSSETransport(baseURL, host, userID string) (*SSETransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return &SSETransport{
		BaseURL: u.String(),
		Host:    host,
		UserID:  userID,
		Client:  &http.Client{},
		Policy:  retry.Backoff{Initial: time.Second, Max: time.Minute, Jitter: 0.2},
	}, nil
}

func (t *SSETransport) Name() string { return "sse" }

func (t *SSETransport) Backoff() retry.Backoff { return t.Policy }

func (t *SSETransport) streamURL() string {
	u := t.BaseURL + "/sse/" + url.PathEscape(t.Host)
	if t.UserID != "" {
		u += "?" + url.Values{"userId": {t.UserID}}.Encode()
	}
	return u
}

func (t *SSETransport) commandURL(connID string) string {
	return t.BaseURL + "/sse/" + url.PathEscape(t.Host) + "/" + url.PathEscape(connID) + "/commands"
}

// Dial opens the stream and waits for the connection-ack, which carries the
// connection id commands are addressed to. The ack is still delivered to
// Events.
func (t *SSETransport) Dial(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.streamURL(), nil)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	for k, v := range t.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client().Do(req)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		stop()
		cancel()
		return nil, fmt.Errorf("open stream: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	idleTimeout := t.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	s := &sseSession{
		transport: t,
		body:      resp.Body,
		cancel:    cancel,
		events:    make(chan domain.Event, eventBuffer),
	}
	s.idle = time.AfterFunc(idleTimeout, func() {
		s.timedOut.Store(true)
		cancel()
	})
	s.reader = newEventReader(&idleReader{r: resp.Body, timer: s.idle, timeout: idleTimeout})

	ack, err := s.reader.next()
	if err != nil {
		stop()
		_ = s.Close()
		return nil, fmt.Errorf("await connection ack: %w", err)
	}
	payload, ok := ack.Payload.(domain.ConnectionAck)
	if !ok {
		stop()
		_ = s.Close()
		return nil, fmt.Errorf("expected %s, got %s", domain.EventConnectionAck, ack.Type)
	}
	// the session now outlives the dial context
	stop()

	s.connID = payload.ConnectionID
	s.events <- ack
	go s.readLoop()
	return s, nil
}

func (t *SSETransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

type sseSession struct {
	transport *SSETransport
	connID    string
	body      io.ReadCloser
	reader    *eventReader
	cancel    context.CancelFunc
	events    chan domain.Event
	closeOnce sync.Once
	idle      *time.Timer
	timedOut  atomic.Bool

	errMu sync.Mutex
	err   error
}

func (s *sseSession) readLoop() {
	defer close(s.events)
	for {
		event, err := s.reader.next()
		if err != nil {
			switch {
			case s.timedOut.Load():
				s.setErr(errStreamIdle)
			case !errors.Is(err, errStreamEnded) && !errors.Is(err, context.Canceled):
				s.setErr(err)
			}
			return
		}
		s.events <- event
	}
}

func (s *sseSession) Send(ctx context.Context, cmd domain.Command) error {
	raw, err := domain.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, sseCommandTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.transport.commandURL(s.connID), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	for k, v := range s.transport.Header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.transport.client().Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", cmd.CommandType(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("send %s: %w", cmd.CommandType(), ErrNotConnected)
	default:
		return fmt.Errorf("send %s: status %d", cmd.CommandType(), resp.StatusCode)
	}
}

func (s *sseSession) Events() <-chan domain.Event { return s.events }

func (s *sseSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *sseSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = err
}

func (s *sseSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.idle.Stop()
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// idleReader pushes timer back whenever bytes arrive.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

// eventReader parses a text/event-stream body. Only data and event fields
// are used; comments (pings) are skipped.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxSSELine)
	return &eventReader{scanner: scanner}
}

// next returns the next decodable event. It returns errStreamEnded on EOF or
// when the server sends a close event.
func (r *eventReader) next() (domain.Event, error) {
	var (
		name string
		data strings.Builder
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if name == "close" {
				return domain.Event{}, errStreamEnded
			}
			if data.Len() == 0 {
				name = ""
				continue
			}
			event, err := domain.DecodeEvent([]byte(data.String()))
			name = ""
			data.Reset()
			if err != nil {
				slog.Debug("Ignoring undecodable event", "error", err)
				continue
			}
			return event, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}

	if err := r.scanner.Err(); err != nil {
		return domain.Event{}, err
	}
	return domain.Event{}, errStreamEnded
}
