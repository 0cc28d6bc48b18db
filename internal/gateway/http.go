package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/retry"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/signature"
	"github.com/sony/gobreaker"
)

const (
	bridgeMaxAttempts    = 3
	bridgeInitialBackoff = 100 * time.Millisecond
	breakerName          = "bridge"
)

// StatusError is returned when the bridge answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge responded %d: %s", e.StatusCode, e.Body)
}

// HTTPSender POSTs envelopes to a host's bridge endpoint. Each emit is bounded
// by timeout, retried on transport errors and 5xx responses, and guarded by a
// circuit breaker so a dead bridge costs one fast failure per emit.
type HTTPSender struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	policy  retry.Policy
	secret  []byte
}

func NewHTTPSender(baseURL string, timeout time.Duration, m *metrics.GatewayMetrics) *HTTPSender {
	if m == nil {
		m = metrics.NewNopGatewayMetrics()
	}
	m.BreakerState.WithLabelValues(breakerName).Set(breakerStateValue(gobreaker.StateClosed))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// a 4xx means the bridge is up and rejected this one envelope
			var status *StatusError
			return err == nil || (errors.As(err, &status) && status.StatusCode < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			m.BreakerTrips.WithLabelValues(name, to.String()).Inc()
			m.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})

	return &HTTPSender{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		breaker: breaker,
		policy: retry.Policy{
			MaxAttempts:    bridgeMaxAttempts,
			InitialBackoff: bridgeInitialBackoff,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				slog.Debug("Retrying bridge publish", "attempt", attempt, "backoff", backoff, "error", err)
			},
		},
	}
}

func (s *HTTPSender) Send(ctx context.Context, host string, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	endpoint := s.baseURL + "/bridge/" + url.PathEscape(host)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return retry.Do(ctx, s.policy, classifyBridgeError, func(ctx context.Context) error {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.post(ctx, endpoint, body)
		})
		return err
	})
}

// WithSecret signs every request body with secret. An empty secret sends
// unsigned requests.
func (s *HTTPSender) WithSecret(secret string) *HTTPSender {
	s.secret = []byte(secret)
	return s
}

// State reports the breaker state, for health output.
func (s *HTTPSender) State() gobreaker.State {
	return s.breaker.State()
}

func (s *HTTPSender) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set(signature.Header, signature.Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func classifyBridgeError(err error) retry.Action {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return retry.Stop
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	var status *StatusError
	if errors.As(err, &status) && status.StatusCode < 500 {
		return retry.Stop
	}
	return retry.Retry
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
