package gateway

import (
	"context"
	"log/slog"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Sender forwards one validated envelope to the host instance named host.
type Sender interface {
	Send(ctx context.Context, host string, event domain.Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, host string, event domain.Event) error

func (f SenderFunc) Send(ctx context.Context, host string, event domain.Event) error {
	return f(ctx, host, event)
}

// Gateway implements domain.EventPublisher on top of a Sender.
type Gateway struct {
	mode    string
	host    string
	sender  Sender
	metrics *metrics.GatewayMetrics
	clock   clockwork.Clock
}

var _ domain.EventPublisher = (*Gateway)(nil)

// New returns a gateway that routes every event to the host instance named host.
func New(mode, host string, sender Sender, m *metrics.GatewayMetrics) *Gateway {
	if m == nil {
		m = metrics.NewNopGatewayMetrics()
	}
	return &Gateway{mode: mode, host: host, sender: sender, metrics: m, clock: clockwork.NewRealClock()}
}

func (g *Gateway) Mode() string { return g.mode }

func (g *Gateway) EmitToList(ctx context.Context, listID string, payload domain.ListPayload) {
	g.Emit(ctx, domain.NewListEvent(listID, payload))
}

func (g *Gateway) EmitToUser(ctx context.Context, userID string, payload domain.UserPayload) {
	g.Emit(ctx, domain.NewUserEvent(userID, payload))
}

// Emit sends an already built envelope. Invalid envelopes are logged and dropped.
func (g *Gateway) Emit(ctx context.Context, event domain.Event) {
	if err := event.Validate(); err != nil {
		slog.WarnContext(ctx, "Dropping invalid event", "mode", g.mode, "event_type", event.Type, "error", err)
		g.metrics.Emits.WithLabelValues(g.mode, "invalid").Inc()
		return
	}

	start := g.clock.Now()
	err := g.sender.Send(ctx, g.host, event)
	g.metrics.EmitDuration.WithLabelValues(g.mode).Observe(g.clock.Since(start).Seconds())

	room, _ := event.Room()
	if err != nil {
		slog.WarnContext(ctx, "Failed to emit event", "mode", g.mode, "host", g.host,
			"event_type", event.Type, "room", room.String(), "error", err)
		g.metrics.Emits.WithLabelValues(g.mode, "error").Inc()
		return
	}

	g.metrics.Emits.WithLabelValues(g.mode, "ok").Inc()
	slog.DebugContext(ctx, "Event emitted", "mode", g.mode, "host", g.host, "event_type", event.Type, "room", room.String())
}

// Nop returns a gateway that discards every event.
func Nop() *Gateway {
	return New("none", "", SenderFunc(func(context.Context, string, domain.Event) error { return nil }), nil)
}
