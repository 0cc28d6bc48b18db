package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics covers event emission from mutation handlers and the relays that feed hosts.
type GatewayMetrics struct {
	Emits         *prometheus.CounterVec
	EmitDuration  *prometheus.HistogramVec
	BreakerState  *prometheus.GaugeVec
	BreakerTrips  *prometheus.CounterVec
	RelayMessages *prometheus.CounterVec
}

// NewGatewayMetrics creates and registers gateway metrics on the given registry.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		Emits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "emits_total",
			Help:      "Total number of emitted events, by gateway mode and result.",
		}, []string{"mode", "result"}),
		EmitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "emit_duration_seconds",
			Help:      "Duration of one emit, by gateway mode.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 3.0},
		}, []string{"mode"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open), by component.",
		}, []string{"component"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker transitions, by component and new state.",
		}, []string{"component", "state"}),
		RelayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "relay_messages_total",
			Help:      "Total number of messages taken off a relay, by source and result.",
		}, []string{"source", "result"}),
	}

	reg.MustRegister(m.Emits, m.EmitDuration, m.BreakerState, m.BreakerTrips, m.RelayMessages)
	return m
}

// NewNopGatewayMetrics returns metrics registered on a throwaway registry, for tests and tools.
func NewNopGatewayMetrics() *GatewayMetrics {
	return NewGatewayMetrics(prometheus.NewRegistry())
}
