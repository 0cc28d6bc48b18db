package metrics

import "github.com/prometheus/client_golang/prometheus"

// BroadcastMetrics covers the broadcast hosts: connection table size, fan-out and command handling.
type BroadcastMetrics struct {
	ActiveConnections   *prometheus.GaugeVec
	ConnectsRejected    *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
	Deliveries          *prometheus.CounterVec
	DeliveriesDropped   *prometheus.CounterVec
	Commands            *prometheus.CounterVec
	FanoutDuration      prometheus.Histogram
	WriteDuration       prometheus.Histogram
	PingFailures        prometheus.Counter
	CommandChannelDepth *prometheus.GaugeVec
	Panics              prometheus.Counter
	StopTimeouts        prometheus.Counter
}

// NewBroadcastMetrics creates and registers broadcast metrics on the given registry.
func NewBroadcastMetrics(reg prometheus.Registerer) *BroadcastMetrics {
	m := &BroadcastMetrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "active_connections",
			Help:      "Number of live connections, by host and transport.",
		}, []string{"host", "transport"}),
		ConnectsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "connects_rejected_total",
			Help:      "Total number of rejected connects, by reason.",
		}, []string{"reason"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_published_total",
			Help:      "Total number of events fanned out, by event type and scope.",
		}, []string{"type", "scope"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Total number of per-connection deliveries enqueued, by host.",
		}, []string{"host"}),
		DeliveriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_dropped_total",
			Help:      "Total number of deliveries dropped because the connection could not take them, by reason.",
		}, []string{"reason"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "commands_total",
			Help:      "Total number of client commands handled, by command and result.",
		}, []string{"command", "result"}),
		FanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "fanout_duration_seconds",
			Help:      "Time spent scanning the connection table for one publish.",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "write_duration_seconds",
			Help:      "Time taken to write one frame to a connection.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "ping_failures_total",
			Help:      "Total number of keepalive pings that failed to write.",
		}),
		CommandChannelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "command_channel_depth",
			Help:      "Number of pending commands in a host's actor queue.",
		}, []string{"host"}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "panics_total",
			Help:      "Total number of recovered host actor panics.",
		}),
		StopTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "stop_timeouts_total",
			Help:      "Total number of host shutdowns that exceeded their timeout.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections, m.ConnectsRejected, m.EventsPublished, m.Deliveries,
		m.DeliveriesDropped, m.Commands, m.FanoutDuration, m.WriteDuration,
		m.PingFailures, m.CommandChannelDepth, m.Panics, m.StopTimeouts,
	)
	return m
}

// NewNopBroadcastMetrics returns metrics registered on a throwaway registry, for tests and tools.
func NewNopBroadcastMetrics() *BroadcastMetrics {
	return NewBroadcastMetrics(prometheus.NewRegistry())
}
