package metrics

import "github.com/prometheus/client_golang/prometheus"

// StorageMetrics covers the redis and postgres clients used by the gateways.
type StorageMetrics struct {
	RedisOps        *prometheus.CounterVec
	RedisOpDuration *prometheus.HistogramVec
	RedisConnErrors prometheus.Counter
	DBQueryDuration *prometheus.HistogramVec
	DBErrors        *prometheus.CounterVec
	DBNotifications prometheus.Counter
}

// NewStorageMetrics creates and registers storage metrics on the given registry.
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	m := &StorageMetrics{
		RedisOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Total number of redis operations, by command and status.",
		}, []string{"operation", "status"}),
		RedisOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of redis operations, by command.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}, []string{"operation"}),
		RedisConnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connection_errors_total",
			Help:      "Total number of failed redis dials.",
		}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries, by statement kind.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"query"}),
		DBErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "errors_total",
			Help:      "Total number of failed database queries, by statement kind.",
		}, []string{"query"}),
		DBNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "notifications_received_total",
			Help:      "Total number of LISTEN notifications received.",
		}),
	}

	reg.MustRegister(m.RedisOps, m.RedisOpDuration, m.RedisConnErrors, m.DBQueryDuration, m.DBErrors, m.DBNotifications)
	return m
}

// NewNopStorageMetrics returns metrics registered on a throwaway registry, for tests and tools.
func NewNopStorageMetrics() *StorageMetrics {
	return NewStorageMetrics(prometheus.NewRegistry())
}
