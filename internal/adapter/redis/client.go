package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient connects to redisURL and installs the metrics and circuit breaker
// hooks. The breaker wraps the metrics hook, so rejected commands are not timed.
func NewClient(ctx context.Context, redisURL string, sm *metrics.StorageMetrics, gm *metrics.GatewayMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if sm == nil {
		sm = metrics.NewNopStorageMetrics()
	}
	if gm == nil {
		gm = metrics.NewNopGatewayMetrics()
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(NewCircuitBreakerHook(gm))
	rdb.AddHook(NewMetricsHook(sm))

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}
