package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func processWith(hook *CircuitBreakerHook, err error) error {
	ctx := context.Background()
	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return err })
	return process(ctx, goredis.NewIntCmd(ctx, "publish", "lilbirdie:host:main", "{}"))
}

func TestCircuitBreakerHook_StaysClosedOnSuccess(t *testing.T) {
	hook := NewCircuitBreakerHook(metrics.NewNopGatewayMetrics())

	for range 10 {
		assert.NoError(t, processWith(hook, nil))
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_NilIsNotAFailure(t *testing.T) {
	hook := NewCircuitBreakerHook(metrics.NewNopGatewayMetrics())

	for range 10 {
		assert.ErrorIs(t, processWith(hook, goredis.Nil), goredis.Nil)
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAndFailsFast(t *testing.T) {
	m := metrics.NewNopGatewayMetrics()
	hook := NewCircuitBreakerHook(m)

	for range 5 {
		assert.Error(t, processWith(hook, errors.New("connection refused")))
	}
	assert.Equal(t, circuitbreaker.OpenState, hook.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("redis")))

	called := false
	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		called = true
		return nil
	})
	err := process(context.Background(), goredis.NewStatusCmd(context.Background(), "ping"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreakerHook_PipelineRejectedWhenOpen(t *testing.T) {
	hook := NewCircuitBreakerHook(metrics.NewNopGatewayMetrics())
	for range 5 {
		_ = processWith(hook, errors.New("timeout"))
	}

	pipeline := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return nil })
	assert.ErrorIs(t, pipeline(context.Background(), nil), circuitbreaker.ErrOpen)
}
