package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/httpserver"
	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/postgres"
	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/redis"
	"github.com/fauxparse/lilbirdie-sub001/internal/broadcast"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/config"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/logging"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/version"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type telemetry struct {
	broadcast *metrics.BroadcastMetrics
	gateway   *metrics.GatewayMetrics
	storage   *metrics.StorageMetrics
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, sm *metrics.StorageMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, sm)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config, t telemetry) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, t.storage, t.gateway)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// startRelays runs a relay for every backing store that is configured, so
// emitters in any gateway mode reach this host.
func startRelays(ctx context.Context, wg *sync.WaitGroup, host string, registry *broadcast.Registry, rdb *goredis.Client, pool *pgxpool.Pool, t telemetry) {
	if rdb != nil {
		relay := redis.NewRelay(rdb, registry, t.gateway)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Start(ctx)
		}()
	}

	if pool != nil {
		outbox := postgres.NewOutbox(pool, host, t.gateway)
		listener := postgres.NewListener(pool, outbox, registry, t.gateway, t.storage)
		wg.Add(1)
		go func() {
			defer wg.Done()
			listener.Start(ctx)
		}()
	}
}

func healthChecks(rdb *goredis.Client, pool *pgxpool.Pool) []httpserver.HealthCheck {
	var checks []httpserver.HealthCheck
	if rdb != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	if pool != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name:  "postgres",
			Check: pool.Ping,
		})
	}
	return checks
}

func runGracefulShutdown(srv *httpserver.Server, registry *broadcast.Registry, stopRelays context.CancelFunc, relays *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		stopRelays()
		relays.Wait()

		// close frames go out before the listener stops accepting
		registry.StopAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	promRegistry := metrics.NewRegistry()
	t := telemetry{
		broadcast: metrics.NewBroadcastMetrics(promRegistry),
		gateway:   metrics.NewGatewayMetrics(promRegistry),
		storage:   metrics.NewStorageMetrics(promRegistry),
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool = setupDB(cfg, t.storage)
		defer pool.Close()
	}

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		rdb = setupRedis(cfg, t)
		defer func() { _ = rdb.Close() }()
	}

	registry := broadcast.NewRegistry(broadcast.Options{
		Metrics:        t.broadcast,
		MaxConnections: cfg.MaxConnectionsPerHost,
		CommandRate:    rate.Limit(cfg.CommandRateLimit),
		CommandBurst:   cfg.CommandRateBurst,
	})
	registry.Host(cfg.HostName)

	relayCtx, stopRelays := context.WithCancel(context.Background())
	var relays sync.WaitGroup
	startRelays(relayCtx, &relays, cfg.HostName, registry, rdb, pool, t)

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Registry:     registry,
		Prometheus:   promRegistry,
		Broadcast:    t.broadcast,
		Gateway:      t.gateway,
		HealthChecks: healthChecks(rdb, pool),
	})

	done := runGracefulShutdown(srv, registry, stopRelays, &relays)

	slog.Info("Server starting", "port", cfg.Port, "host", cfg.HostName, "gateway_mode", cfg.GatewayMode)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
