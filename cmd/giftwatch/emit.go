package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/postgres"
	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/redis"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/fauxparse/lilbirdie-sub001/internal/gateway"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/config"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/logging"
	"github.com/spf13/pflag"
)

func runEmit(ctx context.Context, args []string) error {
	var mode, host, envelope string
	flags := pflag.NewFlagSet("giftwatch emit", pflag.ContinueOnError)
	flags.StringVar(&mode, "mode", "", "gateway mode (defaults to GATEWAY_MODE)")
	flags.StringVar(&host, "host", "", "host instance name (defaults to HOST_NAME)")
	flags.StringVarP(&envelope, "envelope", "e", "-", `event envelope JSON, or "-" for stdin`)
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if mode == "" {
		mode = cfg.GatewayMode
	}
	if host == "" {
		host = cfg.HostName
	}

	event, err := readEnvelope(envelope, os.Stdin)
	if err != nil {
		return err
	}

	gw, closeFn, err := newGateway(ctx, cfg, mode, host)
	if err != nil {
		return err
	}
	defer closeFn()

	gw.Emit(ctx, event)
	room, _ := event.Room()
	slog.Info("Event handed to gateway", "mode", gw.Mode(), "host", host, "event_type", event.Type, "room", room.String())
	return nil
}

func readEnvelope(arg string, stdin io.Reader) (domain.Event, error) {
	var raw []byte
	if arg == "-" {
		data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
		if err != nil {
			return domain.Event{}, fmt.Errorf("read envelope: %w", err)
		}
		raw = data
	} else {
		raw = []byte(arg)
	}

	event, err := domain.DecodeEvent([]byte(strings.TrimSpace(string(raw))))
	if err != nil {
		return domain.Event{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return event, nil
}

// newGateway builds the Publish Gateway for mode. The local mode publishes
// into an in-process registry and so only exists inside the host process.
func newGateway(ctx context.Context, cfg *config.Config, mode, host string) (*gateway.Gateway, func(), error) {
	switch mode {
	case config.GatewayNone:
		return gateway.Nop(), func() {}, nil

	case config.GatewayHTTP:
		if cfg.BridgeURL == "" {
			return nil, nil, fmt.Errorf("BRIDGE_URL is required for mode %s", mode)
		}
		sender := gateway.NewHTTPSender(cfg.BridgeURL, cfg.BridgeTimeout, nil).WithSecret(cfg.BridgeSecret)
		return gateway.New(mode, host, sender, nil), func() {}, nil

	case config.GatewayRedis:
		if cfg.RedisURL == "" {
			return nil, nil, fmt.Errorf("REDIS_URL is required for mode %s", mode)
		}
		rdb, err := redis.NewClient(ctx, cfg.RedisURL, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		return gateway.New(mode, host, redis.NewPublisher(rdb), nil), func() { _ = rdb.Close() }, nil

	case config.GatewayPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for mode %s", mode)
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return gateway.New(mode, host, postgres.NewOutbox(pool, host, nil), nil), pool.Close, nil

	case config.GatewayLocal:
		return nil, nil, fmt.Errorf("mode %s only works inside the host process; use http, redis or postgres", mode)

	default:
		return nil, nil, fmt.Errorf("unknown gateway mode %q", mode)
	}
}
