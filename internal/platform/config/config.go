package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Gateway modes select how mutation handlers reach the broadcast host.
const (
	GatewayLocal    = "local"
	GatewayHTTP     = "http"
	GatewayRedis    = "redis"
	GatewayPostgres = "postgres"
	GatewayNone     = "none"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	SessionSecret      string `env:"SESSION_SECRET"`
	TrustQueryIdentity bool   `env:"TRUST_QUERY_IDENTITY" default:"true"`

	GatewayMode   string        `env:"GATEWAY_MODE" default:"local"`
	BridgeURL     string        `env:"BRIDGE_URL"`
	BridgeTimeout time.Duration `env:"BRIDGE_TIMEOUT" default:"3s"`
	BridgeSecret  string        `env:"BRIDGE_SECRET"`
	RedisURL      string        `env:"REDIS_URL"`
	DatabaseURL   string        `env:"DATABASE_URL"`

	HostName                string `env:"HOST_NAME" default:"main"`
	MaxConnectionsPerHost   int    `env:"MAX_CONNECTIONS_PER_HOST" default:"1000"`
	MaxWebSocketConnections int    `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int    `env:"MAX_CONNECTIONS_PER_IP" default:"100"`

	ConnectRateLimit float64 `env:"CONNECT_RATE_LIMIT" default:"5"`
	ConnectRateBurst int     `env:"CONNECT_RATE_BURST" default:"20"`

	// CommandRate* budget each connection on its host. UplinkRate* caps the
	// SSE command endpoint per client IP, across all of that IP's streams.
	CommandRateLimit float64 `env:"COMMAND_RATE_LIMIT" default:"20"`
	CommandRateBurst int     `env:"COMMAND_RATE_BURST" default:"40"`
	UplinkRateLimit  float64 `env:"UPLINK_RATE_LIMIT" default:"200"`
	UplinkRateBurst  int     `env:"UPLINK_RATE_BURST" default:"400"`

	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" default:"168h"` // 7 days
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	modes := []string{GatewayLocal, GatewayHTTP, GatewayRedis, GatewayPostgres, GatewayNone}
	if !slices.Contains(modes, cfg.GatewayMode) {
		return fmt.Errorf("GATEWAY_MODE must be one of %v, got %q", modes, cfg.GatewayMode)
	}

	switch cfg.GatewayMode {
	case GatewayHTTP:
		if cfg.BridgeURL == "" {
			return errors.New("BRIDGE_URL is required when GATEWAY_MODE=http")
		}
		if _, err := url.ParseRequestURI(cfg.BridgeURL); err != nil {
			return fmt.Errorf("BRIDGE_URL must be a valid URL: %w", err)
		}
	case GatewayRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when GATEWAY_MODE=redis")
		}
	case GatewayPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when GATEWAY_MODE=postgres")
		}
	}

	if cfg.BridgeTimeout <= 0 {
		return errors.New("BRIDGE_TIMEOUT must be positive")
	}
	if cfg.BridgeSecret != "" && (len(cfg.BridgeSecret) < 16 || len(cfg.BridgeSecret) > 256) {
		return errors.New("BRIDGE_SECRET must be between 16 and 256 characters")
	}
	if cfg.HostName == "" {
		return errors.New("HOST_NAME must not be empty")
	}
	if cfg.MaxConnectionsPerHost < 1 {
		return errors.New("MAX_CONNECTIONS_PER_HOST must be at least 1")
	}
	if cfg.CommandRateLimit <= 0 || cfg.CommandRateBurst < 1 {
		return errors.New("COMMAND_RATE_LIMIT and COMMAND_RATE_BURST must be positive")
	}
	if cfg.UplinkRateLimit <= 0 || cfg.UplinkRateBurst < 1 {
		return errors.New("UPLINK_RATE_LIMIT and UPLINK_RATE_BURST must be positive")
	}

	if cfg.AppEnv == "production" && len(cfg.SessionSecret) < 32 {
		return errors.New("SESSION_SECRET must be at least 32 characters in production")
	}

	return nil
}

// IsDevelopment reports whether the app runs outside production.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv != "production"
}
