package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/fauxparse/lilbirdie-sub001/internal/broadcast"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/config"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Deps are the collaborators the HTTP surface serves. Nil metrics fall back
// to unregistered instances and a nil Prometheus registry disables /metrics.
type Deps struct {
	Registry     *broadcast.Registry
	Prometheus   *prometheus.Registry
	Broadcast    *metrics.BroadcastMetrics
	Gateway      *metrics.GatewayMetrics
	HealthChecks []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	registry     *broadcast.Registry
	limits       *ConnectionLimits
	upgrader     websocket.Upgrader
	sessionStore *sessions.CookieStore

	promRegistry     *prometheus.Registry
	httpMetrics      *metrics.HTTPMetrics
	broadcastMetrics *metrics.BroadcastMetrics
	gatewayMetrics   *metrics.GatewayMetrics

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if deps.Broadcast == nil {
		deps.Broadcast = metrics.NewNopBroadcastMetrics()
	}
	if deps.Gateway == nil {
		deps.Gateway = metrics.NewNopGatewayMetrics()
	}

	srv := &Server{
		echo:     e,
		config:   cfg,
		registry: deps.Registry,
		limits: NewConnectionLimits(cfg.MaxWebSocketConnections, cfg.MaxConnectionsPerIP,
			cfg.ConnectRateLimit, cfg.ConnectRateBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     newCheckOrigin(cfg.AppURL, cfg.IsDevelopment()),
		},
		sessionStore:     setupSessionStore(cfg),
		promRegistry:     deps.Prometheus,
		broadcastMetrics: deps.Broadcast,
		gatewayMetrics:   deps.Gateway,
		healthChecks:     deps.HealthChecks,
		startTime:        time.Now(),
	}
	if deps.Prometheus != nil {
		srv.httpMetrics = metrics.NewHTTPMetrics(deps.Prometheus)
	}
	if cfg.BridgeSecret == "" && !cfg.IsDevelopment() {
		slog.Warn("BRIDGE_SECRET is not set, /bridge accepts unsigned envelopes")
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func setupSessionStore(cfg *config.Config) *sessions.CookieStore {
	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.AppEnv == "production",
		SameSite: http.SameSiteLaxMode,
	}
	return sessionStore
}
