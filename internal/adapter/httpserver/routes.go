package httpserver

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	if s.httpMetrics != nil {
		s.echo.Use(s.httpMetrics.Middleware())
	}
	s.echo.Use(ErrorHandlingMiddleware())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000, // 2 years; only sent over HTTPS
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))

	s.registerHealthRoutes()
	if s.promRegistry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.promRegistry)))
	}
	s.registerStreamRoutes()
	s.registerBridgeRoutes()
}

func (s *Server) registerStreamRoutes() {
	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.GET("/ws/:host", s.handleWebSocket)

	sse := s.echo.Group("/sse", middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{extractOrigin(s.config.AppURL)},
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowCredentials: true,
	}))
	sse.GET("/:host", s.handleSSE)
	sse.POST("/:host/:conn/commands", s.handleSSECommand,
		newRateLimiter(s.config.UplinkRateLimit, s.config.UplinkRateBurst))
}

func (s *Server) registerBridgeRoutes() {
	s.echo.Any("/bridge", s.handleBridge)
	s.echo.Any("/bridge/:host", s.handleBridge)
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path == "/metrics" || strings.HasPrefix(path, "/health/")
		},
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
