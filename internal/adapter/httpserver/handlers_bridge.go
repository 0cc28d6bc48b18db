package httpserver

import (
	"fmt"
	"io"
	"net/http"

	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	apperrors "github.com/fauxparse/lilbirdie-sub001/internal/platform/errors"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/signature"
	"github.com/labstack/echo/v4"
)

const (
	maxEnvelopeSize = 64 << 10
	bridgeSource    = "bridge"
)

// handleBridge accepts one event envelope from a publish gateway and fans it
// out on the named host. 200 means accepted for delivery, not delivered.
// With BRIDGE_SECRET set, the body must carry a valid signature header.
func (s *Server) handleBridge(c echo.Context) error {
	if c.Request().Method != http.MethodPost {
		c.Response().Header().Set(echo.HeaderAllow, http.MethodPost)
		return apperrors.MethodNotAllowedError(c.Request().Method)
	}

	name, err := s.hostParam(c)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEnvelopeSize+1))
	if err != nil {
		return apperrors.ValidationError("failed to read body")
	}
	if len(body) > maxEnvelopeSize {
		s.gatewayMetrics.RelayMessages.WithLabelValues(bridgeSource, "invalid").Inc()
		return apperrors.ValidationError("envelope too large")
	}
	if secret := s.config.BridgeSecret; secret != "" &&
		!signature.Verify([]byte(secret), body, c.Request().Header.Get(signature.Header)) {
		s.gatewayMetrics.RelayMessages.WithLabelValues(bridgeSource, "unauthorized").Inc()
		return apperrors.UnauthorizedError("invalid bridge signature")
	}

	event, err := domain.DecodeEvent(body)
	if err != nil {
		s.gatewayMetrics.RelayMessages.WithLabelValues(bridgeSource, "invalid").Inc()
		return apperrors.ValidationError("invalid event envelope").WithField("reason", err.Error())
	}

	host, err := s.lookupHost(name)
	if err != nil {
		s.gatewayMetrics.RelayMessages.WithLabelValues(bridgeSource, "stopped").Inc()
		return err
	}
	host.PublishEvent(event)
	s.gatewayMetrics.RelayMessages.WithLabelValues(bridgeSource, "ok").Inc()

	if err := c.JSON(http.StatusOK, map[string]string{"status": "accepted"}); err != nil {
		return fmt.Errorf("failed to write bridge response: %w", err)
	}
	return nil
}
