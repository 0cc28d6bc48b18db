package httpserver

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/broadcast"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	apperrors "github.com/fauxparse/lilbirdie-sub001/internal/platform/errors"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	maxCommandSize = 4096
	transportWS    = "websocket"
	transportSSE   = "sse"
)

// admit applies the connection limits for the caller's IP. The returned
// release must be called when the connection ends.
func (s *Server) admit(c echo.Context) (func(), error) {
	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		s.broadcastMetrics.ConnectsRejected.WithLabelValues(string(reason)).Inc()
		return nil, apperrors.RejectedError("too many connections", nil).WithField("reason", string(reason))
	}
	return func() { s.limits.Release(ip) }, nil
}

func (s *Server) lookupHost(name string) (*broadcast.Host, error) {
	host := s.registry.Host(name)
	if host == nil {
		return nil, apperrors.RejectedError("server shutting down", domain.ErrHostStopped)
	}
	return host, nil
}

func (s *Server) handleWebSocket(c echo.Context) error {
	name, err := s.hostParam(c)
	if err != nil {
		return err
	}
	host, err := s.lookupHost(name)
	if err != nil {
		return err
	}
	release, err := s.admit(c)
	if err != nil {
		return err
	}
	defer release()

	userID := s.resolveIdentity(c)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already answered the request
		slog.Debug("WebSocket upgrade failed", "error", err)
		return nil
	}
	conn.SetReadLimit(maxCommandSize)

	connID, err := host.Connect(broadcast.ConnectRequest{UserID: userID, Transport: transportWS, Conn: conn})
	if err != nil {
		slog.Warn("Rejecting websocket connection", "host", name, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection rejected")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return nil
	}
	defer host.Disconnect(connID)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("WebSocket closed", "host", name, "connection_id", connID, "error", err)
			}
			return nil
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := host.HandleMessage(connID, data); err != nil {
			return nil
		}
	}
}

func (s *Server) handleSSE(c echo.Context) error {
	name, err := s.hostParam(c)
	if err != nil {
		return err
	}
	host, err := s.lookupHost(name)
	if err != nil {
		return err
	}
	release, err := s.admit(c)
	if err != nil {
		return err
	}
	defer release()

	userID := s.resolveIdentity(c)

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set(echo.HeaderCacheControl, "no-cache")
	header.Set(echo.HeaderConnection, "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	conn := newSSEConn(c.Response())
	connID, err := host.Connect(broadcast.ConnectRequest{UserID: userID, Transport: transportSSE, Conn: conn})
	if err != nil {
		header.Del(echo.HeaderContentType)
		if errors.Is(err, domain.ErrHostFull) || errors.Is(err, domain.ErrHostStopped) {
			return apperrors.RejectedError("connection rejected", err)
		}
		return apperrors.InternalError("failed to register connection", err)
	}
	defer func() {
		_ = conn.Close()
		host.Disconnect(connID)
	}()

	select {
	case <-c.Request().Context().Done():
	case <-conn.Done():
	}
	return nil
}

// handleSSECommand is the uplink for clients on the event-stream transport.
func (s *Server) handleSSECommand(c echo.Context) error {
	name, err := s.hostParam(c)
	if err != nil {
		return err
	}
	host, ok := s.registry.Lookup(name)
	if !ok {
		return apperrors.NotFoundError("connection not found")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCommandSize+1))
	if err != nil {
		return apperrors.ValidationError("failed to read command")
	}
	if len(body) > maxCommandSize {
		return apperrors.ValidationError("command too large")
	}

	connID := c.Param("conn")
	switch err := host.HandleMessage(connID, body); {
	case errors.Is(err, domain.ErrConnectionNotFound):
		return apperrors.NotFoundError("connection not found").WithField("connection_id", connID)
	case errors.Is(err, domain.ErrHostStopped):
		return apperrors.RejectedError("server shutting down", err)
	case err != nil:
		return apperrors.InternalError("failed to handle command", err)
	}

	return c.NoContent(http.StatusAccepted)
}
