package httpserver

import (
	"regexp"
	"strings"

	apperrors "github.com/fauxparse/lilbirdie-sub001/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

const (
	sessionName      = "lilbirdie-session"
	sessionKeyUserID = "user_id"
	contextKeyUserID = "userID"
)

var hostNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// resolveIdentity returns the connecting user. A signed session cookie wins;
// the userId query parameter is only a convenience pre-fill and is honoured
// when TRUST_QUERY_IDENTITY is set. "" means anonymous.
func (s *Server) resolveIdentity(c echo.Context) string {
	userID := ""
	if session, err := s.sessionStore.Get(c.Request(), sessionName); err == nil {
		if id, ok := session.Values[sessionKeyUserID].(string); ok {
			userID = id
		}
	}
	if userID == "" && s.config.TrustQueryIdentity {
		userID = strings.TrimSpace(c.QueryParam("userId"))
	}
	if userID != "" {
		c.Set(contextKeyUserID, userID)
	}
	return userID
}

// hostParam returns the :host path parameter, defaulting to the main host.
func (s *Server) hostParam(c echo.Context) (string, error) {
	name := c.Param("host")
	if name == "" {
		return s.config.HostName, nil
	}
	if !hostNamePattern.MatchString(name) {
		return "", apperrors.ValidationError("invalid host name").WithField("host", name)
	}
	return name, nil
}
