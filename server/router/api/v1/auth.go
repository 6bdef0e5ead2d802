package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Identity header names injected by the chat gateway after its own
// authentication.
const (
	headerUserID   = "X-User-Id"
	headerNickname = "X-User-Nickname"
	headerSession  = "X-Session-Id"
)

// Echo context keys for the extracted identity.
const (
	ctxUserID    = "agentd.user-id"
	ctxNickname  = "agentd.nickname"
	ctxSessionID = "agentd.session-id"
)

// sessionAuth extracts the gateway identity headers. Development mode
// additionally accepts user_id / nickname / session_id query
// parameters so the endpoints are curl-able without the gateway.
func (s *APIV1Service) sessionAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(headerUserID)
		nickname := c.Request().Header.Get(headerNickname)
		sessionID := c.Request().Header.Get(headerSession)

		if s.Profile.IsDev() {
			if userID == "" {
				userID = c.QueryParam("user_id")
			}
			if nickname == "" {
				nickname = c.QueryParam("nickname")
			}
			if sessionID == "" {
				sessionID = c.QueryParam("session_id")
			}
		}
		if userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing identity header")
		}

		c.Set(ctxUserID, userID)
		c.Set(ctxNickname, nickname)
		c.Set(ctxSessionID, sessionID)
		return next(c)
	}
}

// currentUserID returns the authenticated user id set by sessionAuth.
func currentUserID(c echo.Context) string {
	id, _ := c.Get(ctxUserID).(string)
	return id
}

// currentSessionID returns the session id header when present.
func currentSessionID(c echo.Context) string {
	id, _ := c.Get(ctxSessionID).(string)
	return id
}
