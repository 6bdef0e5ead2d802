package v1

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lumichat/agentd/ai/eventbus"
)

// streamSessionEvents serves the session topic as an SSE stream. The
// Last-Event-ID header resumes within the topic's replay ring; older
// history comes from the database, not from here. The stream stays open
// across runs on the same session and ends when the client disconnects,
// the topic closes, or this subscriber falls too far behind.
func (s *APIV1Service) streamSessionEvents(c echo.Context) error {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	response := c.Response()
	response.Header().Set(echo.HeaderContentType, "text/event-stream")
	response.Header().Set(echo.HeaderCacheControl, "no-cache")
	response.Header().Set(echo.HeaderConnection, "keep-alive")
	// Tell nginx-style proxies not to buffer the stream.
	response.Header().Set("X-Accel-Buffering", "no")
	response.WriteHeader(http.StatusOK)

	sinceID := eventbus.ParseLastEventID(c.Request().Header.Get("Last-Event-ID"))
	sub := s.Bus.Subscribe(sessionID, sinceID)
	defer s.Bus.Unsubscribe(sessionID, sub)

	// Synthetic init frame: flushes proxy buffers immediately and tells
	// the client the topic head, so it can detect a truncated resume.
	initFrame := fmt.Sprintf(
		"event: init\ndata: {\"session_id\":%q,\"last_event_id\":%d}\n\n",
		sessionID, s.Bus.LastEventID(sessionID),
	)
	if _, err := response.Write([]byte(initFrame)); err != nil {
		return nil
	}
	response.Flush()

	heartbeat := time.NewTicker(eventbus.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := response.Write(eventbus.Heartbeat); err != nil {
				return nil
			}
			response.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if _, err := response.Write(event.Encode()); err != nil {
				return nil
			}
			response.Flush()
			if event.Kind == "done" {
				return nil
			}
		}
	}
}
