package v1

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lumichat/agentd/ai/agentreg"
	"github.com/lumichat/agentd/ai/contextmgr"
	"github.com/lumichat/agentd/ai/streamreg"
)

type createRunRequest struct {
	Input         string           `json:"input"`
	ChatSessionID string           `json:"chat_session_id"`
	AgentUserID   string           `json:"agent_user_id"`
	ChatHistory   []historyMessage `json:"chat_history"`
}

// historyMessage is a client-supplied context line used to prime the
// session cache when the caller drives its own context.
type historyMessage struct {
	MessageID   string `json:"message_id"`
	UserID      string `json:"user_id"`
	Nickname    string `json:"nickname"`
	Content     string `json:"content"`
	MessageType int32  `json:"message_type"`
	IsAgent     bool   `json:"is_agent"`
}

type runResponse struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	SessionID   string `json:"session_id"`
	AgentUserID string `json:"agent_user_id"`
	Running     bool   `json:"running"`
	CreatedAt   string `json:"created_at"`
}

func runToResponse(run *streamreg.Run) *runResponse {
	return &runResponse{
		RunID:       run.ID,
		Status:      string(run.Status()),
		SessionID:   run.SessionID,
		AgentUserID: run.AgentUserID,
		Running:     run.Running(),
		CreatedAt:   run.CreatedAt.Format(time.RFC3339),
	}
}

// createRun starts a run directly, without going through the gateway
// webhook. The response returns immediately; progress is observed on
// the session SSE stream.
func (s *APIV1Service) createRun(c echo.Context) error {
	request := &createRunRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if request.Input == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "input is required")
	}
	if request.ChatSessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat_session_id is required")
	}

	agentUserID := request.AgentUserID
	if agentUserID == "" {
		agents, err := agentreg.ListAgents(c.Request().Context(), s.Store)
		if err != nil || len(agents) == 0 {
			return echo.NewHTTPError(http.StatusNotFound, "no agent configured")
		}
		agentUserID = agents[0].ID
	}

	for _, item := range request.ChatHistory {
		messageID := item.MessageID
		if messageID == "" {
			messageID = uuid.NewString()
		}
		msg := &contextmgr.ContextMessage{
			MessageID:   messageID,
			UserID:      item.UserID,
			Nickname:    item.Nickname,
			MessageType: item.MessageType,
			Content:     item.Content,
			CreateTime:  time.Now().Format(time.RFC3339),
			IsAgent:     item.IsAgent,
		}
		if err := s.Loader.AddMessage(c.Request().Context(), request.ChatSessionID, msg); err != nil {
			// Cache priming is best effort; the orchestrator falls back
			// to the database.
			break
		}
	}

	run := s.Runs.Create(s.baseCtx, currentUserID(c), request.ChatSessionID, agentUserID, request.Input)
	s.Orchestrator.Start(run)
	return c.JSON(http.StatusOK, map[string]string{
		"run_id":     run.ID,
		"created_at": run.CreatedAt.Format(time.RFC3339),
	})
}

func (s *APIV1Service) getRun(c echo.Context) error {
	run, ok := s.Runs.Get(c.Param("runId"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, runToResponse(run))
}

// cancelRun flips the run's cancellation flag. The orchestrator
// observes it at the next provider event or tool boundary.
func (s *APIV1Service) cancelRun(c echo.Context) error {
	runID := c.Param("runId")
	if _, ok := s.Runs.Get(runID); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	cancelled := s.Runs.Cancel(runID)
	return c.JSON(http.StatusOK, map[string]any{
		"run_id":    runID,
		"cancelled": cancelled,
	})
}
