package v1

import (
	"net/http"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/lumichat/agentd/ai/contextmgr"
	"github.com/lumichat/agentd/store"
)

// mentionPattern matches the gateway's mention markup @[name]{user_id}.
var mentionPattern = regexp.MustCompile(`@\[([^\]]+)\]\{[^}]+\}`)

// StripMentions rewrites @[name]{id} markup to a plain @name so the
// model sees readable text.
func StripMentions(content string) string {
	return mentionPattern.ReplaceAllString(content, "@$1")
}

type messageWebhookRequest struct {
	ChatSessionID string `json:"chat_session_id"`
	MessageID     string `json:"message_id"`
	SenderUserID  string `json:"sender_user_id"`
	AgentUserID   string `json:"agent_user_id"`
	Content       string `json:"content"`
}

// sessionLimiter returns the rate limiter for one chat session,
// creating it on first use. A chatty session cannot starve the model
// budget of the whole instance.
func (s *APIV1Service) sessionLimiter(sessionID string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[sessionID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Second), 3)
		s.limiters[sessionID] = limiter
	}
	return limiter
}

// handleMessageWebhook is called by the chat gateway when a freshly
// persisted user message mentions an agent. Dedup on message_id is the
// gateway's job; this endpoint just validates, refreshes the context
// cache and fires the run.
func (s *APIV1Service) handleMessageWebhook(c echo.Context) error {
	request := &messageWebhookRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if request.ChatSessionID == "" || request.SenderUserID == "" || request.AgentUserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat_session_id, sender_user_id and agent_user_id are required")
	}
	if request.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if !s.sessionLimiter(request.ChatSessionID).Allow() {
		return echo.NewHTTPError(http.StatusTooManyRequests, "session is triggering too fast")
	}

	ctx := c.Request().Context()
	agentUser, err := s.Store.GetUser(ctx, &store.FindUser{ID: &request.AgentUserID})
	if err != nil || agentUser == nil || !agentUser.IsAgent {
		return echo.NewHTTPError(http.StatusNotFound, "unknown agent")
	}

	// The gateway persisted the message before calling us. A cold cache
	// reload picks it up from the database; a warm cache needs the
	// append so the agent sees its own trigger.
	s.appendTriggerMessage(c, request)

	run := s.Runs.Create(s.baseCtx, request.SenderUserID, request.ChatSessionID, request.AgentUserID, StripMentions(request.Content))
	s.Orchestrator.Start(run)
	return c.JSON(http.StatusOK, map[string]string{
		"run_id":     run.ID,
		"created_at": run.CreatedAt.Format(time.RFC3339),
	})
}

func (s *APIV1Service) appendTriggerMessage(c echo.Context, request *messageWebhookRequest) {
	ctx := c.Request().Context()
	history, err := s.Loader.GetContext(ctx, request.ChatSessionID, 0)
	if err != nil {
		return
	}
	for _, msg := range history {
		if msg.MessageID == request.MessageID {
			return
		}
	}

	nickname := request.SenderUserID
	if sender, err := s.Store.GetUser(ctx, &store.FindUser{ID: &request.SenderUserID}); err == nil && sender != nil && sender.Nickname != "" {
		nickname = sender.Nickname
	}
	// Best effort: on failure the next cold reload restores consistency.
	_ = s.Loader.AddMessage(ctx, request.ChatSessionID, &contextmgr.ContextMessage{
		MessageID:   request.MessageID,
		UserID:      request.SenderUserID,
		Nickname:    nickname,
		MessageType: store.MessageTypeText,
		Content:     request.Content,
		CreateTime:  time.Now().Format(time.RFC3339),
	})
}
