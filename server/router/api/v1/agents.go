package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lumichat/agentd/ai/agentreg"
	"github.com/lumichat/agentd/store"
)

type agentResponse struct {
	ID          string `json:"id"`
	Nickname    string `json:"nickname"`
	Description string `json:"description"`
	Model       string `json:"model"`
	Provider    string `json:"provider"`
}

// listAgents returns the configured agent identities.
func (s *APIV1Service) listAgents(c echo.Context) error {
	agents, err := agentreg.ListAgents(c.Request().Context(), s.Store)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list agents")
	}
	response := make([]*agentResponse, 0, len(agents))
	for _, agentUser := range agents {
		response = append(response, &agentResponse{
			ID:          agentUser.ID,
			Nickname:    agentUser.Nickname,
			Description: agentUser.Description,
			Model:       agentUser.AgentModel,
			Provider:    agentUser.AgentProvider,
		})
	}
	return c.JSON(http.StatusOK, response)
}

type agentMembershipRequest struct {
	ChatSessionID string `json:"chat_session_id"`
	AgentUserID   string `json:"agent_user_id"`
}

func (s *APIV1Service) bindAgentMembership(c echo.Context) (*agentMembershipRequest, error) {
	request := &agentMembershipRequest{}
	if err := c.Bind(request); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if request.ChatSessionID == "" || request.AgentUserID == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "chat_session_id and agent_user_id are required")
	}
	agentUser, err := s.Store.GetUser(c.Request().Context(), &store.FindUser{ID: &request.AgentUserID})
	if err != nil || agentUser == nil || !agentUser.IsAgent {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unknown agent")
	}
	return request, nil
}

// addAgentToSession makes an agent a member of a chat session, so the
// gateway routes the session's mentions to it.
func (s *APIV1Service) addAgentToSession(c echo.Context) error {
	request, err := s.bindAgentMembership(c)
	if err != nil {
		return err
	}
	if err := s.Store.AddSessionMember(c.Request().Context(), request.ChatSessionID, request.AgentUserID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to add agent to session")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"chat_session_id": request.ChatSessionID,
		"agent_user_id":   request.AgentUserID,
	})
}

func (s *APIV1Service) removeAgentFromSession(c echo.Context) error {
	request, err := s.bindAgentMembership(c)
	if err != nil {
		return err
	}
	if err := s.Store.RemoveSessionMember(c.Request().Context(), request.ChatSessionID, request.AgentUserID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to remove agent from session")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"chat_session_id": request.ChatSessionID,
		"agent_user_id":   request.AgentUserID,
	})
}
