package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/lumichat/agentd/ai/transcript"
	"github.com/lumichat/agentd/store"
)

const (
	historyDefaultLimit = 50
	historyMaxLimit     = 100
	searchDefaultLimit  = 20
	normalizeMaxLen     = 600
	searchSnippetLen    = 500
)

// ChatStore is the subset of store operations the chat tools need.
type ChatStore interface {
	ListMessagesWithSender(ctx context.Context, find *store.FindMessage) ([]*store.MessageWithSender, error)
	GetChatSession(ctx context.Context, id string) (*store.ChatSession, error)
	ListSessionMembers(ctx context.Context, sessionID string) ([]*store.SessionMemberInfo, error)
	ListUserSessions(ctx context.Context, userID string) ([]*store.ChatSession, error)
	GetUser(ctx context.Context, find *store.FindUser) (*store.User, error)
}

// sessionFromArgsOrCtx resolves the target session: an explicit
// argument wins, otherwise the tool operates on the ambient session.
func sessionFromArgsOrCtx(ctx context.Context, arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	if meta := CallMetaFrom(ctx); meta.SessionID != "" {
		return meta.SessionID, nil
	}
	return "", errors.New("session_id is required")
}

// normalizeMessageContent compresses an agent transcript stored as a
// chat message: reasoning blocks are dropped, tool rounds shrink to
// name and result preview, and the whole thing is capped so one noisy
// bot message cannot dominate a history listing.
func normalizeMessageContent(content string, maxLen int) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return "[empty message]"
	}
	if !strings.Contains(content, "<think") && !strings.Contains(content, "<tool-") {
		return truncateRunes(content, maxLen)
	}

	var calls, results, texts []string
	for _, p := range transcript.Parse(content) {
		switch p.Type {
		case transcript.PartToolCall:
			if p.Name != "" {
				calls = append(calls, p.Name)
			}
		case transcript.PartToolResult:
			results = append(results, fmt.Sprintf("%s/%s: %s", p.Name, p.Status, truncateRunes(collapse(p.Content), 100)))
		case transcript.PartText:
			if text := collapse(p.Content); text != "" {
				texts = append(texts, text)
			}
		}
	}

	var parts []string
	if len(calls) > 0 {
		parts = append(parts, "[tools: "+strings.Join(calls, ", ")+"]")
	}
	parts = append(parts, results...)
	parts = append(parts, texts...)
	summary := strings.TrimSpace(strings.Join(parts, "; "))
	if summary == "" {
		summary = "[empty message]"
	}
	return truncateRunes(summary, maxLen)
}

// displayLine formats one history row as `[time] sender: text`.
func displayLine(m *store.MessageWithSender) string {
	nickname := m.SenderNickname
	if nickname == "" {
		nickname = m.SenderID
	}
	var content string
	switch m.MessageType {
	case store.MessageTypeText:
		content = normalizeMessageContent(m.Content, normalizeMaxLen)
	case store.MessageTypeImage:
		content = "[image message]"
	case store.MessageTypeFile:
		name := m.Content
		if name == "" {
			name = "unknown file"
		}
		content = fmt.Sprintf("[file: %s]", name)
	case store.MessageTypeVoice:
		content = "[voice message]"
	default:
		content = fmt.Sprintf("[unknown message type %d]", m.MessageType)
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreateTime.Format("01-02 15:04"), nickname, content)
}

// ChatHistoryTool reads recent messages of a session.
type ChatHistoryTool struct {
	store ChatStore
}

func NewChatHistoryTool(s ChatStore) *ChatHistoryTool { return &ChatHistoryTool{store: s} }

func (t *ChatHistoryTool) Name() string { return "get_chat_history" }

func (t *ChatHistoryTool) Description() string {
	return "Read recent messages of a chat session, newest last. Defaults to the current session."
}

func (t *ChatHistoryTool) Parameters() string {
	return `{"type":"object","properties":{"session_id":{"type":"string","description":"chat session id, defaults to the current session"},"limit":{"type":"integer","description":"max messages, default 50"},"offset":{"type":"integer","description":"pagination offset"}},"required":[],"additionalProperties":false}`
}

func (t *ChatHistoryTool) RequiresApproval() bool { return false }

func (t *ChatHistoryTool) Execute(ctx context.Context, args string) (string, error) {
	var params struct {
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
		Offset    int    `json:"offset"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", errors.Wrap(err, "invalid get_chat_history arguments")
	}
	sessionID, err := sessionFromArgsOrCtx(ctx, params.SessionID)
	if err != nil {
		return "", err
	}
	if params.Limit <= 0 {
		params.Limit = historyDefaultLimit
	}
	if params.Limit > historyMaxLimit {
		params.Limit = historyMaxLimit
	}

	rows, err := t.store.ListMessagesWithSender(ctx, &store.FindMessage{
		SessionID:       &sessionID,
		Limit:           params.Limit,
		Offset:          params.Offset,
		OrderByTimeDesc: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to load chat history")
	}
	if len(rows) == 0 {
		return fmt.Sprintf("No messages found in session %s", sessionID), nil
	}

	lines := []string{fmt.Sprintf("=== Chat history of session %s (last %d messages) ===", sessionID, len(rows)), ""}
	// Query is newest first; render oldest first.
	for i := len(rows) - 1; i >= 0; i-- {
		lines = append(lines, displayLine(rows[i]))
	}
	return strings.Join(lines, "\n"), nil
}

// SessionMembersTool lists who is in a session.
type SessionMembersTool struct {
	store ChatStore
}

func NewSessionMembersTool(s ChatStore) *SessionMembersTool { return &SessionMembersTool{store: s} }

func (t *SessionMembersTool) Name() string { return "get_session_members" }

func (t *SessionMembersTool) Description() string {
	return "List the members of a chat session with their nicknames. Defaults to the current session."
}

func (t *SessionMembersTool) Parameters() string {
	return `{"type":"object","properties":{"session_id":{"type":"string","description":"chat session id, defaults to the current session"}},"required":[],"additionalProperties":false}`
}

func (t *SessionMembersTool) RequiresApproval() bool { return false }

func (t *SessionMembersTool) Execute(ctx context.Context, args string) (string, error) {
	var params struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", errors.Wrap(err, "invalid get_session_members arguments")
	}
	sessionID, err := sessionFromArgsOrCtx(ctx, params.SessionID)
	if err != nil {
		return "", err
	}

	session, err := t.store.GetChatSession(ctx, sessionID)
	if err != nil {
		return "", errors.Wrap(err, "failed to load session")
	}
	members, err := t.store.ListSessionMembers(ctx, sessionID)
	if err != nil {
		return "", errors.Wrap(err, "failed to list session members")
	}
	if len(members) == 0 {
		return fmt.Sprintf("No members found in session %s", sessionID), nil
	}

	sessionName := sessionID
	sessionType := "unknown"
	if session != nil {
		if session.Name != "" {
			sessionName = session.Name
		}
		switch session.Type {
		case store.ChatSessionTypeSingle:
			sessionType = "direct"
		case store.ChatSessionTypeGroup:
			sessionType = "group"
		}
	}

	lines := []string{fmt.Sprintf("=== Members of %s (%s, %d members) ===", sessionName, sessionType, len(members)), ""}
	for _, m := range members {
		line := fmt.Sprintf("- %s (ID: %s)", m.Nickname, m.UserID)
		if m.IsAgent {
			line += " [agent]"
		}
		if m.Description != "" {
			line += ": " + truncateRunes(m.Description, 100)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

// UserInfoTool looks up a user profile.
type UserInfoTool struct {
	store ChatStore
}

func NewUserInfoTool(s ChatStore) *UserInfoTool { return &UserInfoTool{store: s} }

func (t *UserInfoTool) Name() string { return "get_user_info" }

func (t *UserInfoTool) Description() string {
	return "Look up a user's nickname and profile description by user id."
}

func (t *UserInfoTool) Parameters() string {
	return `{"type":"object","properties":{"user_id":{"type":"string","description":"the user id to look up"}},"required":["user_id"],"additionalProperties":false}`
}

func (t *UserInfoTool) RequiresApproval() bool { return false }

func (t *UserInfoTool) Execute(ctx context.Context, args string) (string, error) {
	var params struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", errors.Wrap(err, "invalid get_user_info arguments")
	}
	if params.UserID == "" {
		return "", errors.New("user_id is required")
	}

	user, err := t.store.GetUser(ctx, &store.FindUser{ID: &params.UserID})
	if err != nil {
		return "", errors.Wrap(err, "failed to load user")
	}
	if user == nil {
		return fmt.Sprintf("User %s not found", params.UserID), nil
	}

	lines := []string{
		fmt.Sprintf("User ID: %s", user.ID),
		fmt.Sprintf("Nickname: %s", user.Nickname),
	}
	if user.Description != "" {
		lines = append(lines, fmt.Sprintf("Description: %s", user.Description))
	}
	if user.IsAgent {
		lines = append(lines, "Type: agent", fmt.Sprintf("Model: %s (%s)", user.AgentModel, user.AgentProvider))
	}
	return strings.Join(lines, "\n"), nil
}

// SearchMessagesTool searches message content within a session.
type SearchMessagesTool struct {
	store ChatStore
}

func NewSearchMessagesTool(s ChatStore) *SearchMessagesTool { return &SearchMessagesTool{store: s} }

func (t *SearchMessagesTool) Name() string { return "search_messages" }

func (t *SearchMessagesTool) Description() string {
	return "Search text messages in a chat session by keyword. Defaults to the current session."
}

func (t *SearchMessagesTool) Parameters() string {
	return `{"type":"object","properties":{"keyword":{"type":"string","description":"substring to search for"},"session_id":{"type":"string","description":"chat session id, defaults to the current session"},"limit":{"type":"integer","description":"max results, default 20"}},"required":["keyword"],"additionalProperties":false}`
}

func (t *SearchMessagesTool) RequiresApproval() bool { return false }

func (t *SearchMessagesTool) Execute(ctx context.Context, args string) (string, error) {
	var params struct {
		Keyword   string `json:"keyword"`
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", errors.Wrap(err, "invalid search_messages arguments")
	}
	if params.Keyword == "" {
		return "", errors.New("keyword is required")
	}
	sessionID, err := sessionFromArgsOrCtx(ctx, params.SessionID)
	if err != nil {
		return "", err
	}
	if params.Limit <= 0 {
		params.Limit = searchDefaultLimit
	}

	// The driver wraps ContentLike in %...% wildcards.
	rows, err := t.store.ListMessagesWithSender(ctx, &store.FindMessage{
		SessionID:       &sessionID,
		ContentLike:     &params.Keyword,
		TextOnly:        true,
		Limit:           params.Limit,
		OrderByTimeDesc: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to search messages")
	}
	if len(rows) == 0 {
		return fmt.Sprintf("No messages matching '%s' in session %s", params.Keyword, sessionID), nil
	}

	lines := []string{fmt.Sprintf("=== Search results for '%s' (%d matches) ===", params.Keyword, len(rows)), ""}
	for _, m := range rows {
		nickname := m.SenderNickname
		if nickname == "" {
			nickname = m.SenderID
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s",
			m.CreateTime.Format("01-02 15:04"), nickname, normalizeMessageContent(m.Content, searchSnippetLen)))
	}
	return strings.Join(lines, "\n"), nil
}

// UserSessionsTool lists the sessions a user belongs to.
type UserSessionsTool struct {
	store ChatStore
}

func NewUserSessionsTool(s ChatStore) *UserSessionsTool { return &UserSessionsTool{store: s} }

func (t *UserSessionsTool) Name() string { return "get_user_sessions" }

func (t *UserSessionsTool) Description() string {
	return "List the chat sessions a user belongs to. Defaults to the triggering user."
}

func (t *UserSessionsTool) Parameters() string {
	return `{"type":"object","properties":{"user_id":{"type":"string","description":"user id, defaults to the triggering user"}},"required":[],"additionalProperties":false}`
}

func (t *UserSessionsTool) RequiresApproval() bool { return false }

func (t *UserSessionsTool) Execute(ctx context.Context, args string) (string, error) {
	var params struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", errors.Wrap(err, "invalid get_user_sessions arguments")
	}
	userID := params.UserID
	if userID == "" {
		userID = CallMetaFrom(ctx).UserID
	}
	if userID == "" {
		return "", errors.New("user_id is required")
	}

	sessions, err := t.store.ListUserSessions(ctx, userID)
	if err != nil {
		return "", errors.Wrap(err, "failed to list user sessions")
	}
	if len(sessions) == 0 {
		return fmt.Sprintf("User %s has no sessions", userID), nil
	}

	lines := []string{fmt.Sprintf("=== Sessions of user %s (%d) ===", userID, len(sessions)), ""}
	for i, s := range sessions {
		sessionType := "group"
		if s.Type == store.ChatSessionTypeSingle {
			sessionType = "direct"
		}
		name := s.Name
		if name == "" {
			name = "(unnamed)"
		}
		lines = append(lines, fmt.Sprintf("%d. [%s] %s (ID: %s)", i+1, sessionType, name, s.ID))
	}
	return strings.Join(lines, "\n"), nil
}

func truncateRunes(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
