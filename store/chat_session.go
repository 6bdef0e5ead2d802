package store

import (
	"context"
	"time"
)

// Chat session type codes used by the gateway.
const (
	ChatSessionTypeSingle int32 = 1
	ChatSessionTypeGroup  int32 = 2
)

// ChatSession represents one row of the chat_session table.
type ChatSession struct {
	ID         string // chat_session_id
	Name       string // chat_session_name
	Type       int32  // chat_session_type
	CreateTime time.Time
}

// ChatSessionMember represents membership of a user in a chat session.
type ChatSessionMember struct {
	SessionID string
	UserID    string
}

// SessionMemberInfo joins a member row with user metadata.
type SessionMemberInfo struct {
	UserID      string
	Nickname    string
	Description string
	IsAgent     bool
}

func (s *Store) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	return s.driver.GetChatSession(ctx, id)
}

func (s *Store) ListSessionMembers(ctx context.Context, sessionID string) ([]*SessionMemberInfo, error) {
	return s.driver.ListSessionMembers(ctx, sessionID)
}

func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*ChatSession, error) {
	return s.driver.ListUserSessions(ctx, userID)
}

// AddSessionMember inserts a membership row; adding an existing member
// is a no-op.
func (s *Store) AddSessionMember(ctx context.Context, sessionID, userID string) error {
	return s.driver.AddSessionMember(ctx, sessionID, userID)
}

func (s *Store) RemoveSessionMember(ctx context.Context, sessionID, userID string) error {
	return s.driver.RemoveSessionMember(ctx, sessionID, userID)
}

// IsSessionMember reports whether the user belongs to the session.
func (s *Store) IsSessionMember(ctx context.Context, sessionID, userID string) (bool, error) {
	return s.driver.IsSessionMember(ctx, sessionID, userID)
}
