package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	Migrate(ctx context.Context) error

	// user
	ListUsers(ctx context.Context, find *FindUser) ([]*User, error)
	UpsertAgentUser(ctx context.Context, upsert *UpsertAgentUser) (*User, error)

	// message
	UpsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessagesWithSender(ctx context.Context, find *FindMessage) ([]*MessageWithSender, error)

	// chat session
	GetChatSession(ctx context.Context, id string) (*ChatSession, error)
	ListSessionMembers(ctx context.Context, sessionID string) ([]*SessionMemberInfo, error)
	ListUserSessions(ctx context.Context, userID string) ([]*ChatSession, error)
	AddSessionMember(ctx context.Context, sessionID, userID string) error
	RemoveSessionMember(ctx context.Context, sessionID, userID string) error
	IsSessionMember(ctx context.Context, sessionID, userID string) (bool, error)
}
