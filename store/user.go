package store

import (
	"context"
	"time"
)

// User represents a chat platform user row.
// Agent identities live in the same table with IsAgent set, so the
// gateway routes bot membership and messages like any other user.
// User 表示聊天平台的用户记录；智能体身份复用同一张表。
type User struct {
	ID          string // user_id, e.g. "1234" or "agent-veronica"
	Nickname    string
	Description string
	Phone       string
	IsAgent     bool
	// AgentModel and AgentProvider select the backing model for agent rows.
	AgentModel    string
	AgentProvider string
	CreateTime    time.Time
}

// FindUser is the filter for user lookups.
type FindUser struct {
	ID      *string
	IsAgent *bool
}

// UpsertAgentUser creates or refreshes an agent identity row.
// Empty fields keep the existing column value on update.
type UpsertAgentUser struct {
	ID            string
	Nickname      string
	Description   string
	AgentModel    string
	AgentProvider string
}

func (s *Store) GetUser(ctx context.Context, find *FindUser) (*User, error) {
	list, err := s.driver.ListUsers(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) ListUsers(ctx context.Context, find *FindUser) ([]*User, error) {
	return s.driver.ListUsers(ctx, find)
}

func (s *Store) UpsertAgentUser(ctx context.Context, upsert *UpsertAgentUser) (*User, error) {
	return s.driver.UpsertAgentUser(ctx, upsert)
}
