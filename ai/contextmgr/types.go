// Package contextmgr owns the chat context read path (cache-then-DB)
// and the dual write path for agent messages (sync cache append, async
// DB upsert).
package contextmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/lumichat/agentd/store"
)

// ContextMessage is one past chat message exposed to the agent. The
// JSON form is what lives in the agent:context:{session_id} list.
type ContextMessage struct {
	MessageID   string         `json:"message_id"`
	UserID      string         `json:"user_id"`
	Nickname    string         `json:"nickname"`
	MessageType int32          `json:"message_type"`
	Content     string         `json:"content"`
	CreateTime  string         `json:"create_time"`
	IsAgent     bool           `json:"is_agent"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// DisplayContent renders the type-decorated content shown to the model
// and in chat-history tool output.
func (m *ContextMessage) DisplayContent() string {
	switch m.MessageType {
	case store.MessageTypeText:
		return m.Content
	case store.MessageTypeImage:
		return "[image message]"
	case store.MessageTypeFile:
		name := m.Content
		if name == "" {
			name = "unknown file"
		}
		return fmt.Sprintf("[file: %s]", name)
	case store.MessageTypeVoice:
		return "[voice message]"
	default:
		return fmt.Sprintf("[unknown message type %d]", m.MessageType)
	}
}

// Cache is the subset of cache operations the context manager needs.
type Cache interface {
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	RPush(ctx context.Context, key string, ttl time.Duration, values ...any) error
	ReplaceList(ctx context.Context, key string, ttl time.Duration, values ...any) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// MessageStore is the subset of store operations the context manager
// needs.
type MessageStore interface {
	ListMessagesWithSender(ctx context.Context, find *store.FindMessage) ([]*store.MessageWithSender, error)
	UpsertMessage(ctx context.Context, msg *store.Message) error
}
