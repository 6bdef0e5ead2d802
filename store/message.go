package store

import (
	"context"
	"time"
)

// Message type codes used by the gateway.
const (
	MessageTypeText  int32 = 0
	MessageTypeImage int32 = 1
	MessageTypeFile  int32 = 2
	MessageTypeVoice int32 = 3
)

// Message represents one row of the message table.
// Agent transcripts are persisted here with the agent's user id as
// sender and MessageTypeText, so the gateway serves them unchanged.
type Message struct {
	ID          string // message_id
	SessionID   string
	SenderID    string // user_id
	MessageType int32
	Content     string
	CreateTime  time.Time
}

// MessageWithSender joins a message with its sender metadata.
type MessageWithSender struct {
	Message
	SenderNickname string
	SenderIsAgent  bool
}

// FindMessage is the filter for message queries.
type FindMessage struct {
	SessionID       *string
	ContentLike     *string
	TextOnly        bool // restrict to MessageTypeText
	Limit           int
	Offset          int
	OrderByTimeDesc bool
}

// UpsertMessage writes a message idempotently on its id: a second write
// with the same id replaces the content.
func (s *Store) UpsertMessage(ctx context.Context, msg *Message) error {
	return s.driver.UpsertMessage(ctx, msg)
}

// ListMessagesWithSender returns messages joined with sender nickname
// and is_agent flag, filtered by find.
func (s *Store) ListMessagesWithSender(ctx context.Context, find *FindMessage) ([]*MessageWithSender, error) {
	return s.driver.ListMessagesWithSender(ctx, find)
}

// GetMessage returns a single message by id, or nil when absent.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.driver.GetMessage(ctx, id)
}
