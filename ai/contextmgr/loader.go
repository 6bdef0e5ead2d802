package contextmgr

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lumichat/agentd/cache"
	"github.com/lumichat/agentd/store"
)

// Loader reads the last N messages of a session with a cache-then-DB
// path and keeps the cache list fresh.
type Loader struct {
	cache      Cache
	store      MessageStore
	windowSize int
	ttl        time.Duration
	loadGroup  singleflight.Group
}

// NewLoader creates a loader. windowSize bounds the cached context list
// (default 30) and ttl its expiry (default 24h).
func NewLoader(c Cache, s MessageStore, windowSize int, ttl time.Duration) *Loader {
	if windowSize <= 0 {
		windowSize = 30
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Loader{cache: c, store: s, windowSize: windowSize, ttl: ttl}
}

// GetContext returns up to limit context messages, oldest first. A
// cache hit refreshes the key TTL; a miss loads from the database and
// atomically replaces the cache list. Concurrent cold loads of the same
// session collapse into one database query.
func (l *Loader) GetContext(ctx context.Context, sessionID string, limit int) ([]*ContextMessage, error) {
	if limit <= 0 {
		limit = l.windowSize
	}
	key := cache.ContextKey(sessionID)

	raw, err := l.cache.LRange(ctx, key, 0, int64(limit)-1)
	if err != nil {
		slog.Warn("context cache read failed, falling back to db", "session_id", sessionID, "error", err)
	}
	if len(raw) > 0 {
		messages := make([]*ContextMessage, 0, len(raw))
		for _, item := range raw {
			msg := &ContextMessage{}
			if err := json.Unmarshal([]byte(item), msg); err != nil {
				slog.Warn("skipping undecodable cached context entry", "session_id", sessionID, "error", err)
				continue
			}
			messages = append(messages, msg)
		}
		if len(messages) > 0 {
			// Every successful cache read refreshes the TTL.
			if err := l.cache.Expire(ctx, key, l.ttl); err != nil {
				slog.Warn("failed to refresh context ttl", "session_id", sessionID, "error", err)
			}
			return messages, nil
		}
	}

	result, err, _ := l.loadGroup.Do(sessionID, func() (any, error) {
		return l.loadFromDB(ctx, sessionID, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*ContextMessage), nil
}

// loadFromDB queries the newest limit messages joined with sender
// metadata, reverses them to oldest-first and replaces the cache list.
func (l *Loader) loadFromDB(ctx context.Context, sessionID string, limit int) ([]*ContextMessage, error) {
	rows, err := l.store.ListMessagesWithSender(ctx, &store.FindMessage{
		SessionID:       &sessionID,
		Limit:           limit,
		OrderByTimeDesc: true,
	})
	if err != nil {
		return nil, err
	}

	messages := make([]*ContextMessage, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		nickname := row.SenderNickname
		if nickname == "" {
			nickname = row.SenderID
		}
		messages = append(messages, &ContextMessage{
			MessageID:   row.ID,
			UserID:      row.SenderID,
			Nickname:    nickname,
			MessageType: row.MessageType,
			Content:     row.Content,
			CreateTime:  row.CreateTime.Format(time.RFC3339),
			IsAgent:     row.SenderIsAgent,
		})
	}

	if len(messages) > 0 {
		values := make([]any, 0, len(messages))
		for _, msg := range messages {
			values = append(values, msg)
		}
		if err := l.cache.ReplaceList(ctx, cache.ContextKey(sessionID), l.ttl, values...); err != nil {
			slog.Warn("failed to cache context", "session_id", sessionID, "error", err)
		}
	}
	slog.Debug("loaded context from db", "session_id", sessionID, "count", len(messages))
	return messages, nil
}

// AddMessage appends a message to the session's cache list and trims
// the head when the window overflows. Database persistence is the dual
// writer's job.
func (l *Loader) AddMessage(ctx context.Context, sessionID string, msg *ContextMessage) error {
	key := cache.ContextKey(sessionID)
	if err := l.cache.RPush(ctx, key, l.ttl, msg); err != nil {
		return err
	}
	length, err := l.cache.LLen(ctx, key)
	if err != nil {
		return err
	}
	if length > int64(l.windowSize) {
		return l.cache.LTrim(ctx, key, length-int64(l.windowSize), -1)
	}
	return nil
}

// Invalidate drops the session's cached context.
func (l *Loader) Invalidate(ctx context.Context, sessionID string) error {
	return l.cache.Delete(ctx, cache.ContextKey(sessionID))
}
