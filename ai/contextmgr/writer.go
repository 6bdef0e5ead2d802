package contextmgr

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lumichat/agentd/store"
)

// AgentMessage is the canonical persisted form of a finished run: the
// full transcript plus run metadata, stored in the message table with
// the agent's user id as sender.
type AgentMessage struct {
	MessageID   string
	SessionID   string
	AgentUserID string
	Content     string
	Metadata    map[string]any
	CreateTime  time.Time
}

// ToContextMessage converts for the cache list.
func (m *AgentMessage) ToContextMessage(nickname string) *ContextMessage {
	return &ContextMessage{
		MessageID:   m.MessageID,
		UserID:      m.AgentUserID,
		Nickname:    nickname,
		MessageType: store.MessageTypeText,
		Content:     m.Content,
		CreateTime:  m.CreateTime.Format(time.RFC3339),
		IsAgent:     true,
		Metadata:    m.Metadata,
	}
}

type writeItem struct {
	msg  *AgentMessage
	done chan error // non-nil when the producer waits for the DB commit
}

// DualWriter appends agent messages to the context cache synchronously
// and flushes them to the database from a single background goroutine.
// The intake queue is unbounded so producers never block on the DB.
type DualWriter struct {
	loader *Loader
	store  MessageStore

	mu      sync.Mutex
	queue   []writeItem
	wake    chan struct{}
	stopped bool
	drained sync.WaitGroup

	retries      int
	retryBackoff time.Duration
}

// NewDualWriter creates a writer; call Start before use.
func NewDualWriter(loader *Loader, s MessageStore) *DualWriter {
	return &DualWriter{
		loader:       loader,
		store:        s,
		wake:         make(chan struct{}, 1),
		retries:      3,
		retryBackoff: 200 * time.Millisecond,
	}
}

// Start launches the background DB writer.
func (w *DualWriter) Start(ctx context.Context) {
	w.drained.Add(1)
	go w.loop(ctx)
	slog.Info("dual writer started")
}

// Stop flushes queued writes and stops the background goroutine.
func (w *DualWriter) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.drained.Wait()
	slog.Info("dual writer stopped")
}

// WriteAgentMessage performs the dual write:
//  1. convert to a context message and cache-append (synchronous;
//     failures are logged, the next cold reload repopulates from DB),
//  2. enqueue the DB upsert. With waitDB the call blocks until the row
//     is committed — used right before publishing agent_done so late
//     subscribers falling back to a DB read find the row.
func (w *DualWriter) WriteAgentMessage(ctx context.Context, msg *AgentMessage, nickname string, waitDB bool) error {
	if msg.CreateTime.IsZero() {
		msg.CreateTime = time.Now().UTC()
	}
	if err := w.loader.AddMessage(ctx, msg.SessionID, msg.ToContextMessage(nickname)); err != nil {
		slog.Warn("failed to cache agent message", "message_id", msg.MessageID, "error", err)
	}

	item := writeItem{msg: msg}
	if waitDB {
		item.done = make(chan error, 1)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		// Writer is shutting down; fall back to a direct write.
		return w.persist(ctx, msg)
	}
	w.queue = append(w.queue, item)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}

	if waitDB {
		select {
		case err := <-item.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// loop drains the queue in enqueue order.
func (w *DualWriter) loop(ctx context.Context) {
	defer w.drained.Done()
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			if w.stopped {
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			select {
			case <-w.wake:
			case <-ctx.Done():
				w.flushRemaining()
				return
			}
			continue
		}
		item := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		err := w.persist(context.Background(), item.msg)
		if err != nil {
			slog.Error("db write failed", "message_id", item.msg.MessageID, "error", err)
		}
		if item.done != nil {
			item.done <- err
		}
	}
}

// flushRemaining writes what is still queued during shutdown.
func (w *DualWriter) flushRemaining() {
	w.mu.Lock()
	remaining := w.queue
	w.queue = nil
	w.mu.Unlock()
	for _, item := range remaining {
		err := w.persist(context.Background(), item.msg)
		if err != nil {
			slog.Error("db write failed during shutdown", "message_id", item.msg.MessageID, "error", err)
		}
		if item.done != nil {
			item.done <- err
		}
	}
}

// persist upserts with bounded retry. The statement is idempotent on
// the message id, so a retry after an ambiguous failure is safe.
func (w *DualWriter) persist(ctx context.Context, msg *AgentMessage) error {
	row := &store.Message{
		ID:          msg.MessageID,
		SessionID:   msg.SessionID,
		SenderID:    msg.AgentUserID,
		MessageType: store.MessageTypeText,
		Content:     msg.Content,
		CreateTime:  msg.CreateTime,
	}
	var err error
	backoff := w.retryBackoff
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = w.store.UpsertMessage(ctx, row); err == nil {
			if attempt > 0 {
				slog.Info("db write recovered", "message_id", msg.MessageID, "attempt", attempt)
			}
			return nil
		}
	}
	return err
}

// MetadataJSON renders the run metadata for logging and ancillary
// storage.
func (m *AgentMessage) MetadataJSON() string {
	if len(m.Metadata) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m.Metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
