// Package approval suspends approval-gated tool calls until the owning
// user resolves them, with a timeout fallback.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lumichat/agentd/ai/eventbus"
)

// Status of an approval request. It transitions at most once from
// pending.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Sentinel errors mapped to HTTP statuses by the handler.
var (
	ErrNotFound   = errors.New("approval not found")
	ErrNotPending = errors.New("approval is not pending")
	ErrNotOwner   = errors.New("approval belongs to another user")
)

// Request is one pending approval.
type Request struct {
	ID        string
	RunID     string
	SessionID string
	UserID    string // owner: only this user may resolve
	ToolName  string
	ToolArgs  string
	Reason    string
	CreatedAt time.Time

	mu         sync.Mutex
	status     Status
	resolvedBy string
	resolved   chan struct{} // one-shot completion signal
}

func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Store is the in-memory approval table.
type Store struct {
	mu        sync.Mutex
	approvals map[string]*Request
	bus       *eventbus.Bus
	timeout   time.Duration
}

// New creates a store; timeout bounds Wait (default 300s upstream).
func New(bus *eventbus.Bus, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Store{
		approvals: make(map[string]*Request),
		bus:       bus,
		timeout:   timeout,
	}
}

func newApprovalID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return "approval_" + hex.EncodeToString(buf)
}

// Create registers a request and publishes an interruption event on the
// run's session topic so clients can prompt the owner.
func (s *Store) Create(runID, sessionID, userID, toolName, toolArgs, reason string) *Request {
	if reason == "" {
		reason = "Tool '" + toolName + "' requires approval"
	}
	req := &Request{
		ID:        newApprovalID(),
		RunID:     runID,
		SessionID: sessionID,
		UserID:    userID,
		ToolName:  toolName,
		ToolArgs:  toolArgs,
		Reason:    reason,
		CreatedAt: time.Now(),
		status:    StatusPending,
		resolved:  make(chan struct{}),
	}
	s.mu.Lock()
	s.approvals[req.ID] = req
	s.mu.Unlock()

	s.bus.Publish(sessionID, "interruption", map[string]any{
		"approval": map[string]any{
			"id":        req.ID,
			"run_id":    runID,
			"tool_name": toolName,
			"tool_args": toolArgs,
			"reason":    req.Reason,
			"status":    string(StatusPending),
		},
	})
	return req
}

// Wait blocks until the request is resolved, the timeout elapses
// (status becomes expired) or ctx is cancelled. It returns the terminal
// status and garbage-collects the entry.
func (s *Store) Wait(ctx context.Context, id string) Status {
	s.mu.Lock()
	req, ok := s.approvals[id]
	s.mu.Unlock()
	if !ok {
		return StatusExpired
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	var final Status
	select {
	case <-req.resolved:
		final = req.Status()
	case <-timer.C:
		req.mu.Lock()
		if req.status == StatusPending {
			req.status = StatusExpired
		}
		final = req.status
		req.mu.Unlock()
	case <-ctx.Done():
		req.mu.Lock()
		if req.status == StatusPending {
			req.status = StatusExpired
		}
		final = req.status
		req.mu.Unlock()
	}

	s.mu.Lock()
	delete(s.approvals, id)
	s.mu.Unlock()
	return final
}

// Resolve sets the terminal status and fires the one-shot signal. Only
// the owning user may resolve, and only while pending.
func (s *Store) Resolve(id string, approved bool, byUser string) error {
	s.mu.Lock()
	req, ok := s.approvals[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	req.mu.Lock()
	if req.UserID != byUser {
		req.mu.Unlock()
		return ErrNotOwner
	}
	if req.status != StatusPending {
		req.mu.Unlock()
		return ErrNotPending
	}
	if approved {
		req.status = StatusApproved
	} else {
		req.status = StatusRejected
	}
	req.resolvedBy = byUser
	status := req.status
	req.mu.Unlock()

	close(req.resolved)

	s.bus.Publish(req.SessionID, "approval_resolved", map[string]any{
		"approval_id": id,
		"status":      string(status),
		"resolved_by": byUser,
	})
	return nil
}

// Get returns a live request; nil when unknown or already collected.
func (s *Store) Get(id string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvals[id]
}
