// Package streamreg tracks in-flight agent runs and their cancellation.
package streamreg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Status of a run. awaiting_approval is transient and scoped to one
// tool call.
type Status string

const (
	StatusCreated          Status = "created"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusDone             Status = "done"
	StatusCancelled        Status = "cancelled"
	StatusError            Status = "error"
)

// Run is one agent execution from trigger to terminal event. It lives
// in memory only; subscribers reconstruct finished runs from the
// database.
type Run struct {
	ID          string
	UserID      string
	SessionID   string
	AgentUserID string
	Input       string
	CreatedAt   time.Time

	mu        sync.Mutex
	status    Status
	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRunID generates an opaque run id.
func NewRunID() string {
	return "run_" + shortuuid.New()
}

// Context is the run-scoped context; it is cancelled by Cancel.
func (r *Run) Context() context.Context {
	return r.ctx
}

// Cancelled reports whether Cancel was observed. The orchestrator
// checks this after every provider event and between tool calls.
func (r *Run) Cancelled() bool {
	return r.cancelled.Load()
}

func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus transitions the run. Terminal states stick: once done,
// cancelled or error, further transitions are ignored.
func (r *Run) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case StatusDone, StatusCancelled, StatusError:
		return
	}
	r.status = s
}

// Running reports whether the run has not reached a terminal state.
func (r *Run) Running() bool {
	switch r.Status() {
	case StatusDone, StatusCancelled, StatusError:
		return false
	}
	return true
}

// Registry is the in-memory table of live runs.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func New() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

// Create registers a new run. The run's context derives from parent so
// server shutdown cancels all runs.
func (g *Registry) Create(parent context.Context, userID, sessionID, agentUserID, input string) *Run {
	ctx, cancel := context.WithCancel(parent)
	run := &Run{
		ID:          NewRunID(),
		UserID:      userID,
		SessionID:   sessionID,
		AgentUserID: agentUserID,
		Input:       input,
		CreatedAt:   time.Now(),
		status:      StatusCreated,
		ctx:         ctx,
		cancel:      cancel,
	}
	g.mu.Lock()
	g.runs[run.ID] = run
	g.mu.Unlock()
	return run
}

func (g *Registry) Get(id string) (*Run, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	run, ok := g.runs[id]
	return run, ok
}

// Cancel signals cooperative stop. Idempotent; returns false for an
// unknown run.
func (g *Registry) Cancel(id string) bool {
	run, ok := g.Get(id)
	if !ok {
		return false
	}
	run.cancelled.Store(true)
	run.cancel()
	return true
}

// ListByUser returns the live runs created by the user.
func (g *Registry) ListByUser(userID string) []*Run {
	g.mu.RLock()
	defer g.mu.RUnlock()
	list := make([]*Run, 0)
	for _, run := range g.runs {
		if run.UserID == userID {
			list = append(list, run)
		}
	}
	return list
}

// Remove drops a finished run from the table and releases its context.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	run, ok := g.runs[id]
	delete(g.runs, id)
	g.mu.Unlock()
	if ok {
		run.cancel()
	}
}
