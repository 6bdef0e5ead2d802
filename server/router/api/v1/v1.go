// Package v1 is the HTTP surface of the agent runtime: run triggers,
// the gateway webhook, the session SSE stream, approvals and the agent
// catalog.
package v1

import (
	"context"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/lumichat/agentd/ai/agent"
	"github.com/lumichat/agentd/ai/approval"
	"github.com/lumichat/agentd/ai/contextmgr"
	"github.com/lumichat/agentd/ai/eventbus"
	"github.com/lumichat/agentd/ai/streamreg"
	"github.com/lumichat/agentd/internal/profile"
	"github.com/lumichat/agentd/store"
)

// APIV1Service aggregates the runtime services the handlers need.
type APIV1Service struct {
	Profile      *profile.Profile
	Store        *store.Store
	Bus          *eventbus.Bus
	Runs         *streamreg.Registry
	Orchestrator *agent.Orchestrator
	Approvals    *approval.Store
	Loader       *contextmgr.Loader

	// baseCtx parents every run context so server shutdown cancels
	// in-flight runs.
	baseCtx context.Context

	// Per-session webhook limiters, created on first use.
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Options wires the service.
type Options struct {
	Profile      *profile.Profile
	Store        *store.Store
	Bus          *eventbus.Bus
	Runs         *streamreg.Registry
	Orchestrator *agent.Orchestrator
	Approvals    *approval.Store
	Loader       *contextmgr.Loader
	BaseContext  context.Context
}

func NewAPIV1Service(opts *Options) *APIV1Service {
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &APIV1Service{
		Profile:      opts.Profile,
		Store:        opts.Store,
		Bus:          opts.Bus,
		Runs:         opts.Runs,
		Orchestrator: opts.Orchestrator,
		Approvals:    opts.Approvals,
		Loader:       opts.Loader,
		baseCtx:      baseCtx,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Register mounts the v1 routes. The webhook is called by the chat
// gateway directly and carries its identity in the body; everything
// else requires the gateway's identity headers.
func (s *APIV1Service) Register(e *echo.Echo) {
	api := e.Group("/api/v1")
	api.POST("/webhook/message", s.handleMessageWebhook)

	authed := api.Group("", s.sessionAuth)
	authed.POST("/runs", s.createRun)
	authed.GET("/runs/:runId", s.getRun)
	authed.POST("/runs/:runId/cancel", s.cancelRun)
	authed.GET("/events/session/:sessionId", s.streamSessionEvents)
	authed.POST("/approvals/:approvalId", s.resolveApproval)
	authed.GET("/agents", s.listAgents)
	authed.POST("/agents/add-to-session", s.addAgentToSession)
	authed.POST("/agents/remove-from-session", s.removeAgentFromSession)
}
