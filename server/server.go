// Package server wires the agent runtime together and serves its HTTP
// surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lumichat/agentd/ai/agent"
	"github.com/lumichat/agentd/ai/agentreg"
	"github.com/lumichat/agentd/ai/approval"
	"github.com/lumichat/agentd/ai/contextmgr"
	"github.com/lumichat/agentd/ai/eventbus"
	"github.com/lumichat/agentd/ai/metrics"
	"github.com/lumichat/agentd/ai/sandbox"
	"github.com/lumichat/agentd/ai/streamreg"
	"github.com/lumichat/agentd/ai/tools"
	"github.com/lumichat/agentd/cache"
	"github.com/lumichat/agentd/internal/profile"
	"github.com/lumichat/agentd/internal/version"
	apiv1 "github.com/lumichat/agentd/server/router/api/v1"
	"github.com/lumichat/agentd/store"
)

// Server owns the runtime services and their lifecycle. Everything the
// handlers touch is built here and injected; there are no package-level
// singletons.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	metrics    *metrics.Exporter
	bus        *eventbus.Bus
	cache      *cache.Client
	writer     *contextmgr.DualWriter
	sandbox    *sandbox.Sandbox
	runs       *streamreg.Registry
}

// NewServer builds the runtime: cache, event bus, context manager,
// tool set, orchestrator and routes. Nothing starts listening until
// Start.
func NewServer(ctx context.Context, instanceProfile *profile.Profile, storeInstance *store.Store) (*Server, error) {
	exporter := metrics.NewExporter()
	bus := eventbus.New(exporter)

	cacheClient, err := cache.New(ctx, cache.Options{
		Addr:     instanceProfile.RedisAddr,
		Password: instanceProfile.RedisPassword,
		DB:       instanceProfile.RedisDB,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect cache")
	}

	loader := contextmgr.NewLoader(
		cacheClient,
		storeInstance,
		instanceProfile.ContextWindowSize,
		time.Duration(instanceProfile.ContextTTLHours)*time.Hour,
	)
	writer := contextmgr.NewDualWriter(loader, storeInstance)
	approvals := approval.New(bus, time.Duration(instanceProfile.ApprovalTimeoutSeconds)*time.Second)
	runs := streamreg.New()

	registry := tools.NewRegistry()
	browser := tools.NewBrowser(tools.NewExaClient(instanceProfile.SearchAPIKey, instanceProfile.SearchBaseURL))
	registry.MustRegister(tools.NewWebSearchTool(browser))
	registry.MustRegister(tools.NewWebOpenTool(browser))
	registry.MustRegister(tools.NewWebFindTool(browser))
	registry.MustRegister(tools.NewChatHistoryTool(storeInstance))
	registry.MustRegister(tools.NewSessionMembersTool(storeInstance))
	registry.MustRegister(tools.NewUserInfoTool(storeInstance))
	registry.MustRegister(tools.NewSearchMessagesTool(storeInstance))
	registry.MustRegister(tools.NewUserSessionsTool(storeInstance))

	// The sandbox talks to the Docker daemon lazily, but client setup
	// can still fail; the agent then simply has no code_execute tool.
	box, err := sandbox.New(sandbox.Config{
		Image:      instanceProfile.SandboxImage,
		MemoryMB:   int64(instanceProfile.SandboxMemoryMB),
		TimeoutSec: instanceProfile.SandboxTimeoutSec,
		DockerHost: instanceProfile.DockerHost,
	})
	if err != nil {
		slog.Warn("code sandbox unavailable, code_execute disabled", "error", err)
		box = nil
	} else {
		registry.MustRegister(tools.NewCodeExecuteTool(box))
	}

	if err := agentreg.Seed(ctx, storeInstance, instanceProfile); err != nil {
		return nil, errors.Wrap(err, "failed to seed agents")
	}
	resolver := agentreg.NewResolver(instanceProfile)
	warmupGateways(ctx, storeInstance, resolver)

	orchestrator := agent.New(agent.Options{
		Bus:           bus,
		Runs:          runs,
		Loader:        loader,
		Writer:        writer,
		Tools:         registry,
		Approvals:     approvals,
		Users:         storeInstance,
		Resolver:      resolver,
		Metrics:       exporter,
		Browser:       browser,
		Tasks:         cacheClient,
		ContextWindow: instanceProfile.ContextWindowSize,
	})

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(
		echomiddleware.Recover(),
		echomiddleware.CORS(),
	)

	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"version": version.GetCurrentVersion(instanceProfile.Mode),
		})
	})
	echoServer.GET("/metrics", echo.WrapHandler(exporter.Handler()))

	apiv1.NewAPIV1Service(&apiv1.Options{
		Profile:      instanceProfile,
		Store:        storeInstance,
		Bus:          bus,
		Runs:         runs,
		Orchestrator: orchestrator,
		Approvals:    approvals,
		Loader:       loader,
		BaseContext:  ctx,
	}).Register(echoServer)

	return &Server{
		Profile:    instanceProfile,
		Store:      storeInstance,
		echoServer: echoServer,
		metrics:    exporter,
		bus:        bus,
		cache:      cacheClient,
		writer:     writer,
		sandbox:    box,
		runs:       runs,
	}, nil
}

// warmupGateways opens the HTTP connections of every seeded agent's
// model gateway in parallel so the first trigger does not pay the
// handshake. Failures are non-fatal; the first run retries.
func warmupGateways(ctx context.Context, storeInstance *store.Store, resolver *agentreg.Resolver) {
	agents, err := agentreg.ListAgents(ctx, storeInstance)
	if err != nil {
		slog.Warn("failed to list agents for warmup", "error", err)
		return
	}
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	group, groupCtx := errgroup.WithContext(warmupCtx)
	for _, agentUser := range agents {
		svc, err := resolver.Resolve(agentUser)
		if err != nil {
			slog.Warn("failed to resolve agent gateway", "agent_id", agentUser.ID, "error", err)
			continue
		}
		group.Go(func() error {
			svc.Warmup(groupCtx)
			return nil
		})
	}
	_ = group.Wait()
}

// Start launches the dual writer and blocks serving HTTP until the
// listener closes.
func (s *Server) Start(ctx context.Context) error {
	s.writer.Start(ctx)
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	slog.Info("agent server listening", "address", address, "mode", s.Profile.Mode)
	return s.echoServer.Start(address)
}

// Shutdown drains the HTTP server and stops the runtime services in
// dependency order: listener, writer (flushes pending rows), bus,
// sandbox, cache, store.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "error", err)
	}
	s.writer.Stop()
	s.bus.Close()
	if s.sandbox != nil {
		if err := s.sandbox.Close(); err != nil {
			slog.Error("failed to stop sandbox", "error", err)
		}
	}
	if err := s.cache.Close(); err != nil {
		slog.Error("failed to close cache", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("agent server stopped")
}
