// Package agent drives one run end to end: context preparation, the
// streaming model loop, tool dispatch with approval gating, and the
// final dual write. Every delta is mirrored into the transcript builder
// and published on the session topic, so the persisted content is
// byte-identical to what live subscribers saw.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lumichat/agentd/ai/approval"
	"github.com/lumichat/agentd/ai/contextmgr"
	"github.com/lumichat/agentd/ai/eventbus"
	"github.com/lumichat/agentd/ai/llm"
	"github.com/lumichat/agentd/ai/metrics"
	"github.com/lumichat/agentd/ai/streamreg"
	"github.com/lumichat/agentd/ai/tools"
	"github.com/lumichat/agentd/ai/transcript"
	"github.com/lumichat/agentd/cache"
	"github.com/lumichat/agentd/store"
)

const (
	// maxToolRounds bounds model turns that end in tool calls, so a
	// looping model cannot run forever.
	maxToolRounds = 10
	// reasoningSummaryLen bounds the reasoning_summary event payload.
	reasoningSummaryLen = 200
	// runRetention keeps a terminal run queryable before it is reaped.
	runRetention = 5 * time.Minute
	// taskRetention is the TTL of the per-run cache hash.
	taskRetention = 2 * time.Hour
)

// UserStore resolves agent identities.
type UserStore interface {
	GetUser(ctx context.Context, find *store.FindUser) (*store.User, error)
}

// LLMResolver returns the model gateway for an agent identity.
type LLMResolver interface {
	Resolve(agentUser *store.User) (llm.Service, error)
}

// BrowserReleaser drops per-run browser state at run end.
type BrowserReleaser interface {
	ReleaseRun(runID string)
}

// TaskCache records per-run state in the agent:task:{run_id} hash so
// operators can inspect runs across processes.
type TaskCache interface {
	HSet(ctx context.Context, key string, ttl time.Duration, fields map[string]any) error
}

// Orchestrator executes runs.
type Orchestrator struct {
	bus       *eventbus.Bus
	runs      *streamreg.Registry
	loader    *contextmgr.Loader
	writer    *contextmgr.DualWriter
	tools     *tools.Registry
	approvals *approval.Store
	users     UserStore
	resolver  LLMResolver
	metrics   *metrics.Exporter
	browser   BrowserReleaser
	tasks     TaskCache

	contextWindow int
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Bus           *eventbus.Bus
	Runs          *streamreg.Registry
	Loader        *contextmgr.Loader
	Writer        *contextmgr.DualWriter
	Tools         *tools.Registry
	Approvals     *approval.Store
	Users         UserStore
	Resolver      LLMResolver
	Metrics       *metrics.Exporter
	Browser       BrowserReleaser
	Tasks         TaskCache
	ContextWindow int
}

func New(opts Options) *Orchestrator {
	contextWindow := opts.ContextWindow
	if contextWindow <= 0 {
		contextWindow = 30
	}
	return &Orchestrator{
		bus:           opts.Bus,
		runs:          opts.Runs,
		loader:        opts.Loader,
		writer:        opts.Writer,
		tools:         opts.Tools,
		approvals:     opts.Approvals,
		users:         opts.Users,
		resolver:      opts.Resolver,
		metrics:       opts.Metrics,
		browser:       opts.Browser,
		tasks:         opts.Tasks,
		contextWindow: contextWindow,
	}
}

// recordTask mirrors run state into the per-run cache hash. Best
// effort: the registry stays authoritative in-process.
func (o *Orchestrator) recordTask(run *streamreg.Run, fields map[string]any) {
	if o.tasks == nil {
		return
	}
	// The run context may already be cancelled at terminal writes.
	if err := o.tasks.HSet(context.Background(), cache.TaskKey(run.ID), taskRetention, fields); err != nil {
		slog.Warn("failed to record task state", "run_id", run.ID, "error", err)
	}
}

// Start launches the run's orchestrator goroutine.
func (o *Orchestrator) Start(run *streamreg.Run) {
	go o.execute(run)
}

// execute drives one run to a terminal state.
func (o *Orchestrator) execute(run *streamreg.Run) {
	startTime := time.Now()
	if o.metrics != nil {
		o.metrics.RunsStarted.Inc()
	}
	defer func() {
		if o.browser != nil {
			o.browser.ReleaseRun(run.ID)
		}
		if o.metrics != nil {
			o.metrics.RunDuration.Observe(time.Since(startTime).Seconds())
			o.metrics.RunsFinished.WithLabelValues(string(run.Status())).Inc()
		}
		o.recordTask(run, map[string]any{"status": string(run.Status())})
		// Keep the terminal run queryable for a while, then reap it.
		time.AfterFunc(runRetention, func() { o.runs.Remove(run.ID) })
	}()

	run.SetStatus(streamreg.StatusRunning)
	o.recordTask(run, map[string]any{
		"status":        string(streamreg.StatusRunning),
		"session_id":    run.SessionID,
		"agent_user_id": run.AgentUserID,
		"started_ts":    run.CreatedAt.Unix(),
	})
	messageID := uuid.NewString()

	agentUser, err := o.users.GetUser(run.Context(), &store.FindUser{ID: &run.AgentUserID})
	if err == nil && (agentUser == nil || !agentUser.IsAgent) {
		err = errors.Errorf("agent identity not found: %s", run.AgentUserID)
	}
	if err != nil {
		o.fail(run, messageID, err)
		return
	}

	svc, err := o.resolver.Resolve(agentUser)
	if err != nil {
		o.fail(run, messageID, err)
		return
	}

	ctx := tools.WithCallMeta(run.Context(), tools.CallMeta{
		RunID:       run.ID,
		UserID:      run.UserID,
		SessionID:   run.SessionID,
		AgentUserID: run.AgentUserID,
	})

	history, err := o.loader.GetContext(ctx, run.SessionID, o.contextWindow)
	if err != nil {
		// A cold context is recoverable; the run proceeds with less.
		slog.Warn("failed to load context, running without history",
			"run_id", run.ID, "session_id", run.SessionID, "error", err)
	}

	o.bus.Publish(run.SessionID, "agent_start", map[string]any{
		"run_id":         run.ID,
		"message_id":     messageID,
		"agent_user_id":  run.AgentUserID,
		"agent_nickname": agentUser.Nickname,
		"model":          agentUser.AgentModel,
	})
	slog.Info("run started",
		"run_id", run.ID, "session_id", run.SessionID,
		"agent_id", run.AgentUserID, "model", agentUser.AgentModel)

	builder := transcript.NewBuilder()
	state := &runState{
		run:       run,
		builder:   builder,
		messageID: messageID,
	}

	messages := []llm.Message{
		llm.SystemPrompt(BuildSystemPrompt(agentUser, history)),
		llm.UserMessage(run.Input),
	}
	descriptors := o.tools.Descriptors()
	var toolSummaries []map[string]any

	for round := 0; ; round++ {
		result, err := o.streamTurn(ctx, svc, messages, descriptors, state)
		if err != nil {
			if run.Cancelled() {
				o.cancelled(run, messageID)
				return
			}
			o.fail(run, messageID, err)
			return
		}
		if o.metrics != nil && result.Stats != nil {
			o.metrics.LLMTokens.WithLabelValues("prompt").Add(float64(result.Stats.PromptTokens))
			o.metrics.LLMTokens.WithLabelValues("completion").Add(float64(result.Stats.CompletionTokens))
		}
		if run.Cancelled() {
			o.cancelled(run, messageID)
			return
		}
		if len(result.ToolCalls) == 0 {
			break
		}
		if round >= maxToolRounds {
			o.publishDelta(state, transcript.PartText,
				builder.AddText("\n\n(tool budget exhausted, stopping here)"))
			break
		}

		// Execute this turn's calls in issue order, then feed results
		// back to the model.
		assistant := llm.Message{Role: "assistant", Content: result.Content, ToolCalls: result.ToolCalls}
		messages = append(messages, assistant)
		for _, call := range result.ToolCalls {
			if run.Cancelled() {
				o.cancelled(run, messageID)
				return
			}
			o.openBufferedToolCall(state, call)
			display, status := o.executeToolCall(ctx, run, call)
			o.publishDelta(state, transcript.PartToolResult, builder.AddToolResult(call.Name, display, status))
			toolSummaries = append(toolSummaries, map[string]any{
				"name":   call.Name,
				"status": status,
			})
			messages = append(messages, llm.ToolResultMessage(call.ID, call.Name, display))
		}
	}

	if closing := builder.Finalize(); closing != "" {
		o.publishDelta(state, transcript.PartThink, closing)
		state.emitReasoningSummary(o.bus)
	}

	if run.Cancelled() {
		o.cancelled(run, messageID)
		return
	}

	content := builder.String()
	msg := &contextmgr.AgentMessage{
		MessageID:   messageID,
		SessionID:   run.SessionID,
		AgentUserID: run.AgentUserID,
		Content:     content,
		Metadata: map[string]any{
			"model":      agentUser.AgentModel,
			"provider":   agentUser.AgentProvider,
			"run_id":     run.ID,
			"tool_calls": toolSummaries,
		},
	}
	// Persistence must survive a late cancel of the run context.
	if err := o.writer.WriteAgentMessage(context.Background(), msg, agentUser.Nickname, true); err != nil {
		o.fail(run, messageID, errors.Wrap(err, "failed to persist agent message"))
		return
	}

	o.bus.Publish(run.SessionID, "agent_done", map[string]any{
		"run_id":        run.ID,
		"message_id":    messageID,
		"session_id":    run.SessionID,
		"agent_user_id": run.AgentUserID,
		"final_content": content,
	})
	run.SetStatus(streamreg.StatusDone)
	slog.Info("run finished", "run_id", run.ID, "duration_ms", time.Since(startTime).Milliseconds())
}

// runState carries the per-run streaming bookkeeping shared between the
// turn loop and the delta handlers.
type runState struct {
	run       *streamreg.Run
	builder   *transcript.Builder
	messageID string

	reasoning       strings.Builder
	summaryEmitted  bool
	streamedCallIdx int // index of the tool call whose args streamed into the builder; -1 none
	streamedCallSet bool
}

// emitReasoningSummary publishes one reasoning_summary event per run,
// carrying a bounded preview. Not persisted.
func (s *runState) emitReasoningSummary(bus *eventbus.Bus) {
	if s.summaryEmitted || s.reasoning.Len() == 0 {
		return
	}
	s.summaryEmitted = true
	summary := strings.Join(strings.Fields(s.reasoning.String()), " ")
	runes := []rune(summary)
	if len(runes) > reasoningSummaryLen {
		summary = string(runes[:reasoningSummaryLen]) + "..."
	}
	bus.Publish(s.run.SessionID, "reasoning_summary", map[string]any{
		"message_id": s.messageID,
		"content":    summary,
		"delta":      true,
	})
}

// streamTurn consumes one model turn, mirroring every delta into the
// builder and onto the bus.
func (o *Orchestrator) streamTurn(ctx context.Context, svc llm.Service, messages []llm.Message, descriptors []llm.ToolDescriptor, state *runState) (*llm.Result, error) {
	deltas, results, errs := svc.StreamChat(ctx, messages, descriptors)
	state.streamedCallSet = false
	builder := state.builder
	wasThinking := false

	for delta := range deltas {
		if state.run.Cancelled() {
			return nil, errors.New("run cancelled")
		}
		switch {
		case delta.Reasoning != "":
			wasThinking = true
			state.reasoning.WriteString(delta.Reasoning)
			o.publishDelta(state, transcript.PartThink, builder.AddThinking(delta.Reasoning))

		case delta.Content != "":
			// AddText closes an open think part inside the returned
			// delta; announce the summary at that boundary.
			o.publishDelta(state, transcript.PartText, builder.AddText(delta.Content))
			if wasThinking {
				state.emitReasoningSummary(o.bus)
				wasThinking = false
			}

		case delta.ToolCall != nil:
			o.streamToolCallDelta(state, delta.ToolCall, &wasThinking)
		}
	}

	select {
	case err := <-errs:
		if err != nil {
			return nil, err
		}
	default:
	}
	result, ok := <-results
	if !ok || result == nil {
		if err := <-errs; err != nil {
			return nil, err
		}
		return nil, errors.New("model stream ended without a result")
	}
	return result, nil
}

// streamToolCallDelta mirrors tool-call fragments into the transcript.
// Only the first call of a turn streams its arguments into an open
// tool_call part; later parallel calls are buffered and written whole
// when they execute, which keeps every call tag adjacent to its result.
func (o *Orchestrator) streamToolCallDelta(state *runState, frag *llm.ToolCallDelta, wasThinking *bool) {
	builder := state.builder
	if !state.streamedCallSet {
		state.streamedCallSet = true
		state.streamedCallIdx = frag.Index
		if *wasThinking {
			state.emitReasoningSummary(o.bus)
			*wasThinking = false
		}
		o.publishDelta(state, transcript.PartToolCall, builder.StartToolCall(frag.Name, ""))
		if frag.ArgsDelta != "" {
			o.publishDelta(state, transcript.PartToolArgs, builder.AppendToolArgs(frag.ArgsDelta))
		}
		return
	}
	if frag.Index == state.streamedCallIdx && frag.ArgsDelta != "" {
		o.publishDelta(state, transcript.PartToolArgs, builder.AppendToolArgs(frag.ArgsDelta))
	}
	// Fragments of other parallel calls are accumulated by the model
	// gateway and surface in the turn result.
}

// openBufferedToolCall writes the call tag for calls whose args were
// not streamed (every call after the first in a multi-call turn), and
// closes the streamed call when its turn comes.
func (o *Orchestrator) openBufferedToolCall(state *runState, call llm.ToolCall) {
	builder := state.builder
	if state.streamedCallSet && call.Index == state.streamedCallIdx {
		// The streamed call is still open; close it.
		o.publishDelta(state, transcript.PartToolCall, builder.EndToolCall())
		return
	}
	o.publishDelta(state, transcript.PartToolCall, builder.StartToolCall(call.Name, call.Arguments))
	o.publishDelta(state, transcript.PartToolCall, builder.EndToolCall())
}

// executeToolCall runs one call, waiting on approval when required.
func (o *Orchestrator) executeToolCall(ctx context.Context, run *streamreg.Run, call llm.ToolCall) (display, status string) {
	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	defer func() {
		if o.metrics != nil {
			o.metrics.ToolCalls.WithLabelValues(call.Name, status).Inc()
		}
	}()

	tool, ok := o.tools.Get(call.Name)
	if !ok {
		return "unknown tool: " + call.Name, tools.StatusError
	}

	if tool.RequiresApproval() {
		run.SetStatus(streamreg.StatusAwaitingApproval)
		req := o.approvals.Create(run.ID, run.SessionID, run.UserID, call.Name, args, "")
		resolution := o.approvals.Wait(ctx, req.ID)
		run.SetStatus(streamreg.StatusRunning)
		// Unapproved calls surface as error results with stub bodies;
		// the transcript status enum stays success/error.
		switch resolution {
		case approval.StatusApproved:
			// proceed
		case approval.StatusRejected:
			return "user denied", tools.StatusError
		default:
			return "approval expired", tools.StatusError
		}
	}

	output, err := tool.Execute(ctx, args)
	if err != nil {
		slog.Warn("tool failed", "run_id", run.ID, "tool", call.Name, "error", err)
		return err.Error(), tools.StatusError
	}
	return output, tools.StatusSuccess
}

// publishDelta broadcasts one transcript delta. Empty deltas (e.g. a
// no-op Finalize) are skipped.
func (o *Orchestrator) publishDelta(state *runState, partType transcript.PartType, delta string) {
	if delta == "" {
		return
	}
	o.bus.Publish(state.run.SessionID, "content_delta", map[string]any{
		"message_id": state.messageID,
		"part_type":  string(partType),
		"delta":      delta,
	})
}

// fail publishes agent_error and marks the run; partial transcripts are
// not persisted.
func (o *Orchestrator) fail(run *streamreg.Run, messageID string, err error) {
	slog.Error("run failed", "run_id", run.ID, "error", err)
	o.bus.Publish(run.SessionID, "agent_error", map[string]any{
		"run_id":     run.ID,
		"message_id": messageID,
		"error":      err.Error(),
	})
	run.SetStatus(streamreg.StatusError)
}

// cancelled publishes the cancellation terminal event.
func (o *Orchestrator) cancelled(run *streamreg.Run, messageID string) {
	slog.Info("run cancelled", "run_id", run.ID)
	o.bus.Publish(run.SessionID, "cancelled", map[string]any{
		"run_id":     run.ID,
		"message_id": messageID,
	})
	run.SetStatus(streamreg.StatusCancelled)
}
