package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumichat/agentd/ai/approval"
	"github.com/lumichat/agentd/ai/contextmgr"
	"github.com/lumichat/agentd/ai/eventbus"
	"github.com/lumichat/agentd/ai/llm"
	"github.com/lumichat/agentd/ai/streamreg"
	"github.com/lumichat/agentd/ai/tools"
	"github.com/lumichat/agentd/cache"
	"github.com/lumichat/agentd/store"
)

// scriptedLLM plays back pre-recorded turns.
type scriptedLLM struct {
	mu    sync.Mutex
	turns []scriptedTurn
	calls [][]llm.Message
}

type scriptedTurn struct {
	deltas []llm.StreamDelta
	result *llm.Result
	err    error
}

func (s *scriptedLLM) Chat(context.Context, []llm.Message) (string, *llm.CallStats, error) {
	return "", nil, nil
}

func (s *scriptedLLM) Warmup(context.Context) {}

func (s *scriptedLLM) StreamChat(_ context.Context, messages []llm.Message, _ []llm.ToolDescriptor) (<-chan llm.StreamDelta, <-chan *llm.Result, <-chan error) {
	s.mu.Lock()
	s.calls = append(s.calls, messages)
	var turn scriptedTurn
	if len(s.turns) > 0 {
		turn = s.turns[0]
		s.turns = s.turns[1:]
	}
	s.mu.Unlock()

	deltaChan := make(chan llm.StreamDelta, len(turn.deltas))
	resultChan := make(chan *llm.Result, 1)
	errChan := make(chan error, 1)
	go func() {
		defer close(deltaChan)
		defer close(resultChan)
		defer close(errChan)
		for _, d := range turn.deltas {
			deltaChan <- d
		}
		if turn.err != nil {
			errChan <- turn.err
			return
		}
		if turn.result == nil {
			turn.result = &llm.Result{Stats: &llm.CallStats{}}
		}
		if turn.result.Stats == nil {
			turn.result.Stats = &llm.CallStats{}
		}
		resultChan <- turn.result
	}()
	return deltaChan, resultChan, errChan
}

type staticResolver struct{ svc llm.Service }

func (r staticResolver) Resolve(*store.User) (llm.Service, error) { return r.svc, nil }

type memUserStore struct{ users map[string]*store.User }

func (m *memUserStore) GetUser(_ context.Context, find *store.FindUser) (*store.User, error) {
	if find.ID == nil {
		return nil, nil
	}
	return m.users[*find.ID], nil
}

// memCache is a minimal contextmgr.Cache for wiring a real loader.
type memCache struct {
	mu    sync.Mutex
	lists map[string][]string
}

func newMemCache() *memCache { return &memCache{lists: map[string][]string{}} }

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.lists, k)
	}
	return nil
}
func (c *memCache) Expire(context.Context, string, time.Duration) error { return nil }
func (c *memCache) RPush(_ context.Context, key string, _ time.Duration, values ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range values {
		raw, _ := json.Marshal(v)
		c.lists[key] = append(c.lists[key], string(raw))
	}
	return nil
}
func (c *memCache) ReplaceList(_ context.Context, key string, _ time.Duration, values ...any) error {
	c.mu.Lock()
	c.lists[key] = nil
	c.mu.Unlock()
	return c.RPush(context.Background(), key, 0, values...)
}
func (c *memCache) LRange(_ context.Context, key string, _, _ int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lists[key]...), nil
}
func (c *memCache) LLen(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.lists[key])), nil
}
func (c *memCache) LTrim(_ context.Context, key string, start, stop int64) error { return nil }

// memMessages is a minimal contextmgr.MessageStore.
type memMessages struct {
	mu      sync.Mutex
	upserts map[string]*store.Message
}

func newMemMessages() *memMessages { return &memMessages{upserts: map[string]*store.Message{}} }

func (m *memMessages) ListMessagesWithSender(context.Context, *store.FindMessage) ([]*store.MessageWithSender, error) {
	return nil, nil
}

func (m *memMessages) UpsertMessage(_ context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *msg
	m.upserts[msg.ID] = &copied
	return nil
}

// memTasks records every task-hash write keyed by cache key.
type memTasks struct {
	mu     sync.Mutex
	writes map[string][]map[string]any
}

func newMemTasks() *memTasks { return &memTasks{writes: map[string][]map[string]any{}} }

func (m *memTasks) HSet(_ context.Context, key string, _ time.Duration, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	m.writes[key] = append(m.writes[key], copied)
	return nil
}

type testRig struct {
	bus       *eventbus.Bus
	runs      *streamreg.Registry
	messages  *memMessages
	writer    *contextmgr.DualWriter
	approvals *approval.Store
	registry  *tools.Registry
	tasks     *memTasks
	orch      *Orchestrator
}

func newTestRig(t *testing.T, svc llm.Service, approvalTimeout time.Duration) *testRig {
	t.Helper()
	bus := eventbus.New(nil)
	runs := streamreg.New()
	messages := newMemMessages()
	loader := contextmgr.NewLoader(newMemCache(), messages, 30, time.Hour)
	writer := contextmgr.NewDualWriter(loader, messages)
	writer.Start(context.Background())
	approvals := approval.New(bus, approvalTimeout)
	registry := tools.NewRegistry()
	tasks := newMemTasks()

	users := &memUserStore{users: map[string]*store.User{
		"agent-x": {ID: "agent-x", Nickname: "Veronica", IsAgent: true, AgentModel: "gpt-4o", AgentProvider: "openai"},
	}}

	orch := New(Options{
		Bus:       bus,
		Runs:      runs,
		Loader:    loader,
		Writer:    writer,
		Tools:     registry,
		Approvals: approvals,
		Users:     users,
		Resolver:  staticResolver{svc: svc},
		Tasks:     tasks,
	})
	t.Cleanup(func() {
		writer.Stop()
		bus.Close()
	})
	return &testRig{
		bus: bus, runs: runs, messages: messages, writer: writer,
		approvals: approvals, registry: registry, tasks: tasks, orch: orch,
	}
}

// drain collects events from a subscriber until a terminal kind shows
// up or the timeout expires.
func drain(t *testing.T, sub *eventbus.Subscriber) []*eventbus.Event {
	t.Helper()
	var events []*eventbus.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			switch ev.Kind {
			case "agent_done", "agent_error", "cancelled":
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func kinds(events []*eventbus.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

// concatDeltas rebuilds the transcript from the published deltas.
func concatDeltas(events []*eventbus.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Kind == "content_delta" {
			sb.WriteString(ev.Payload["delta"].(string))
		}
	}
	return sb.String()
}

func TestRunThinkThenText(t *testing.T) {
	svc := &scriptedLLM{turns: []scriptedTurn{{
		deltas: []llm.StreamDelta{
			{Reasoning: "let me think"},
			{Content: "Hello "},
			{Content: "world."},
		},
		result: &llm.Result{Content: "Hello world."},
	}}}
	rig := newTestRig(t, svc, time.Second)

	sub := rig.bus.Subscribe("s1", 0)
	defer rig.bus.Unsubscribe("s1", sub)

	run := rig.runs.Create(context.Background(), "u1", "s1", "agent-x", "hi")
	rig.orch.Start(run)
	events := drain(t, sub)

	require.Equal(t, "agent_start", events[0].Kind)
	assert.Equal(t, "gpt-4o", events[0].Payload["model"])
	assert.Equal(t, "agent-x", events[0].Payload["agent_user_id"])
	assert.Equal(t, "Veronica", events[0].Payload["agent_nickname"])
	last := events[len(events)-1]
	require.Equal(t, "agent_done", last.Kind)
	assert.Equal(t, "agent-x", last.Payload["agent_user_id"])
	require.Contains(t, kinds(events), "reasoning_summary")
	for _, ev := range events {
		if ev.Kind != "reasoning_summary" {
			continue
		}
		assert.NotEmpty(t, ev.Payload["content"])
		assert.Equal(t, true, ev.Payload["delta"])
	}

	// The persisted content is byte-identical to the published deltas.
	final := last.Payload["final_content"].(string)
	assert.Equal(t, final, concatDeltas(events))
	assert.Equal(t, "<think>\nlet me think\n</think>\n\nHello world.", final)

	// Committed before agent_done was published.
	messageID := last.Payload["message_id"].(string)
	rig.messages.mu.Lock()
	row := rig.messages.upserts[messageID]
	rig.messages.mu.Unlock()
	require.NotNil(t, row)
	assert.Equal(t, final, row.Content)
	assert.Equal(t, "agent-x", row.SenderID)
	assert.Equal(t, streamreg.StatusDone, run.Status())
}

func TestRunRecordsTaskState(t *testing.T) {
	svc := &scriptedLLM{turns: []scriptedTurn{{
		deltas: []llm.StreamDelta{{Content: "Done."}},
		result: &llm.Result{Content: "Done."},
	}}}
	rig := newTestRig(t, svc, time.Second)

	sub := rig.bus.Subscribe("s1", 0)
	defer rig.bus.Unsubscribe("s1", sub)

	run := rig.runs.Create(context.Background(), "u1", "s1", "agent-x", "hi")
	rig.orch.Start(run)
	drain(t, sub)

	rig.tasks.mu.Lock()
	writes := rig.tasks.writes[cache.TaskKey(run.ID)]
	rig.tasks.mu.Unlock()
	require.Len(t, writes, 2)

	assert.Equal(t, "running", writes[0]["status"])
	assert.Equal(t, "s1", writes[0]["session_id"])
	assert.Equal(t, "agent-x", writes[0]["agent_user_id"])
	assert.Equal(t, run.CreatedAt.Unix(), writes[0]["started_ts"])

	assert.Equal(t, "done", writes[1]["status"])
}

func TestRunToolRound(t *testing.T) {
	svc := &scriptedLLM{turns: []scriptedTurn{
		{
			deltas: []llm.StreamDelta{
				{ToolCall: &llm.ToolCallDelta{Index: 0, ID: "call_1", Name: "echo"}},
				{ToolCall: &llm.ToolCallDelta{Index: 0, ID: "call_1", Name: "echo", ArgsDelta: `{"text":"hi"}`}},
			},
			result: &llm.Result{ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "echo", Arguments: `{"text":"hi"}`},
			}},
		},
		{
			deltas: []llm.StreamDelta{{Content: "Echoed."}},
			result: &llm.Result{Content: "Echoed."},
		},
	}}
	rig := newTestRig(t, svc, time.Second)
	rig.registry.MustRegister(&staticTool{name: "echo", output: "hi back"})

	sub := rig.bus.Subscribe("s1", 0)
	defer rig.bus.Unsubscribe("s1", sub)

	run := rig.runs.Create(context.Background(), "u1", "s1", "agent-x", "echo hi")
	rig.orch.Start(run)
	events := drain(t, sub)

	last := events[len(events)-1]
	require.Equal(t, "agent_done", last.Kind)
	final := last.Payload["final_content"].(string)
	assert.Equal(t, final, concatDeltas(events))
	assert.Contains(t, final, `<tool-call name="echo" arguments=''>{"text":"hi"}</tool-call>`)
	assert.Contains(t, final, "<tool-result name=\"echo\" status=\"success\">\nhi back\n</tool-result>")
	assert.Contains(t, final, "Echoed.")

	// The second model turn carried the tool result back.
	svc.mu.Lock()
	secondTurn := svc.calls[1]
	svc.mu.Unlock()
	require.GreaterOrEqual(t, len(secondTurn), 4)
	assert.Equal(t, "tool", secondTurn[len(secondTurn)-1].Role)
	assert.Equal(t, "hi back", secondTurn[len(secondTurn)-1].Content)
}

func TestRunToolRoundProviderIndexedCall(t *testing.T) {
	// Some gateways number tool-call slots from an arbitrary offset.
	// The streamed call must be matched by its slot index, not by its
	// position in the result list, so the open part closes instead of
	// being written a second time.
	svc := &scriptedLLM{turns: []scriptedTurn{
		{
			deltas: []llm.StreamDelta{
				{ToolCall: &llm.ToolCallDelta{Index: 7, ID: "call_7", Name: "echo"}},
				{ToolCall: &llm.ToolCallDelta{Index: 7, ID: "call_7", Name: "echo", ArgsDelta: `{"text":"hi"}`}},
			},
			result: &llm.Result{ToolCalls: []llm.ToolCall{
				{Index: 7, ID: "call_7", Name: "echo", Arguments: `{"text":"hi"}`},
			}},
		},
		{
			deltas: []llm.StreamDelta{{Content: "Echoed."}},
			result: &llm.Result{Content: "Echoed."},
		},
	}}
	rig := newTestRig(t, svc, time.Second)
	rig.registry.MustRegister(&staticTool{name: "echo", output: "hi back"})

	sub := rig.bus.Subscribe("s1", 0)
	defer rig.bus.Unsubscribe("s1", sub)

	run := rig.runs.Create(context.Background(), "u1", "s1", "agent-x", "echo hi")
	rig.orch.Start(run)
	events := drain(t, sub)

	last := events[len(events)-1]
	require.Equal(t, "agent_done", last.Kind)
	final := last.Payload["final_content"].(string)
	assert.Equal(t, final, concatDeltas(events))
	assert.Equal(t, 1, strings.Count(final, `<tool-call name="echo"`))
	assert.Contains(t, final, `<tool-call name="echo" arguments=''>{"text":"hi"}</tool-call>`)
}

func TestRunApprovalRejected(t *testing.T) {
	svc := &scriptedLLM{turns: []scriptedTurn{
		{
			deltas: []llm.StreamDelta{
				{ToolCall: &llm.ToolCallDelta{Index: 0, ID: "call_1", Name: "danger"}},
			},
			result: &llm.Result{ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "danger", Arguments: `{}`},
			}},
		},
		{
			deltas: []llm.StreamDelta{{Content: "Understood."}},
			result: &llm.Result{Content: "Understood."},
		},
	}}
	rig := newTestRig(t, svc, 5*time.Second)
	rig.registry.MustRegister(&staticTool{name: "danger", approval: true, output: "should never run"})

	sub := rig.bus.Subscribe("s1", 0)
	defer rig.bus.Unsubscribe("s1", sub)

	run := rig.runs.Create(context.Background(), "u1", "s1", "agent-x", "do it")
	rig.orch.Start(run)

	// Reject as the owner once the interruption shows up.
	go func() {
		deadline := time.After(4 * time.Second)
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if ev.Kind == "interruption" {
					payload := ev.Payload["approval"].(map[string]any)
					_ = rig.approvals.Resolve(payload["id"].(string), false, "u1")
					return
				}
			case <-deadline:
				return
			}
		}
	}()

	// Drain the rest on a second subscriber to not race the resolver
	// goroutine for events.
	sub2 := rig.bus.Subscribe("s1", 0)
	defer rig.bus.Unsubscribe("s1", sub2)
	events := drain(t, sub2)

	last := events[len(events)-1]
	require.Equal(t, "agent_done", last.Kind)
	final := last.Payload["final_content"].(string)
	assert.Contains(t, final, "<tool-result name=\"danger\" status=\"error\">\nuser denied\n</tool-result>")
	assert.NotContains(t, final, "should never run")
}

func TestRunModelErrorPublishesAgentError(t *testing.T) {
	svc := &scriptedLLM{turns: []scriptedTurn{{
		deltas: []llm.StreamDelta{{Content: "partial"}},
		err:    assert.AnError,
	}}}
	rig := newTestRig(t, svc, time.Second)

	sub := rig.bus.Subscribe("s1", 0)
	defer rig.bus.Unsubscribe("s1", sub)

	run := rig.runs.Create(context.Background(), "u1", "s1", "agent-x", "hi")
	rig.orch.Start(run)
	events := drain(t, sub)

	last := events[len(events)-1]
	require.Equal(t, "agent_error", last.Kind)
	assert.Equal(t, streamreg.StatusError, run.Status())

	// Partial transcripts are not persisted.
	rig.messages.mu.Lock()
	assert.Empty(t, rig.messages.upserts)
	rig.messages.mu.Unlock()
}

func TestRunCancelledMidStream(t *testing.T) {
	svc := &scriptedLLM{turns: []scriptedTurn{{
		deltas: []llm.StreamDelta{{Content: "partial"}},
		result: &llm.Result{Content: "partial"},
	}}}
	rig := newTestRig(t, svc, time.Second)

	sub := rig.bus.Subscribe("s1", 0)
	defer rig.bus.Unsubscribe("s1", sub)

	run := rig.runs.Create(context.Background(), "u1", "s1", "agent-x", "hi")
	rig.runs.Cancel(run.ID)
	rig.orch.Start(run)
	events := drain(t, sub)

	last := events[len(events)-1]
	require.Equal(t, "cancelled", last.Kind)
	assert.Equal(t, streamreg.StatusCancelled, run.Status())
	rig.messages.mu.Lock()
	assert.Empty(t, rig.messages.upserts)
	rig.messages.mu.Unlock()
}

func TestRunUnknownAgent(t *testing.T) {
	svc := &scriptedLLM{}
	rig := newTestRig(t, svc, time.Second)

	sub := rig.bus.Subscribe("s1", 0)
	defer rig.bus.Unsubscribe("s1", sub)

	run := rig.runs.Create(context.Background(), "u1", "s1", "agent-ghost", "hi")
	rig.orch.Start(run)
	events := drain(t, sub)
	require.Equal(t, "agent_error", events[len(events)-1].Kind)
}

// staticTool lives here because the tools package keeps its own fakes
// package-private.
type staticTool struct {
	name     string
	approval bool
	output   string
}

func (t *staticTool) Name() string           { return t.name }
func (t *staticTool) Description() string    { return "test tool" }
func (t *staticTool) Parameters() string     { return `{"type":"object"}` }
func (t *staticTool) RequiresApproval() bool { return t.approval }
func (t *staticTool) Execute(context.Context, string) (string, error) {
	return t.output, nil
}
