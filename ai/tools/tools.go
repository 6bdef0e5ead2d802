// Package tools provides the function-calling capabilities exposed to
// the agent: web browsing, sandboxed code execution and chat domain
// queries. Tools read their ambient run/user/session ids from the
// request-scoped context.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/lumichat/agentd/ai/llm"
)

// Result statuses recorded in the transcript. Denied and expired
// approvals are recorded as errors with a stub body.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Tool is one function-callable capability.
type Tool interface {
	// Name is the function name advertised to the model.
	Name() string
	// Description tells the model when to use the tool.
	Description() string
	// Parameters is the JSON Schema of the arguments object.
	Parameters() string
	// RequiresApproval marks tools that must be confirmed by the
	// triggering user before execution.
	RequiresApproval() bool
	// Execute runs the tool with the raw JSON arguments and returns a
	// display string for the transcript.
	Execute(ctx context.Context, args string) (string, error)
}

// Registry manages the tool catalog for one server instance.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; duplicate names are rejected.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return errors.Errorf("tool already registered: %s", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// MustRegister panics on duplicate registration; for wiring code.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Descriptors renders the catalog for the model gateway, in name
// order so prompts are stable across runs.
func (r *Registry) Descriptors() []llm.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]llm.ToolDescriptor, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		out = append(out, llm.ToolDescriptor{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return out
}
