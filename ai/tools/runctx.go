package tools

import "context"

// CallMeta is the ambient identity of a tool invocation: which run is
// executing, on whose behalf, in which session.
type CallMeta struct {
	RunID       string
	UserID      string
	SessionID   string
	AgentUserID string
}

type callMetaKey struct{}

// WithCallMeta attaches call metadata to the context. The orchestrator
// sets this once per run before the first tool executes.
func WithCallMeta(ctx context.Context, meta CallMeta) context.Context {
	return context.WithValue(ctx, callMetaKey{}, meta)
}

// CallMetaFrom reads the ambient call metadata; the zero value means
// the tool runs outside an orchestrated run (tests, warmup).
func CallMetaFrom(ctx context.Context) CallMeta {
	meta, _ := ctx.Value(callMetaKey{}).(CallMeta)
	return meta
}
