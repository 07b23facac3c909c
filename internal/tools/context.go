package tools

import "context"

// RunContext is what a tool handler can learn about the run invoking it.
// Cancellation rides the context itself.
type RunContext struct {
	RunID      string
	AgentID    string
	Step       int
	WorkingDir string
	Parameters map[string]any
}

type runContextKey struct{}

// NewContext attaches the run context for handlers that want it.
func NewContext(ctx context.Context, rc RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFrom extracts the run context, if any.
func RunContextFrom(ctx context.Context) (RunContext, bool) {
	rc, ok := ctx.Value(runContextKey{}).(RunContext)
	return rc, ok
}
