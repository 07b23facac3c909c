package tools

import (
	"log/slog"
	"sync"

	"github.com/ponchohq/poncho/internal/provider"
	"github.com/ponchohq/poncho/internal/tools/policy"
)

// Options configures a registry for one run.
type Options struct {
	Environment policy.Environment

	// Policy filters remote and script tools by subject. Built-in tools have
	// no subject and are never filtered.
	Policy *policy.Policy

	// ApprovalPatterns are the manifest's approval-required patterns.
	ApprovalPatterns []string

	Logger *slog.Logger
}

// Registry merges tool sources into the flat catalog the orchestrator
// dispatches against. Sources register in precedence order; a later
// registration replaces an earlier tool of the same name.
type Registry struct {
	opts Options

	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		opts:  opts,
		tools: make(map[string]*Tool),
	}
}

// Register adds tools to the catalog. Tools whose policy subject is denied
// for the current environment are dropped; a name collision replaces the
// earlier definition.
func (r *Registry) Register(ts ...*Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range ts {
		if t.Subject != "" && r.opts.Policy != nil && !r.opts.Policy.Allowed(t.Subject, r.opts.Environment) {
			r.opts.Logger.Debug("tool filtered by policy",
				"tool", t.Name, "subject", t.Subject)
			continue
		}
		if _, exists := r.tools[t.Name]; !exists {
			r.order = append(r.order, t.Name)
		}
		r.tools[t.Name] = t
	}
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the catalog in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Specs returns the model-facing tool specs in registration order.
func (r *Registry) Specs() []provider.ToolSpec {
	tools := r.List()
	out := make([]provider.ToolSpec, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Spec())
	}
	return out
}

// Gated reports whether a call to the tool must pass the approval arbiter.
// Classification runs at dispatch time so manifest patterns apply to tools
// registered after policy load.
func (r *Registry) Gated(t *Tool) bool {
	if t.RequiresApproval {
		return true
	}
	if t.Subject == "" {
		return false
	}
	return policy.RequiresApproval(r.opts.ApprovalPatterns, t.Subject)
}
