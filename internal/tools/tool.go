// Package tools assembles the flat tool catalog the orchestrator dispatches
// against: built-in filesystem tools, memory tools, skill tools, and remote
// tools merged with allow/deny policy and approval gating.
package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ponchohq/poncho/internal/provider"
)

// Handler executes one tool call. The returned string is the tool result
// content handed back to the model; an error marks the result as failed.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool is one executable tool definition.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	// Subject is the policy form of the tool's name: "<server>/<tool>" for
	// remote tools, "./<skill>/scripts/<path>" for skill scripts. Built-in
	// tools have no subject and are gated only by their own flag.
	Subject string

	// RequiresApproval gates the tool regardless of manifest patterns.
	RequiresApproval bool

	Handler Handler

	compileOnce sync.Once
	validator   *Validator
}

// Spec exposes the tool to the model client.
func (t *Tool) Spec() provider.ToolSpec {
	schema := t.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return provider.ToolSpec{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

// ValidateInput checks input against the tool's declared schema. The
// validator is compiled once and cached on the definition; definitions are
// shared across concurrent runs.
func (t *Tool) ValidateInput(input json.RawMessage) error {
	t.compileOnce.Do(func() {
		t.validator = CompileSchema(t.InputSchema)
	})
	return t.validator.Validate(input)
}
