package models

import "encoding/json"

// RunStatus is the terminal (or live) state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// Usage accumulates token counts across model calls.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// RunResult is the synchronous outcome of a run. Continuation is true when
// the step budget was exhausted while the model was still requesting tools;
// the caller may re-invoke with the "Continue" sentinel to keep going.
type RunResult struct {
	RunID          string    `json:"runId"`
	ConversationID string    `json:"conversationId,omitempty"`
	Response       string    `json:"response"`
	Steps          int       `json:"steps"`
	Usage          Usage     `json:"usage"`
	Status         RunStatus `json:"status"`
	Continuation   bool      `json:"continuation,omitempty"`
	MaxSteps       int       `json:"maxSteps,omitempty"`
}

// ToolCall is a materialized tool invocation request from the model.
// Providers that stream argument deltas buffer them before emitting.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of one tool call, fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}
