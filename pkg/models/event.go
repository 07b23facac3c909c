package models

import "encoding/json"

// EventType names one agent event. The wire form is an SSE frame
// `event: <type>\ndata: <json>\n\n` where data carries the event's
// non-type fields.
type EventType string

const (
	EventRunStarted   EventType = "run:started"
	EventRunCompleted EventType = "run:completed"
	EventRunCancelled EventType = "run:cancelled"
	EventRunError     EventType = "run:error"
	EventRunWarning   EventType = "run:warning"

	EventStepStarted   EventType = "step:started"
	EventStepCompleted EventType = "step:completed"

	EventModelChunk    EventType = "model:chunk"
	EventModelResponse EventType = "model:response"

	EventToolStarted   EventType = "tool:started"
	EventToolCompleted EventType = "tool:completed"
	EventToolError     EventType = "tool:error"

	EventApprovalRequired EventType = "tool:approval:required"
	EventApprovalGranted  EventType = "tool:approval:granted"
	EventApprovalDenied   EventType = "tool:approval:denied"

	// EventStreamEnd is synthesized by /events when no run is live.
	EventStreamEnd EventType = "stream:end"
)

// Terminal reports whether this event ends a run's stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventRunCompleted, EventRunError, EventRunCancelled:
		return true
	}
	return false
}

// AgentEvent pairs an event type with its payload. On the emitting side
// Payload holds one of the *Payload structs below; consumers decode the raw
// data into the matching struct via Decode.
type AgentEvent struct {
	Type    EventType       `json:"type"`
	Payload any             `json:"-"`
	Raw     json.RawMessage `json:"-"`
}

// Data marshals the payload for the SSE data line.
func (e AgentEvent) Data() ([]byte, error) {
	if e.Payload == nil {
		if len(e.Raw) > 0 {
			return e.Raw, nil
		}
		return []byte("{}"), nil
	}
	return json.Marshal(e.Payload)
}

// Decode unmarshals the event data into out. Usable on both emit and
// consume sides.
func (e AgentEvent) Decode(out any) error {
	data, err := e.Data()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Event constructs an AgentEvent with a typed payload.
func Event(t EventType, payload any) AgentEvent {
	return AgentEvent{Type: t, Payload: payload}
}

type RunStartedPayload struct {
	RunID          string `json:"runId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type RunCompletedPayload struct {
	Result RunResult `json:"result"`
}

type RunCancelledPayload struct {
	RunID string `json:"runId"`
}

type RunErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RunWarningPayload struct {
	Message string `json:"message"`
}

type StepStartedPayload struct {
	Step int `json:"step"`
}

type StepCompletedPayload struct {
	Step       int   `json:"step"`
	DurationMs int64 `json:"durationMs"`
}

type ModelChunkPayload struct {
	Text string `json:"text"`
}

type ModelResponsePayload struct {
	Usage Usage `json:"usage"`
}

type ToolStartedPayload struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

type ToolCompletedPayload struct {
	Tool       string `json:"tool"`
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
}

type ToolErrorPayload struct {
	Tool        string `json:"tool"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

type ApprovalPayload struct {
	ApprovalID string          `json:"approvalId"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type StreamEndPayload struct {
	Reason string `json:"reason,omitempty"`
}
