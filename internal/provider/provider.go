// Package provider defines the model client contract and the concrete
// Anthropic and OpenAI adapters.
//
// A client exposes one streaming operation: a lazy sequence of text chunks
// followed by exactly one final event carrying the full text, materialized
// tool calls, and token usage. Backends that stream tool-argument deltas
// buffer them internally before emitting the final event.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ponchohq/poncho/pkg/models"
)

// ErrModelNotFound is returned (wrapped) when the backend reports an unknown
// model name.
var ErrModelNotFound = errors.New("model not found")

// ToolSpec is the tool surface advertised to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Request is one generation request.
type Request struct {
	System      string
	Messages    []models.Message
	Tools       []ToolSpec
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Final is the single terminal event of a generation stream.
type Final struct {
	Text      string
	ToolCalls []models.ToolCall
	Usage     models.Usage
	Raw       json.RawMessage
}

// Event is one element of the generation stream: either a text chunk, the
// terminal Final, or an error that ends the stream.
type Event struct {
	Text  string
	Final *Final
	Err   error
}

// Client is a streaming model backend. Implementations must be safe for
// concurrent use; each GenerateStream call owns an independent stream.
type Client interface {
	Name() string
	GenerateStream(ctx context.Context, req *Request) (<-chan Event, error)
}

// Generate consumes a stream and returns its final event.
func Generate(ctx context.Context, c Client, req *Request) (*Final, error) {
	events, err := c.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}
	var final *Final
	for ev := range events {
		if ev.Err != nil {
			return nil, ev.Err
		}
		if ev.Final != nil {
			final = ev.Final
		}
	}
	if final == nil {
		return nil, fmt.Errorf("stream ended without final event")
	}
	return final, nil
}

// Resolve selects a backend by provider name, reading API keys from the
// environment. Unknown providers are a load-time validation error.
func Resolve(name string) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return NewAnthropic(AnthropicConfig{APIKey: key}), nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return NewOpenAI(OpenAIConfig{APIKey: key}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", name)
	}
}
