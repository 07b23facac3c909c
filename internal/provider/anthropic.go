package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ponchohq/poncho/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic implements Client on the Anthropic Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewAnthropic builds an Anthropic client.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{client: anthropic.NewClient(opts...), defaultModel: model}
}

// Name implements Client.
func (a *Anthropic) Name() string { return "anthropic" }

// GenerateStream implements Client. Tool-argument deltas are buffered and
// only surface as materialized tool calls on the final event.
func (a *Anthropic) GenerateStream(ctx context.Context, req *Request) (<-chan Event, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)

		stream := a.client.Messages.NewStreaming(ctx, params)

		var (
			text      strings.Builder
			toolCalls []models.ToolCall
			toolCall  *models.ToolCall
			toolInput strings.Builder
			usage     models.Usage
		)

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.InputTokens = int(start.Message.Usage.InputTokens)

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					use := block.AsToolUse()
					toolCall = &models.ToolCall{ID: use.ID, Name: use.Name}
					toolInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						text.WriteString(delta.Text)
						events <- Event{Text: delta.Text}
					}
				case "input_json_delta":
					toolInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if toolCall != nil {
					input := toolInput.String()
					if input == "" {
						input = "{}"
					}
					toolCall.Input = json.RawMessage(input)
					toolCalls = append(toolCalls, *toolCall)
					toolCall = nil
				}

			case "message_delta":
				delta := event.AsMessageDelta()
				if delta.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(delta.Usage.OutputTokens)
				}
			}
		}

		if err := stream.Err(); err != nil {
			events <- Event{Err: a.wrapError(err, string(params.Model))}
			return
		}

		raw, _ := json.Marshal(map[string]any{"text": text.String(), "toolCalls": toolCalls})
		events <- Event{Final: &Final{
			Text:      text.String(),
			ToolCalls: toolCalls,
			Usage:     usage,
			Raw:       raw,
		}}
	}()

	return events, nil
}

func (a *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := a.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, spec := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("invalid schema for tool %s: %w", spec.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		params.Tools = append(params.Tools, tool)
	}
	return params, nil
}

// convertMessages maps transcript messages onto Anthropic content blocks.
// System messages are dropped here; they travel in params.System. Tool
// messages map to user messages carrying tool_result blocks.
func (a *Anthropic) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if text := msg.Text(); text != "" {
			content = append(content, anthropic.NewTextBlock(text))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if len(call.Input) > 0 {
				if err := json.Unmarshal(call.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func (a *Anthropic) wrapError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("anthropic: %q: %w", model, ErrModelNotFound)
	}
	return fmt.Errorf("anthropic: %w", err)
}
