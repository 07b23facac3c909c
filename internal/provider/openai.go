package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ponchohq/poncho/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI implements Client on the OpenAI chat completions API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewOpenAI builds an OpenAI client.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), defaultModel: model}
}

// Name implements Client.
func (o *OpenAI) Name() string { return "openai" }

// GenerateStream implements Client. Function-call fragments are accumulated
// per index and emitted only on the final event.
func (o *OpenAI) GenerateStream(ctx context.Context, req *Request) (<-chan Event, error) {
	chatReq := o.buildRequest(req)

	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, o.wrapError(err, chatReq.Model)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer stream.Close()

		var text strings.Builder
		pending := make(map[int]*models.ToolCall)
		var usage models.Usage

		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					events <- Event{Err: o.wrapError(err, chatReq.Model)}
					return
				}
				break
			}

			if resp.Usage != nil {
				usage.InputTokens = resp.Usage.PromptTokens
				usage.OutputTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta

			if delta.Content != "" {
				text.WriteString(delta.Content)
				events <- Event{Text: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				call := pending[index]
				if call == nil {
					call = &models.ToolCall{}
					pending[index] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					call.Input = append(call.Input, tc.Function.Arguments...)
				}
			}
		}

		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)

		var toolCalls []models.ToolCall
		for _, i := range indexes {
			call := pending[i]
			if call.Name == "" {
				continue
			}
			if len(call.Input) == 0 {
				call.Input = json.RawMessage("{}")
			}
			toolCalls = append(toolCalls, *call)
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

func (o *OpenAI) buildRequest(req *Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	out := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      o.convertMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	for _, spec := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.InputSchema,
			},
		})
	}
	return out
}

// convertMessages maps the transcript onto OpenAI chat messages. The system
// prompt rides as the leading system message; each tool result becomes its
// own "tool" role message keyed by tool call id.
func (o *OpenAI) convertMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Text(),
			})

		case models.RoleTool:
			for _, res := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}

		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			out = append(out, m)

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Text(),
			})
		}
	}
	return out
}

func (o *OpenAI) wrapError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusNotFound || apiErr.Code == "model_not_found" {
			return fmt.Errorf("openai: %q: %w", model, ErrModelNotFound)
		}
	}
	return fmt.Errorf("openai: %w", err)
}
