package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ponchohq/poncho/internal/tools"
)

// Tools exposes the memory store to the model.
func Tools(store *Store) []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "memory_main_get",
			Description: "Read your persistent memory document.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Handler: func(context.Context, json.RawMessage) (string, error) {
				content, err := store.GetMain()
				if err != nil {
					return "", err
				}
				if content == "" {
					return "(memory is empty)", nil
				}
				return content, nil
			},
		},
		{
			Name:        "memory_main_update",
			Description: "Replace your persistent memory document with new content.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"content": {"type": "string"}},
				"required": ["content"]
			}`),
			Handler: func(_ context.Context, input json.RawMessage) (string, error) {
				var args struct {
					Content string `json:"content"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("decode input: %w", err)
				}
				if err := store.UpdateMain(args.Content); err != nil {
					return "", err
				}
				return "memory updated", nil
			},
		},
		{
			Name:        "conversation_recall",
			Description: "Search past conversations for messages matching a query.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 20}
				},
				"required": ["query"]
			}`),
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				var args struct {
					Query string `json:"query"`
					Limit int    `json:"limit"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("decode input: %w", err)
				}
				hits, err := store.Recall(ctx, args.Query, args.Limit)
				if err != nil {
					return "", err
				}
				if len(hits) == 0 {
					return "(no matches)", nil
				}
				var b strings.Builder
				for _, hit := range hits {
					title := hit.Title
					if title == "" {
						title = hit.ConversationID
					}
					fmt.Fprintf(&b, "[%s] %s: %s\n", title, hit.Role, hit.Snippet)
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
	}
}
