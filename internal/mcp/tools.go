package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ponchohq/poncho/internal/tools"
)

// ToolName is the registry name for a discovered remote tool. Slashes are
// not valid in model-facing tool names, so the subject is flattened.
func ToolName(d DiscoveredTool) string {
	return "mcp_" + strings.ReplaceAll(d.Subject(), "/", "_")
}

// RegistryTools adapts discovered remote tools into registry entries whose
// handlers proxy through the manager. A remote result flagged isError comes
// back as a Go error so the orchestrator reports it as a tool failure.
func (m *Manager) RegistryTools(discovered []DiscoveredTool) []*tools.Tool {
	out := make([]*tools.Tool, 0, len(discovered))
	for _, d := range discovered {
		subject := d.Subject()
		out = append(out, &tools.Tool{
			Name:        ToolName(d),
			Description: d.Tool.Description,
			InputSchema: d.Tool.InputSchema,
			Subject:     subject,
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				result, err := m.Call(ctx, subject, input)
				if err != nil {
					return "", err
				}
				if result.IsError {
					return "", fmt.Errorf("remote tool %s failed: %s", subject, result.Text())
				}
				return result.Text(), nil
			},
		})
	}
	return out
}
