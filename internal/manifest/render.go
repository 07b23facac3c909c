package manifest

import (
	"fmt"

	"github.com/cbroglie/mustache"
)

// RuntimeVars are the values exposed to the manifest body under {{runtime.*}}.
type RuntimeVars struct {
	WorkingDir  string
	AgentID     string
	RunID       string
	Environment string
}

// Render expands the Mustache body with the manifest identity, runtime
// values, and the caller-supplied parameter map.
func (m *Manifest) Render(rt RuntimeVars, parameters map[string]any) (string, error) {
	ctx := map[string]any{
		"name":        m.Name,
		"description": m.Description,
		"runtime": map[string]any{
			"workingDir":  rt.WorkingDir,
			"agentId":     rt.AgentID,
			"runId":       rt.RunID,
			"environment": rt.Environment,
		},
		"parameters": parameters,
	}
	out, err := mustache.Render(m.Body, ctx)
	if err != nil {
		return "", fmt.Errorf("render manifest body: %w", err)
	}
	return out, nil
}
