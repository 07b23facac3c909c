package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ponchohq/poncho/internal/tools"
)

// Tools returns the four progressive-disclosure tools backed by the catalog.
func Tools(catalog *Catalog, runner *ScriptRunner) []*tools.Tool {
	if runner == nil {
		runner = &ScriptRunner{}
	}
	return []*tools.Tool{
		{
			Name:        "activate_skill",
			Description: "Load the full instructions of a skill by name. Use after deciding a listed skill is relevant.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"name": {"type": "string"}},
				"required": ["name"]
			}`),
			Handler: func(_ context.Context, input json.RawMessage) (string, error) {
				var args struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("decode input: %w", err)
				}
				skill, ok := catalog.Get(args.Name)
				if !ok {
					return "", fmt.Errorf("unknown skill %q", args.Name)
				}
				return skill.Body()
			},
		},
		{
			Name:        "read_skill_resource",
			Description: "Read a file bundled with a skill, by path relative to the skill directory.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"skill": {"type": "string"},
					"path": {"type": "string"}
				},
				"required": ["skill", "path"]
			}`),
			Handler: func(_ context.Context, input json.RawMessage) (string, error) {
				var args struct {
					Skill string `json:"skill"`
					Path  string `json:"path"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("decode input: %w", err)
				}
				skill, ok := catalog.Get(args.Skill)
				if !ok {
					return "", fmt.Errorf("unknown skill %q", args.Skill)
				}
				path, err := skill.Resolve(args.Path)
				if err != nil {
					return "", err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return "", fmt.Errorf("read %s: %w", args.Path, err)
				}
				return string(data), nil
			},
		},
		{
			Name:        "list_skill_scripts",
			Description: "List the runnable scripts a skill ships under scripts/.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"skill": {"type": "string"}},
				"required": ["skill"]
			}`),
			Handler: func(_ context.Context, input json.RawMessage) (string, error) {
				var args struct {
					Skill string `json:"skill"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("decode input: %w", err)
				}
				skill, ok := catalog.Get(args.Skill)
				if !ok {
					return "", fmt.Errorf("unknown skill %q", args.Skill)
				}
				scripts, err := listScripts(skill)
				if err != nil {
					return "", err
				}
				if len(scripts) == 0 {
					return "(no scripts)", nil
				}
				return strings.Join(scripts, "\n"), nil
			},
		},
		{
			Name:        "run_skill_script",
			Description: "Run a skill script with a JSON input object and return its JSON result.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"skill": {"type": "string"},
					"script": {"type": "string"},
					"input": {"type": "object"}
				},
				"required": ["skill", "script"]
			}`),
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				var args struct {
					Skill  string          `json:"skill"`
					Script string          `json:"script"`
					Input  json.RawMessage `json:"input"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("decode input: %w", err)
				}
				skill, ok := catalog.Get(args.Skill)
				if !ok {
					return "", fmt.Errorf("unknown skill %q", args.Skill)
				}
				return runner.Run(ctx, skill, args.Script, args.Input)
			},
		},
	}
}

// listScripts returns the relative paths of runnable scripts under the
// skill's scripts/ directory, sorted.
func listScripts(skill *Skill) ([]string, error) {
	root := filepath.Join(skill.Dir, "scripts")
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !ScriptExt(path) {
			return nil
		}
		rel, err := filepath.Rel(skill.Dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list scripts for %s: %w", skill.Name, err)
	}
	sort.Strings(out)
	return out, nil
}
