package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// scriptExts are the extensions run_skill_script and list_skill_scripts
// recognize.
var scriptExts = map[string]bool{
	".js": true, ".mjs": true, ".cjs": true,
	".ts": true, ".mts": true, ".cts": true,
}

// ScriptExt reports whether path has a runnable script extension.
func ScriptExt(path string) bool {
	return scriptExts[strings.ToLower(filepath.Ext(path))]
}

// loaderSource imports the target module, picks the first callable of
// {default export, run, main, handler}, and prints the JSON result. Thrown
// errors come back as {"error": "..."} on stdout with a zero exit.
const loaderSource = `
import { pathToFileURL } from "node:url";
const [scriptPath, inputJSON, metaJSON] = process.argv.slice(1);
try {
  const mod = await import(pathToFileURL(scriptPath).href);
  const entry = [mod.default, mod.run, mod.main, mod.handler].find((f) => typeof f === "function");
  if (!entry) throw new Error("script exports no callable entry (default, run, main, or handler)");
  const result = await entry(JSON.parse(inputJSON), JSON.parse(metaJSON));
  process.stdout.write(JSON.stringify(result === undefined ? null : result));
} catch (err) {
  process.stdout.write(JSON.stringify({ error: String((err && err.message) || err) }));
}
`

// ScriptRunner executes skill scripts in a node subprocess.
type ScriptRunner struct {
	// Node overrides the binary name; empty resolves "node" from PATH.
	Node string

	// Timeout bounds one script run. Zero means 30s.
	Timeout time.Duration
}

// Run executes script (a path relative to the skill directory) with the
// given JSON input. Script-level failures are returned as an {"error": ...}
// payload; only launch failures surface as Go errors.
func (r *ScriptRunner) Run(ctx context.Context, skill *Skill, script string, input json.RawMessage) (string, error) {
	path, err := skill.Resolve(script)
	if err != nil {
		return "", err
	}
	if !ScriptExt(path) {
		return "", fmt.Errorf("not a runnable script: %s", script)
	}

	node := r.Node
	if node == "" {
		node = "node"
	}
	bin, err := exec.LookPath(node)
	if err != nil {
		return "", fmt.Errorf("node runtime not found: %w", err)
	}

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	meta, err := json.Marshal(map[string]string{
		"skill":      skill.Name,
		"skillDir":   skill.Dir,
		"scriptPath": path,
	})
	if err != nil {
		return "", err
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"--input-type=module"}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		args = append(args, "--experimental-strip-types", "--no-warnings")
	}
	args = append(args, "-e", loaderSource, "--", path, string(input), string(meta))

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = skill.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		payload, _ := json.Marshal(map[string]string{"error": msg})
		return string(payload), nil
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		out = "null"
	}
	return out, nil
}
