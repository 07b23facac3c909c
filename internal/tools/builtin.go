package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ponchohq/poncho/internal/tools/policy"
)

// FilesystemConfig configures the built-in filesystem tools. All paths are
// resolved under Root; escapes are rejected.
type FilesystemConfig struct {
	Root string

	// AllowWrite re-enables write_file in production.
	AllowWrite bool

	// MaxReadBytes caps read_file output. Zero means the default of 256 KiB.
	MaxReadBytes int64
}

const defaultMaxReadBytes = 256 << 10

// Filesystem returns the built-in filesystem tools for the environment.
// write_file is omitted in production unless explicitly re-enabled.
func Filesystem(cfg FilesystemConfig, env policy.Environment) []*Tool {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = defaultMaxReadBytes
	}
	out := []*Tool{
		{
			Name:        "list_directory",
			Description: "List files and directories under a path relative to the working directory.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Relative path, defaults to the working directory root."}
				}
			}`),
			Handler: cfg.listDirectory,
		},
		{
			Name:        "read_file",
			Description: "Read a text file relative to the working directory.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"}
				},
				"required": ["path"]
			}`),
			Handler: cfg.readFile,
		},
	}
	if env != policy.EnvProduction || cfg.AllowWrite {
		out = append(out, &Tool{
			Name:        "write_file",
			Description: "Write a text file relative to the working directory, creating parent directories as needed.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["path", "content"]
			}`),
			Handler: cfg.writeFile,
		})
	}
	return out
}

// resolve maps a user-supplied path under the root and rejects escapes.
func (cfg FilesystemConfig) resolve(p string) (string, error) {
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("path must be relative: %s", p)
	}
	clean := filepath.Clean(filepath.Join(cfg.Root, p))
	rel, err := filepath.Rel(cfg.Root, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", p)
	}
	return clean, nil
}

func (cfg FilesystemConfig) listDirectory(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("decode input: %w", err)
		}
	}
	if args.Path == "" {
		args.Path = "."
	}
	dir, err := cfg.resolve(args.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", args.Path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "%s/\n", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s\t%d\n", entry.Name(), info.Size())
	}
	if b.Len() == 0 {
		return "(empty directory)", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (cfg FilesystemConfig) readFile(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("decode input: %w", err)
	}
	path, err := cfg.resolve(args.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args.Path, err)
	}
	if info.Size() > cfg.MaxReadBytes {
		return "", fmt.Errorf("file %s is %d bytes, over the %d byte limit", args.Path, info.Size(), cfg.MaxReadBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args.Path, err)
	}
	return string(data), nil
}

func (cfg FilesystemConfig) writeFile(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("decode input: %w", err)
	}
	path, err := cfg.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("write %s: %w", args.Path, err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", args.Path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}
