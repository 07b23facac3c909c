// Package skills discovers SKILL.md manifests and exposes the
// progressive-disclosure tools that let the model activate a skill, read its
// resources, and run its scripts.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFilename marks a directory as a skill.
const ManifestFilename = "SKILL.md"

// Skill is one discovered skill. The manifest body is not held here; it is
// read lazily on activation.
type Skill struct {
	Name         string
	Description  string
	AllowedTools []string

	// Dir is the skill's root directory; resource and script paths resolve
	// under it.
	Dir string
}

// ManifestPath is the path of the skill's SKILL.md.
func (s *Skill) ManifestPath() string {
	return filepath.Join(s.Dir, ManifestFilename)
}

// Body reads the manifest body below the YAML header.
func (s *Skill) Body() (string, error) {
	raw, err := os.ReadFile(s.ManifestPath())
	if err != nil {
		return "", fmt.Errorf("read skill %s: %w", s.Name, err)
	}
	_, body, err := splitHeader(string(raw))
	if err != nil {
		return "", fmt.Errorf("skill %s: %w", s.Name, err)
	}
	return body, nil
}

// Resolve maps a relative path strictly inside the skill directory.
func (s *Skill) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative: %s", rel)
	}
	clean := filepath.Clean(filepath.Join(s.Dir, rel))
	relBack, err := filepath.Rel(s.Dir, clean)
	if err != nil || relBack == ".." || strings.HasPrefix(relBack, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes skill directory: %s", rel)
	}
	return clean, nil
}

type header struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// AllowedTools is the whitespace-separated form; Tools is the legacy
	// array form. AllowedTools wins when both are present.
	AllowedTools string   `yaml:"allowed-tools"`
	Tools        []string `yaml:"tools"`
}

// Load parses the SKILL.md at dir. Only the YAML header is decoded.
func Load(dir string) (*Skill, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return nil, err
	}
	head, _, err := splitHeader(string(raw))
	if err != nil {
		return nil, err
	}

	var h header
	if err := yaml.Unmarshal([]byte(head), &h); err != nil {
		return nil, fmt.Errorf("parse skill header: %w", err)
	}
	if strings.TrimSpace(h.Name) == "" {
		return nil, fmt.Errorf("skill manifest in %s is missing a name", dir)
	}

	tools := h.Tools
	if strings.TrimSpace(h.AllowedTools) != "" {
		tools = strings.Fields(h.AllowedTools)
	}
	return &Skill{
		Name:         strings.TrimSpace(h.Name),
		Description:  strings.TrimSpace(h.Description),
		AllowedTools: tools,
		Dir:          dir,
	}, nil
}

// splitHeader separates the leading "---" fenced YAML header from the body.
func splitHeader(content string) (head, body string, err error) {
	trimmed := strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", fmt.Errorf("manifest has no YAML header")
	}
	rest := strings.TrimPrefix(trimmed, "---")
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", fmt.Errorf("manifest header is not closed")
	}
	head = rest[:end]
	body = rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return head, strings.TrimSpace(body), nil
}
