// Package manifest loads and validates the agent manifest (AGENT.md): a YAML
// frontmatter header followed by a Mustache system-prompt body.
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ponchohq/poncho/internal/tools/policy"
)

const (
	// Filename is the expected manifest filename.
	Filename = "AGENT.md"

	frontmatterDelimiter = "---"

	// DefaultMaxSteps bounds the step loop when limits.maxSteps is unset.
	DefaultMaxSteps = 10
)

// Manifest is the parsed agent manifest.
type Manifest struct {
	Name        string `yaml:"name"`
	ID          string `yaml:"id"`
	Description string `yaml:"description"`

	Model  ModelConfig `yaml:"model"`
	Limits Limits      `yaml:"limits"`

	AllowedTools     []string           `yaml:"allowed-tools"`
	ApprovalRequired []string           `yaml:"approval-required"`
	Cron             map[string]CronJob `yaml:"cron"`

	// Body is the Mustache system-prompt template after the frontmatter.
	Body string `yaml:"-"`

	// Path is the absolute manifest location.
	Path string `yaml:"-"`
}

// ModelConfig selects the model backend.
type ModelConfig struct {
	Provider    string   `yaml:"provider"`
	Name        string   `yaml:"name"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"maxTokens"`
}

// Limits bounds a run.
type Limits struct {
	MaxSteps int           `yaml:"maxSteps"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CronJob is one scheduled task declared in the manifest.
type CronJob struct {
	Schedule string `yaml:"schedule"`
	Task     string `yaml:"task"`
	Timezone string `yaml:"timezone"`
}

// MaxSteps returns the effective step budget.
func (m *Manifest) MaxSteps() int {
	if m.Limits.MaxSteps > 0 {
		return m.Limits.MaxSteps
	}
	return DefaultMaxSteps
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		m.Path = abs
	} else {
		m.Path = path
	}
	return m, nil
}

// Parse parses manifest content and validates it. Validation failures are
// load-time errors: a bad manifest fails startup.
func Parse(data []byte) (*Manifest, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(header, &m); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	m.Body = strings.TrimSpace(string(body))

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty manifest")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var header []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		header = append(header, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan manifest: %w", err)
	}

	return []byte(strings.Join(header, "\n")), []byte(strings.Join(body, "\n")), nil
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest name is required")
	}

	for _, pat := range m.AllowedTools {
		if _, err := policy.Normalize(pat); err != nil {
			return fmt.Errorf("allowed-tools: %w", err)
		}
	}
	for _, pat := range m.ApprovalRequired {
		norm, err := policy.Normalize(pat)
		if err != nil {
			return fmt.Errorf("approval-required: %w", err)
		}
		if strings.HasPrefix(norm, "./") {
			continue
		}
		if !m.toolAllowed(norm) {
			return fmt.Errorf("approval-required pattern %q is not in allowed-tools", pat)
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for name, job := range m.Cron {
		if strings.TrimSpace(job.Schedule) == "" {
			return fmt.Errorf("cron %q: schedule is required", name)
		}
		if _, err := parser.Parse(job.Schedule); err != nil {
			return fmt.Errorf("cron %q: invalid schedule: %w", name, err)
		}
		if strings.TrimSpace(job.Task) == "" {
			return fmt.Errorf("cron %q: task is required", name)
		}
		if job.Timezone != "" {
			if _, err := time.LoadLocation(job.Timezone); err != nil {
				return fmt.Errorf("cron %q: invalid timezone %q", name, job.Timezone)
			}
		}
	}

	return nil
}

// toolAllowed reports whether a normalized remote pattern is covered by
// allowed-tools, either exactly or through a server wildcard.
func (m *Manifest) toolAllowed(norm string) bool {
	for _, allowed := range m.AllowedTools {
		a, err := policy.Normalize(allowed)
		if err != nil {
			continue
		}
		if a == norm {
			return true
		}
		if strings.HasSuffix(a, "/*") && policy.Matches(a, norm) {
			return true
		}
	}
	return false
}

// Policy derives the tool policy from allowed-tools.
func (m *Manifest) Policy() *policy.Policy {
	if len(m.AllowedTools) == 0 {
		return nil
	}
	return &policy.Policy{Allow: append([]string(nil), m.AllowedTools...)}
}

// EnsureID fills a stable id, generating and persisting one on first run.
// The generated id is stored next to the agent's on-disk state so it stays
// stable across restarts even when the manifest omits it.
func (m *Manifest) EnsureID(stateDir string) error {
	if m.ID != "" {
		return nil
	}
	idFile := filepath.Join(stateDir, "agent-id")
	if data, err := os.ReadFile(idFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			m.ID = id
			return nil
		}
	}
	m.ID = uuid.NewString()[:8]
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(idFile, []byte(m.ID+"\n"), 0o644); err != nil {
		return fmt.Errorf("persist agent id: %w", err)
	}
	return nil
}
