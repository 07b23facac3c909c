// Package policy implements tool allow/deny filtering and approval
// classification for the tool registry.
//
// Two pattern vocabularies are recognized:
//
//   - remote patterns: "<server>/<tool>" or "<server>/*", optionally written
//     with the manifest "mcp:" prefix; no whitespace, and no slashes beyond
//     the single separator
//   - script patterns: "./<skill>/scripts/<path>" or "./<skill>/*"; paths are
//     normalized, must stay relative, and must not escape via ".."
//
// An allowlist keeps only matching subjects, a denylist removes matching
// subjects, and an absent policy allows everything. Per-environment policies
// override the base policy wholesale when present.
package policy

import (
	"fmt"
	"path"
	"strings"
)

// Environment scopes a policy override.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Policy is a merged allow/deny rule set with optional per-environment
// overrides.
type Policy struct {
	Allow []string `json:"allow,omitempty" yaml:"allow"`
	Deny  []string `json:"deny,omitempty" yaml:"deny"`

	ByEnvironment map[Environment]*Policy `json:"byEnvironment,omitempty" yaml:"byEnvironment"`
}

// ForEnvironment resolves the effective policy for env. An environment entry
// replaces the base policy entirely.
func (p *Policy) ForEnvironment(env Environment) *Policy {
	if p == nil {
		return nil
	}
	if override, ok := p.ByEnvironment[env]; ok && override != nil {
		return override
	}
	return p
}

// Allowed reports whether the subject survives the policy in env.
// Allowed is a pure function of the merged policy: same inputs, same answer.
func (p *Policy) Allowed(subject string, env Environment) bool {
	eff := p.ForEnvironment(env)
	if eff == nil {
		return true
	}
	for _, pattern := range eff.Deny {
		if Matches(pattern, subject) {
			return false
		}
	}
	if len(eff.Allow) == 0 {
		return true
	}
	for _, pattern := range eff.Allow {
		if Matches(pattern, subject) {
			return true
		}
	}
	return false
}

// Matches reports whether a single pattern covers the subject. Patterns and
// subjects are normalized before comparison; invalid patterns match nothing.
func Matches(pattern, subject string) bool {
	pat, err := Normalize(pattern)
	if err != nil {
		return false
	}
	sub, err := Normalize(subject)
	if err != nil {
		return false
	}

	if strings.HasSuffix(pat, "/*") {
		prefix := strings.TrimSuffix(pat, "*")
		return strings.HasPrefix(sub, prefix) && len(sub) > len(prefix)
	}
	return pat == sub
}

// Normalize canonicalizes a pattern or subject: the manifest "mcp:" prefix is
// stripped, script paths are cleaned, and the result is validated against the
// pattern vocabulary.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty pattern")
	}
	s = strings.TrimPrefix(s, "mcp:")

	if strings.HasPrefix(s, "./") {
		return normalizeScript(s)
	}
	return normalizeRemote(s)
}

func normalizeRemote(s string) (string, error) {
	if strings.ContainsAny(s, " \t\n") {
		return "", fmt.Errorf("remote pattern %q contains whitespace", s)
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("remote pattern %q must be server/tool or server/*", s)
	}
	return s, nil
}

func normalizeScript(s string) (string, error) {
	rest := strings.TrimPrefix(s, "./")
	wildcard := strings.HasSuffix(rest, "/*")
	if wildcard {
		rest = strings.TrimSuffix(rest, "/*")
	}

	cleaned := path.Clean(rest)
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("script pattern %q has no skill segment", s)
	}
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("script pattern %q escapes the skill root", s)
	}

	if wildcard {
		return "./" + cleaned + "/*", nil
	}

	segs := strings.Split(cleaned, "/")
	if len(segs) < 3 || segs[1] != "scripts" {
		return "", fmt.Errorf("script pattern %q must be ./<skill>/scripts/<path> or ./<skill>/*", s)
	}
	return "./" + cleaned, nil
}

// Validate checks every pattern in the policy, including environment
// overrides. Used at load time so bad manifests fail startup.
func (p *Policy) Validate() error {
	if p == nil {
		return nil
	}
	for _, pat := range append(append([]string{}, p.Allow...), p.Deny...) {
		if _, err := Normalize(pat); err != nil {
			return err
		}
	}
	for env, override := range p.ByEnvironment {
		switch env {
		case EnvDevelopment, EnvStaging, EnvProduction:
		default:
			return fmt.Errorf("unknown environment %q in policy", env)
		}
		if err := override.Validate(); err != nil {
			return fmt.Errorf("environment %s: %w", env, err)
		}
	}
	return nil
}

// RequiresApproval reports whether subject matches any of the approval
// patterns. Invalid patterns are ignored here; Validate rejects them at load.
func RequiresApproval(patterns []string, subject string) bool {
	for _, pat := range patterns {
		if Matches(pat, subject) {
			return true
		}
	}
	return false
}
