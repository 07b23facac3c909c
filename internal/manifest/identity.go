package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Identity is the stable {name, id} pair that roots per-agent persisted
// state at "<storeRoot>/<slug(name)>--<slug(id)>".
type Identity struct {
	Name string
	ID   string
}

// Identity returns the agent identity. EnsureID must have run first when the
// manifest omits an id.
func (m *Manifest) Identity() Identity {
	return Identity{Name: m.Name, ID: m.ID}
}

// Dir is the deterministic per-agent directory name.
func (i Identity) Dir() string {
	return Slug(i.Name) + "--" + Slug(i.ID)
}

// Slug lowercases and collapses a string to [a-z0-9-] for filesystem use.
func Slug(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r) && r < 128:
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// serverlessEnvVars mark environments with an ephemeral filesystem.
var serverlessEnvVars = []string{
	"VERCEL",
	"AWS_LAMBDA_FUNCTION_NAME",
	"FUNCTIONS_WORKER_RUNTIME",
	"K_SERVICE",
}

// StoreRoot picks the state root: /tmp in recognized serverless runtimes,
// home-relative otherwise.
func StoreRoot() string {
	for _, v := range serverlessEnvVars {
		if os.Getenv(v) != "" {
			return filepath.Join(os.TempDir(), ".poncho", "store")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".poncho", "store")
	}
	return filepath.Join(home, ".poncho", "store")
}

// StateDir resolves the per-agent state directory under root. An empty root
// falls back to StoreRoot.
func (i Identity) StateDir(root string) string {
	if root == "" {
		root = StoreRoot()
	}
	return filepath.Join(root, i.Dir())
}
