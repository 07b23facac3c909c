package skills

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Catalog holds the skills discovered under the configured directories.
// Scans replace the whole catalog; reads are cheap and lock-guarded.
type Catalog struct {
	dirs   []string
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
	order  []string
}

// NewCatalog builds a catalog over the given skill directories. Missing
// directories are tolerated at scan time.
func NewCatalog(dirs []string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		dirs:   dirs,
		logger: logger.With("component", "skills"),
		skills: make(map[string]*Skill),
	}
}

// Scan walks every configured directory for SKILL.md manifests. On a name
// collision the first discovery wins and the duplicate is logged.
func (c *Catalog) Scan() error {
	skills := make(map[string]*Skill)
	var order []string

	for _, dir := range c.dirs {
		root, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolve skill dir %s: %w", dir, err)
		}
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() != ManifestFilename {
				return nil
			}
			skill, err := Load(filepath.Dir(path))
			if err != nil {
				c.logger.Warn("skipping invalid skill manifest", "path", path, "error", err)
				return nil
			}
			if existing, dup := skills[skill.Name]; dup {
				c.logger.Warn("duplicate skill name, keeping first",
					"skill", skill.Name, "kept", existing.Dir, "ignored", skill.Dir)
				return nil
			}
			skills[skill.Name] = skill
			order = append(order, skill.Name)
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan skills in %s: %w", dir, err)
		}
	}
	sort.Strings(order)

	c.mu.Lock()
	c.skills = skills
	c.order = order
	c.mu.Unlock()
	c.logger.Debug("skill catalog scanned", "count", len(order))
	return nil
}

// Get looks a skill up by name.
func (c *Catalog) Get(name string) (*Skill, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.skills[name]
	return s, ok
}

// List returns the skills in name order.
func (c *Catalog) List() []*Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Skill, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.skills[name])
	}
	return out
}

// PromptBlock renders the compact XML listing injected into the system
// prompt. Bodies are never included; the model fetches them via
// activate_skill.
func (c *Catalog) PromptBlock() string {
	skills := c.List()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<skills>\n")
	for _, s := range skills {
		b.WriteString("  <skill>\n")
		fmt.Fprintf(&b, "    <name>%s</name>\n", xmlEscape(s.Name))
		fmt.Fprintf(&b, "    <description>%s</description>\n", xmlEscape(s.Description))
		b.WriteString("  </skill>\n")
	}
	b.WriteString("</skills>")
	return b.String()
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// Watch rescans the catalog when a skill directory changes, debounced so a
// burst of writes triggers one scan. Blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start skill watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range c.dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			c.logger.Warn("cannot watch skill dir", "dir", dir, "error", err)
		}
	}

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("skill watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := c.Scan(); err != nil {
				c.logger.Error("skill rescan failed", "error", err)
			}
		}
	}
}
