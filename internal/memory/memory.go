// Package memory gives the agent a persistent main memory document and
// recall over past conversations, surfaced to the model as tools.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ponchohq/poncho/internal/store"
	"github.com/ponchohq/poncho/pkg/models"
)

// mainFilename holds the agent's long-lived memory document.
const mainFilename = "MEMORY.md"

// Store persists the main memory document under the agent state dir and
// answers recall queries from the conversation store.
type Store struct {
	path          string
	conversations store.Conversations

	mu sync.Mutex
}

// NewStore roots the memory document at <stateDir>/memory/MEMORY.md.
func NewStore(stateDir string, conversations store.Conversations) *Store {
	return &Store{
		path:          filepath.Join(stateDir, "memory", mainFilename),
		conversations: conversations,
	}
}

// GetMain reads the main document. A missing file is an empty memory, not an
// error.
func (s *Store) GetMain() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read memory: %w", err)
	}
	return string(raw), nil
}

// UpdateMain replaces the main document.
func (s *Store) UpdateMain(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return nil
}

// RecallHit is one matching message from a past conversation.
type RecallHit struct {
	ConversationID string
	Title          string
	Role           models.Role
	Snippet        string
}

const (
	defaultRecallLimit = 5
	snippetRadius      = 120
)

// Recall case-insensitively searches message text across all conversations,
// newest conversations first.
func (s *Store) Recall(ctx context.Context, query string, limit int) ([]RecallHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("recall query is empty")
	}
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	needle := strings.ToLower(query)

	summaries, err := s.conversations.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}

	var hits []RecallHit
	for _, summary := range summaries {
		if len(hits) >= limit {
			break
		}
		conv, err := s.conversations.Get(ctx, summary.ID)
		if err != nil {
			continue
		}
		for _, msg := range conv.Messages {
			text := msg.Text()
			idx := strings.Index(strings.ToLower(text), needle)
			if idx < 0 {
				continue
			}
			hits = append(hits, RecallHit{
				ConversationID: conv.ID,
				Title:          conv.Title,
				Role:           msg.Role,
				Snippet:        snippet(text, idx, len(query)),
			})
			if len(hits) >= limit {
				break
			}
		}
	}
	return hits, nil
}

// snippet cuts a window around the match.
func snippet(text string, idx, matchLen int) string {
	start := idx - snippetRadius
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + snippetRadius
	if end > len(text) {
		end = len(text)
	}
	out := text[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}
