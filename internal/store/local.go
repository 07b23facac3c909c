package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ponchohq/poncho/pkg/models"
)

// indexSchemaVersion is the on-disk index format. Bump only with migration.
const indexSchemaVersion = "v1"

type localIndex struct {
	SchemaVersion string                       `json:"schemaVersion"`
	Conversations []models.ConversationSummary `json:"conversations"`
}

// LocalConversations persists each conversation as one JSON file under
// <agentDir>/conversations/ with an adjacent index.json holding summaries.
// Writers do read-modify-write of one file at a time; the at-most-one-run
// per conversation invariant keeps writes from racing.
type LocalConversations struct {
	dir string
	mu  sync.Mutex
}

// NewLocalConversations roots the store at <agentDir>/conversations.
func NewLocalConversations(agentDir string) (*LocalConversations, error) {
	dir := filepath.Join(agentDir, "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	return &LocalConversations{dir: dir}, nil
}

func (l *LocalConversations) indexPath() string { return filepath.Join(l.dir, "index.json") }

func (l *LocalConversations) bodyPath(id string) string {
	return filepath.Join(l.dir, id+".json")
}

func (l *LocalConversations) readIndex() (*localIndex, error) {
	raw, err := os.ReadFile(l.indexPath())
	if os.IsNotExist(err) {
		return &localIndex{SchemaVersion: indexSchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var idx localIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if idx.SchemaVersion == "" {
		idx.SchemaVersion = indexSchemaVersion
	}
	return &idx, nil
}

// writeJSON writes atomically via a temp file rename.
func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (l *LocalConversations) writeIndex(idx *localIndex) error {
	idx.SchemaVersion = indexSchemaVersion
	sort.Slice(idx.Conversations, func(i, j int) bool {
		return idx.Conversations[i].UpdatedAt.After(idx.Conversations[j].UpdatedAt)
	})
	if err := writeJSON(l.indexPath(), idx); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (l *LocalConversations) upsertSummary(idx *localIndex, summary models.ConversationSummary) {
	for i := range idx.Conversations {
		if idx.Conversations[i].ID == summary.ID {
			idx.Conversations[i] = summary
			return
		}
	}
	idx.Conversations = append(idx.Conversations, summary)
}

// List implements Conversations from the index alone; bodies stay on disk.
func (l *LocalConversations) List(_ context.Context, ownerID string) ([]models.ConversationSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.readIndex()
	if err != nil {
		return nil, err
	}
	var out []models.ConversationSummary
	for _, s := range idx.Conversations {
		if ownerID != "" && s.OwnerID != ownerID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Get implements Conversations.
func (l *LocalConversations) Get(_ context.Context, id string) (*models.Conversation, error) {
	raw, err := os.ReadFile(l.bodyPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	var conv models.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Create implements Conversations.
func (l *LocalConversations) Create(_ context.Context, proto *models.Conversation) (*models.Conversation, error) {
	conv := NewConversation(proto)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := writeJSON(l.bodyPath(conv.ID), conv); err != nil {
		return nil, fmt.Errorf("write conversation: %w", err)
	}
	idx, err := l.readIndex()
	if err != nil {
		return nil, err
	}
	l.upsertSummary(idx, conv.Summary())
	if err := l.writeIndex(idx); err != nil {
		return nil, err
	}
	return conv, nil
}

// Update implements Conversations.
func (l *LocalConversations) Update(_ context.Context, conv *models.Conversation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := os.Stat(l.bodyPath(conv.ID)); os.IsNotExist(err) {
		return ErrNotFound
	}
	conv.UpdatedAt = time.Now().UTC()
	if err := writeJSON(l.bodyPath(conv.ID), conv); err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}
	idx, err := l.readIndex()
	if err != nil {
		return err
	}
	l.upsertSummary(idx, conv.Summary())
	return l.writeIndex(idx)
}

// Delete implements Conversations.
func (l *LocalConversations) Delete(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.bodyPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete conversation: %w", err)
	}
	idx, err := l.readIndex()
	if err != nil {
		return err
	}
	kept := idx.Conversations[:0]
	for _, s := range idx.Conversations {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	idx.Conversations = kept
	return l.writeIndex(idx)
}
