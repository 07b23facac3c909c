// Package store persists conversations and transient run state behind
// pluggable backends: in-memory, local files, SQLite, and Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ponchohq/poncho/internal/manifest"
	"github.com/ponchohq/poncho/pkg/models"
)

// ErrNotFound is returned for unknown conversation or run ids.
var ErrNotFound = errors.New("not found")

// DefaultRunTTL bounds how long run state outlives its last update.
const DefaultRunTTL = 24 * time.Hour

// Conversations is the conversation store. List is scoped to an owner;
// bodies load on demand. Create takes a prototype so callers with a natural
// key (cron jobs, chat threads) can fix the id; an empty id is generated.
type Conversations interface {
	List(ctx context.Context, ownerID string) ([]models.ConversationSummary, error)
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Create(ctx context.Context, proto *models.Conversation) (*models.Conversation, error)
	Update(ctx context.Context, conv *models.Conversation) error
	Delete(ctx context.Context, id string) error
}

// NewConversation normalizes a prototype into a persistable conversation.
func NewConversation(proto *models.Conversation) *models.Conversation {
	now := time.Now().UTC()
	conv := *proto
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	return &conv
}

// RunState is the transient, TTL-bounded state of one run.
type RunState struct {
	RunID          string           `json:"runId"`
	ConversationID string           `json:"conversationId,omitempty"`
	Messages       []models.Message `json:"messages"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// RunStates is the run state store.
type RunStates interface {
	Get(ctx context.Context, runID string) (*RunState, error)
	Set(ctx context.Context, state *RunState) error
	Delete(ctx context.Context, runID string) error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is one of "memory", "local", "sqlite", "redis". Empty means
	// "local".
	Backend string `yaml:"backend"`

	// Root overrides the store root for the local backend.
	Root string `yaml:"root"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`

	// URL is the redis connection URL.
	URL string `yaml:"url"`

	// RunTTL overrides DefaultRunTTL.
	RunTTL time.Duration `yaml:"runTTL"`
}

// Stores bundles the two abstractions one backend provides.
type Stores struct {
	Conversations Conversations
	RunStates     RunStates

	closer func() error
}

// Close releases backend resources.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Open builds the stores for the configured backend. The local backend keeps
// run state in memory: it is transient by contract and not worth an fsync
// per step.
func Open(cfg Config, id manifest.Identity, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.RunTTL
	if ttl <= 0 {
		ttl = DefaultRunTTL
	}

	switch cfg.Backend {
	case "memory":
		return &Stores{
			Conversations: NewMemoryConversations(),
			RunStates:     NewMemoryRunStates(ttl),
		}, nil

	case "", "local":
		root := cfg.Root
		if root == "" {
			root = manifest.StoreRoot()
		}
		conv, err := NewLocalConversations(filepath.Join(root, id.Dir()))
		if err != nil {
			return nil, err
		}
		return &Stores{
			Conversations: conv,
			RunStates:     NewMemoryRunStates(ttl),
		}, nil

	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(id.StateDir(cfg.Root), "poncho.db")
		}
		db, err := NewSQLite(path, ttl)
		if err != nil {
			return nil, err
		}
		return &Stores{Conversations: db, RunStates: db.Runs(), closer: db.Close}, nil

	case "redis":
		r, err := NewRedis(cfg.URL, id, ttl, logger)
		if err != nil {
			return nil, err
		}
		return &Stores{Conversations: r, RunStates: r.Runs(), closer: r.Close}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
