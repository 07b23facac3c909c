package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ponchohq/poncho/internal/manifest"
	"github.com/ponchohq/poncho/pkg/models"
)

// Redis backs both stores. Conversation bodies live under one key each; the
// summary index is a hash so listing never loads bodies. Run state rides the
// server-side TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects to the given URL (redis://...) and namespaces all keys
// by the agent identity.
func NewRedis(url string, id manifest.Identity, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultRunTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: redis.NewClient(opts),
		prefix: "poncho:" + id.Dir(),
		ttl:    ttl,
		logger: logger.With("component", "store.redis"),
	}, nil
}

// Close releases the connection pool.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) convKey(id string) string { return r.prefix + ":conv:" + id }
func (r *Redis) indexKey() string         { return r.prefix + ":conv-index" }
func (r *Redis) runKey(id string) string  { return r.prefix + ":run:" + id }

// List implements Conversations from the summary hash.
func (r *Redis) List(ctx context.Context, ownerID string) ([]models.ConversationSummary, error) {
	entries, err := r.client.HGetAll(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var out []models.ConversationSummary
	for id, raw := range entries {
		var sum models.ConversationSummary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			r.logger.Warn("dropping unreadable index entry", "conversation", id, "error", err)
			continue
		}
		if ownerID != "" && sum.OwnerID != ownerID {
			continue
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Get implements Conversations.
func (r *Redis) Get(ctx context.Context, id string) (*models.Conversation, error) {
	raw, err := r.client.Get(ctx, r.convKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	var conv models.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (r *Redis) put(ctx context.Context, conv *models.Conversation) error {
	body, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	summary, err := json.Marshal(conv.Summary())
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.convKey(conv.ID), body, 0)
	pipe.HSet(ctx, r.indexKey(), conv.ID, summary)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// Create implements Conversations.
func (r *Redis) Create(ctx context.Context, proto *models.Conversation) (*models.Conversation, error) {
	conv := NewConversation(proto)
	if err := r.put(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Update implements Conversations.
func (r *Redis) Update(ctx context.Context, conv *models.Conversation) error {
	exists, err := r.client.Exists(ctx, r.convKey(conv.ID)).Result()
	if err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	conv.UpdatedAt = time.Now().UTC()
	return r.put(ctx, conv)
}

// Delete implements Conversations.
func (r *Redis) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.convKey(id))
	pipe.HDel(ctx, r.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Runs exposes the run state store view.
func (r *Redis) Runs() RunStates { return redisRuns{r} }

type redisRuns struct{ r *Redis }

func (rr redisRuns) Get(ctx context.Context, runID string) (*RunState, error) {
	raw, err := rr.r.client.Get(ctx, rr.r.runKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run state: %w", err)
	}
	var state RunState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("parse run state %s: %w", runID, err)
	}
	return &state, nil
}

func (rr redisRuns) Set(ctx context.Context, state *RunState) error {
	state.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := rr.r.client.Set(ctx, rr.r.runKey(state.RunID), body, rr.r.ttl).Err(); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

func (rr redisRuns) Delete(ctx context.Context, runID string) error {
	return rr.r.client.Del(ctx, rr.r.runKey(runID)).Err()
}
