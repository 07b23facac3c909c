package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponchohq/poncho/internal/manifest"
	"github.com/ponchohq/poncho/pkg/models"
)

var (
	_ Conversations = (*MemoryConversations)(nil)
	_ Conversations = (*LocalConversations)(nil)
	_ Conversations = (*SQLite)(nil)
	_ Conversations = (*Redis)(nil)
	_ RunStates     = (*MemoryRunStates)(nil)
)

// conversationBackends builds each locally-testable backend fresh.
func conversationBackends(t *testing.T) map[string]Conversations {
	t.Helper()
	local, err := NewLocalConversations(t.TempDir())
	require.NoError(t, err)
	db, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]Conversations{
		"memory": NewMemoryConversations(),
		"local":  local,
		"sqlite": db,
	}
}

func TestConversationRoundTrip(t *testing.T) {
	for name, cs := range conversationBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			conv, err := cs.Create(ctx, &models.Conversation{OwnerID: "owner-1", Title: "greetings"})
			require.NoError(t, err)
			require.NotEmpty(t, conv.ID)

			conv.Messages = append(conv.Messages,
				models.TextMessage(models.RoleUser, "hello"),
				models.TextMessage(models.RoleAssistant, "hi there"),
			)
			require.NoError(t, cs.Update(ctx, conv))

			got, err := cs.Get(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, conv.ID, got.ID)
			assert.Equal(t, "owner-1", got.OwnerID)
			require.Len(t, got.Messages, 2)
			assert.Equal(t, "hello", got.Messages[0].Text())

			summaries, err := cs.List(ctx, "owner-1")
			require.NoError(t, err)
			require.Len(t, summaries, 1)
			assert.Equal(t, 2, summaries[0].MessageCount)

			// Listing is owner-scoped.
			other, err := cs.List(ctx, "owner-2")
			require.NoError(t, err)
			assert.Empty(t, other)

			require.NoError(t, cs.Delete(ctx, conv.ID))
			_, err = cs.Get(ctx, conv.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, cs.Delete(ctx, conv.ID), ErrNotFound)
		})
	}
}

func TestUpdateUnknownConversation(t *testing.T) {
	for name, cs := range conversationBackends(t) {
		t.Run(name, func(t *testing.T) {
			err := cs.Update(context.Background(), &models.Conversation{ID: "ghost"})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLocalLayoutIsBitStable(t *testing.T) {
	agentDir := t.TempDir()
	cs, err := NewLocalConversations(agentDir)
	require.NoError(t, err)

	conv, err := cs.Create(context.Background(), &models.Conversation{OwnerID: "owner-1", Title: "t"})
	require.NoError(t, err)

	body := filepath.Join(agentDir, "conversations", conv.ID+".json")
	_, err = os.Stat(body)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(agentDir, "conversations", "index.json"))
	require.NoError(t, err)

	var idx struct {
		SchemaVersion string                       `json:"schemaVersion"`
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(raw, &idx))
	assert.Equal(t, "v1", idx.SchemaVersion)
	require.Len(t, idx.Conversations, 1)
	assert.Equal(t, conv.ID, idx.Conversations[0].ID)
}

func TestMemoryRunStateTTL(t *testing.T) {
	rs := NewMemoryRunStates(20 * time.Millisecond)
	ctx := context.Background()

	state := &RunState{
		RunID:    "run-1",
		Messages: []models.Message{models.TextMessage(models.RoleUser, "x")},
	}
	require.NoError(t, rs.Set(ctx, state))

	got, err := rs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)

	time.Sleep(30 * time.Millisecond)
	_, err = rs.Get(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRunStates(t *testing.T) {
	db, err := NewSQLite(filepath.Join(t.TempDir(), "runs.db"), time.Hour)
	require.NoError(t, err)
	defer db.Close()
	rs := db.Runs()
	ctx := context.Background()

	require.NoError(t, rs.Set(ctx, &RunState{RunID: "run-1", ConversationID: "conv-1"}))
	got, err := rs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ConversationID)

	require.NoError(t, rs.Delete(ctx, "run-1"))
	_, err = rs.Get(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenSelectsBackend(t *testing.T) {
	id := manifest.Identity{Name: "Test Agent", ID: "abc123"}

	s, err := Open(Config{Backend: "memory"}, id, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryConversations{}, s.Conversations)

	root := t.TempDir()
	s, err = Open(Config{Backend: "local", Root: root}, id, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalConversations{}, s.Conversations)
	_, err = os.Stat(filepath.Join(root, "test-agent--abc123", "conversations"))
	require.NoError(t, err)

	_, err = Open(Config{Backend: "dynamodb"}, id, nil)
	require.Error(t, err)
}
