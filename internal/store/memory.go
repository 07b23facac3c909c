package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ponchohq/poncho/pkg/models"
)

// MemoryConversations keeps conversations in process memory. Values are
// deep-copied through JSON-free cloning so callers cannot mutate the store
// behind its back.
type MemoryConversations struct {
	mu    sync.RWMutex
	convs map[string]*models.Conversation
}

// NewMemoryConversations builds an empty in-memory conversation store.
func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{convs: make(map[string]*models.Conversation)}
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Messages = append([]models.Message(nil), c.Messages...)
	out.PendingApprovals = append([]models.PendingApproval(nil), c.PendingApprovals...)
	return &out
}

// List implements Conversations, newest first.
func (m *MemoryConversations) List(_ context.Context, ownerID string) ([]models.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ConversationSummary
	for _, c := range m.convs {
		if ownerID != "" && c.OwnerID != ownerID {
			continue
		}
		out = append(out, c.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Get implements Conversations.
func (m *MemoryConversations) Get(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

// Create implements Conversations.
func (m *MemoryConversations) Create(_ context.Context, proto *models.Conversation) (*models.Conversation, error) {
	c := NewConversation(proto)
	m.mu.Lock()
	m.convs[c.ID] = c
	m.mu.Unlock()
	return cloneConversation(c), nil
}

// Update implements Conversations.
func (m *MemoryConversations) Update(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[conv.ID]; !ok {
		return ErrNotFound
	}
	c := cloneConversation(conv)
	c.UpdatedAt = time.Now().UTC()
	m.convs[conv.ID] = c
	return nil
}

// Delete implements Conversations.
func (m *MemoryConversations) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return ErrNotFound
	}
	delete(m.convs, id)
	return nil
}

// MemoryRunStates keeps run state in memory with lazy TTL expiry.
type MemoryRunStates struct {
	ttl time.Duration

	mu     sync.Mutex
	states map[string]memoryRunEntry
}

type memoryRunEntry struct {
	state   RunState
	expires time.Time
}

// NewMemoryRunStates builds an in-memory run state store.
func NewMemoryRunStates(ttl time.Duration) *MemoryRunStates {
	if ttl <= 0 {
		ttl = DefaultRunTTL
	}
	return &MemoryRunStates{ttl: ttl, states: make(map[string]memoryRunEntry)}
}

// Get implements RunStates.
func (m *MemoryRunStates) Get(_ context.Context, runID string) (*RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.states[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(entry.expires) {
		delete(m.states, runID)
		return nil, ErrNotFound
	}
	state := entry.state
	state.Messages = append([]models.Message(nil), entry.state.Messages...)
	return &state, nil
}

// Set implements RunStates, refreshing the TTL.
func (m *MemoryRunStates) Set(_ context.Context, state *RunState) error {
	copied := *state
	copied.Messages = append([]models.Message(nil), state.Messages...)
	copied.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	m.states[state.RunID] = memoryRunEntry{state: copied, expires: time.Now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

// Delete implements RunStates.
func (m *MemoryRunStates) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	delete(m.states, runID)
	m.mu.Unlock()
	return nil
}
