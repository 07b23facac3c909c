// Package approval implements the arbiter that suspends gated tool calls
// until a human (or an embedder-supplied decider) resolves them.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when resolving an unknown or already-resolved
// approval id.
var ErrNotFound = errors.New("approval not found")

// Decision is the outcome of one approval request.
type Decision struct {
	Approved bool
	Reason   string
}

// Request is one pending gated tool call.
type Request struct {
	ID             string
	RunID          string
	ConversationID string
	Tool           string
	Input          json.RawMessage
	CreatedAt      time.Time

	decision chan Decision
}

// Decider resolves approvals in-process, bypassing the HTTP endpoint. Used
// by embedders and the messaging bridge.
type Decider func(ctx context.Context, req *Request) (Decision, error)

// Arbiter tracks pending approvals across all runs in the process.
type Arbiter struct {
	logger  *slog.Logger
	decider Decider

	mu      sync.Mutex
	pending map[string]*Request
}

// New builds an arbiter. decider may be nil, in which case every request
// waits for an external Resolve call.
func New(decider Decider, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		logger:  logger.With("component", "approval"),
		decider: decider,
		pending: make(map[string]*Request),
	}
}

// Create registers a pending approval for a gated tool call and returns it.
func (a *Arbiter) Create(runID, conversationID, tool string, input json.RawMessage) *Request {
	req := &Request{
		ID:             uuid.NewString(),
		RunID:          runID,
		ConversationID: conversationID,
		Tool:           tool,
		Input:          input,
		CreatedAt:      time.Now().UTC(),
		decision:       make(chan Decision, 1),
	}
	a.mu.Lock()
	a.pending[req.ID] = req
	a.mu.Unlock()
	return req
}

// Await blocks until the request is resolved or ctx is done. Cancellation
// counts as a deny.
func (a *Arbiter) Await(ctx context.Context, req *Request) Decision {
	defer func() {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
	}()

	if a.decider != nil {
		decision, err := a.decider(ctx, req)
		if err == nil {
			return decision
		}
		a.logger.Warn("in-process decider failed, falling back to external resolution",
			"approval", req.ID, "error", err)
	}

	select {
	case decision := <-req.decision:
		return decision
	case <-ctx.Done():
		return Decision{Approved: false, Reason: "run cancelled"}
	}
}

// Resolve settles a pending approval. A second resolve of the same id
// returns ErrNotFound.
func (a *Arbiter) Resolve(id string, approved bool, reason string) error {
	a.mu.Lock()
	req, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	req.decision <- Decision{Approved: approved, Reason: reason}
	a.logger.Info("approval resolved", "approval", id, "tool", req.Tool, "approved", approved)
	return nil
}

// CancelRun denies every pending approval belonging to the run.
func (a *Arbiter) CancelRun(runID string) {
	a.mu.Lock()
	var matched []*Request
	for id, req := range a.pending {
		if req.RunID == runID {
			matched = append(matched, req)
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()
	for _, req := range matched {
		req.decision <- Decision{Approved: false, Reason: "run cancelled"}
	}
}

// Pending lists the open requests for one conversation, oldest first.
func (a *Arbiter) Pending(conversationID string) []*Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Request
	for _, req := range a.pending {
		if req.ConversationID == conversationID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
