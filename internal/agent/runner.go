package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ponchohq/poncho/internal/approval"
	"github.com/ponchohq/poncho/internal/manifest"
	"github.com/ponchohq/poncho/internal/provider"
	"github.com/ponchohq/poncho/internal/skills"
	"github.com/ponchohq/poncho/internal/store"
	"github.com/ponchohq/poncho/internal/stream"
	"github.com/ponchohq/poncho/internal/tools"
	"github.com/ponchohq/poncho/internal/tools/policy"
	"github.com/ponchohq/poncho/pkg/models"
)

// ErrRunActive enforces the at-most-one-live-run-per-conversation invariant.
var ErrRunActive = errors.New("a run is already active for this conversation")

// ContinueTask is the pseudo-message clients send to resume a run that
// stopped on its step budget.
const ContinueTask = "Continue"

// Runner starts and tracks runs for one agent. It owns run lifecycle:
// broker attachment, staged history commit, run state persistence, and the
// live-run table.
type Runner struct {
	Manifest *manifest.Manifest
	Provider provider.Client
	Registry *tools.Registry
	Arbiter  *approval.Arbiter
	Streams  *stream.Registry
	Stores   *store.Stores
	Skills   *skills.Catalog

	Environment policy.Environment
	WorkingDir  string

	ApprovalTimeout time.Duration
	Logger          *slog.Logger

	mu   sync.Mutex
	live map[string]*liveRun
}

type liveRun struct {
	runID  string
	cancel context.CancelFunc
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// LiveRun reports the conversation's active run id, if any.
func (r *Runner) LiveRun(conversationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lr, ok := r.live[conversationID]; ok {
		return lr.runID, true
	}
	return "", false
}

// Stop cancels the conversation's live run. When runID is non-empty it must
// match the live run.
func (r *Runner) Stop(conversationID, runID string) bool {
	r.mu.Lock()
	lr, ok := r.live[conversationID]
	if ok && runID != "" && lr.runID != runID {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	lr.cancel()
	return true
}

// StartRun begins a run for the conversation and returns its broker and run
// id. The run executes on its own goroutine; cancellation of ctx (e.g. the
// POSTing client disconnecting) aborts it.
func (r *Runner) StartRun(ctx context.Context, conv *models.Conversation, task string, parameters map[string]any, attachments ...models.ContentPart) (*stream.Broker, string, error) {
	runID := uuid.NewString()

	r.mu.Lock()
	if r.live == nil {
		r.live = make(map[string]*liveRun)
	}
	if _, exists := r.live[conv.ID]; exists {
		r.mu.Unlock()
		return nil, "", ErrRunActive
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout := r.Manifest.Limits.Timeout; timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	r.live[conv.ID] = &liveRun{runID: runID, cancel: cancel}
	r.mu.Unlock()

	broker := r.Streams.Open(conv.ID, runID)

	system, err := r.systemPrompt(runID, parameters)
	if err != nil {
		r.clearLive(conv.ID)
		cancel()
		return nil, "", err
	}

	orch := &Orchestrator{
		Provider:        r.Provider,
		Registry:        r.Registry,
		Arbiter:         r.Arbiter,
		Logger:          r.logger(),
		System:          system,
		Model:           r.Manifest.Model.Name,
		Temperature:     r.Manifest.Model.Temperature,
		MaxTokens:       r.Manifest.Model.MaxTokens,
		MaxSteps:        r.Manifest.MaxSteps(),
		ApprovalTimeout: r.ApprovalTimeout,
		AgentID:         r.Manifest.ID,
		WorkingDir:      r.WorkingDir,
	}

	in := Input{
		RunID:          runID,
		ConversationID: conv.ID,
		Task:           task,
		Attachments:    attachments,
		Parameters:     parameters,
		History:        conv.Messages,
	}

	go func() {
		defer cancel()
		defer r.clearLive(conv.ID)

		emit := r.emitter(broker, conv.ID, runID)
		out, runErr := orch.Run(runCtx, in, emit)
		if runErr != nil {
			return
		}
		r.finish(conv.ID, out)
	}()

	return broker, runID, nil
}

// Wait blocks until the run's terminal event, collecting the final result
// from the broker. Used by callers that want synchronous completion.
func (r *Runner) Wait(ctx context.Context, broker *stream.Broker) (*models.RunResult, error) {
	sub := broker.Subscribe()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil, fmt.Errorf("event stream closed without a terminal event")
			}
			switch ev.Type {
			case models.EventRunCompleted:
				var payload models.RunCompletedPayload
				if err := ev.Decode(&payload); err != nil {
					return nil, err
				}
				return &payload.Result, nil
			case models.EventRunError:
				var payload models.RunErrorPayload
				_ = ev.Decode(&payload)
				return nil, fmt.Errorf("%s: %s", payload.Code, payload.Message)
			case models.EventRunCancelled:
				return &models.RunResult{
					RunID:  broker.RunID(),
					Status: models.RunCancelled,
				}, nil
			}
		}
	}
}

// systemPrompt renders the manifest body and appends the skill listing.
func (r *Runner) systemPrompt(runID string, parameters map[string]any) (string, error) {
	system, err := r.Manifest.Render(manifest.RuntimeVars{
		WorkingDir:  r.WorkingDir,
		AgentID:     r.Manifest.ID,
		RunID:       runID,
		Environment: string(r.Environment),
	}, parameters)
	if err != nil {
		return "", err
	}
	if r.Skills != nil {
		if block := r.Skills.PromptBlock(); block != "" {
			system = strings.TrimSpace(system + "\n\n" + block)
		}
	}
	return system, nil
}

// emitter publishes run events and mirrors approval lifecycle onto the
// conversation's pending list so approvals survive subscriber disconnects.
func (r *Runner) emitter(broker *stream.Broker, conversationID, runID string) Emitter {
	return func(ev models.AgentEvent) {
		switch ev.Type {
		case models.EventApprovalRequired:
			var payload models.ApprovalPayload
			if err := ev.Decode(&payload); err == nil {
				r.addPendingApproval(conversationID, runID, payload)
			}
		case models.EventApprovalGranted, models.EventApprovalDenied:
			var payload models.ApprovalPayload
			if err := ev.Decode(&payload); err == nil {
				r.removePendingApproval(conversationID, payload.ApprovalID)
			}
		}
		broker.Publish(ev)
	}
}

func (r *Runner) addPendingApproval(conversationID, runID string, payload models.ApprovalPayload) {
	ctx := context.Background()
	conv, err := r.Stores.Conversations.Get(ctx, conversationID)
	if err != nil {
		return
	}
	conv.PendingApprovals = append(conv.PendingApprovals, models.PendingApproval{
		ID:             payload.ApprovalID,
		RunID:          runID,
		ConversationID: conversationID,
		Tool:           payload.Tool,
		Input:          payload.Input,
		CreatedAt:      time.Now().UTC(),
	})
	if err := r.Stores.Conversations.Update(ctx, conv); err != nil {
		r.logger().Warn("persisting pending approval failed", "error", err)
	}
}

func (r *Runner) removePendingApproval(conversationID, approvalID string) {
	ctx := context.Background()
	conv, err := r.Stores.Conversations.Get(ctx, conversationID)
	if err != nil {
		return
	}
	kept := conv.PendingApprovals[:0]
	for _, p := range conv.PendingApprovals {
		if p.ID != approvalID {
			kept = append(kept, p)
		}
	}
	conv.PendingApprovals = kept
	if err := r.Stores.Conversations.Update(ctx, conv); err != nil {
		r.logger().Warn("clearing pending approval failed", "error", err)
	}
}

func (r *Runner) clearLive(conversationID string) {
	r.mu.Lock()
	delete(r.live, conversationID)
	r.mu.Unlock()
}

// finish commits the staged history for a cleanly completed run and records
// the run state. Error and cancelled runs leave the conversation untouched.
func (r *Runner) finish(conversationID string, out *Output) {
	ctx := context.Background()
	result := out.Result

	state := &store.RunState{
		RunID:          result.RunID,
		ConversationID: conversationID,
		Messages:       out.Staged,
	}
	if err := r.Stores.RunStates.Set(ctx, state); err != nil {
		r.logger().Warn("saving run state failed", "run", result.RunID, "error", err)
	}

	if result.Status != models.RunCompleted {
		return
	}
	conv, err := r.Stores.Conversations.Get(ctx, conversationID)
	if err != nil {
		r.logger().Error("loading conversation for commit failed",
			"conversation", conversationID, "error", err)
		return
	}
	conv.Messages = append(conv.Messages, out.Staged...)
	conv.RunID = result.RunID
	conv.InferTitle()
	if err := r.Stores.Conversations.Update(ctx, conv); err != nil {
		r.logger().Error("committing run history failed",
			"conversation", conversationID, "error", err)
	}
}
