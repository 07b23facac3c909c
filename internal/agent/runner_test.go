package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponchohq/poncho/internal/approval"
	"github.com/ponchohq/poncho/internal/manifest"
	"github.com/ponchohq/poncho/internal/provider"
	"github.com/ponchohq/poncho/internal/provider/providertest"
	"github.com/ponchohq/poncho/internal/store"
	"github.com/ponchohq/poncho/internal/stream"
	"github.com/ponchohq/poncho/internal/tools"
	"github.com/ponchohq/poncho/internal/tools/policy"
	"github.com/ponchohq/poncho/pkg/models"
)

const runnerManifest = `---
name: helper
id: h1
limits:
  maxSteps: 4
---
You are {{name}} on run {{runtime.runId}}.
`

func newRunner(t *testing.T, fake *providertest.Fake, reg *tools.Registry) *Runner {
	t.Helper()
	m, err := manifest.Parse([]byte(runnerManifest))
	require.NoError(t, err)
	if reg == nil {
		reg = tools.NewRegistry(tools.Options{Environment: policy.EnvDevelopment})
	}
	return &Runner{
		Manifest:    m,
		Provider:    fake,
		Registry:    reg,
		Arbiter:     approval.New(nil, nil),
		Streams:     stream.NewRegistry(10*time.Millisecond, 0),
		Stores:      &store.Stores{Conversations: store.NewMemoryConversations(), RunStates: store.NewMemoryRunStates(0)},
		Environment: policy.EnvDevelopment,
	}
}

func TestRunnerCommitsHistoryOnCompletion(t *testing.T) {
	fake := providertest.New(providertest.TextTurn("hello"))
	r := newRunner(t, fake, nil)
	ctx := context.Background()

	conv, err := r.Stores.Conversations.Create(ctx, &models.Conversation{OwnerID: "owner-1"})
	require.NoError(t, err)

	broker, runID, err := r.StartRun(ctx, conv, "say hi", nil)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	result, err := r.Wait(ctx, broker)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Response)

	require.Eventually(t, func() bool {
		_, live := r.LiveRun(conv.ID)
		return !live
	}, 2*time.Second, 5*time.Millisecond)

	got, err := r.Stores.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "say hi", got.Messages[0].Text())
	assert.Equal(t, "hello", got.Messages[1].Text())
	assert.Equal(t, runID, got.RunID)
	assert.Equal(t, "say hi", got.Title)

	// The rendered system prompt carried the run id.
	require.NotEmpty(t, fake.Requests)
	assert.Contains(t, fake.Requests[0].System, "You are helper on run "+runID)

	state, err := r.Stores.RunStates.Get(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, state.Messages, 2)
}

func TestRunnerSingleLiveRunPerConversation(t *testing.T) {
	release := make(chan struct{})
	fake := providertest.New(providertest.Turn{Final: provider.Final{ToolCalls: []models.ToolCall{
		{ID: "tc", Name: "block", Input: json.RawMessage(`{}`)},
	}}}, providertest.TextTurn("done"))

	reg := tools.NewRegistry(tools.Options{Environment: policy.EnvDevelopment})
	reg.Register(&tools.Tool{
		Name: "block",
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			select {
			case <-release:
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	r := newRunner(t, fake, reg)
	ctx := context.Background()

	conv, err := r.Stores.Conversations.Create(ctx, &models.Conversation{OwnerID: "owner-1"})
	require.NoError(t, err)

	broker, runID, err := r.StartRun(ctx, conv, "go", nil)
	require.NoError(t, err)

	_, _, err = r.StartRun(ctx, conv, "again", nil)
	assert.ErrorIs(t, err, ErrRunActive)

	live, ok := r.LiveRun(conv.ID)
	require.True(t, ok)
	assert.Equal(t, runID, live)

	close(release)
	_, err = r.Wait(ctx, broker)
	require.NoError(t, err)
}

func TestRunnerStopCancelsWithoutHistory(t *testing.T) {
	started := make(chan struct{})
	fake := providertest.New(providertest.Turn{Final: provider.Final{ToolCalls: []models.ToolCall{
		{ID: "tc", Name: "slow", Input: json.RawMessage(`{}`)},
	}}})

	reg := tools.NewRegistry(tools.Options{Environment: policy.EnvDevelopment})
	reg.Register(&tools.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	r := newRunner(t, fake, reg)
	ctx := context.Background()

	conv, err := r.Stores.Conversations.Create(ctx, &models.Conversation{OwnerID: "owner-1"})
	require.NoError(t, err)

	broker, runID, err := r.StartRun(ctx, conv, "take your time", nil)
	require.NoError(t, err)

	<-started
	assert.False(t, r.Stop(conv.ID, "wrong-run-id"))
	assert.True(t, r.Stop(conv.ID, runID))

	result, err := r.Wait(ctx, broker)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, result.Status)

	require.Eventually(t, func() bool {
		_, live := r.LiveRun(conv.ID)
		return !live
	}, 2*time.Second, 5*time.Millisecond)

	got, err := r.Stores.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages, "cancelled run must not append history")
}

func TestRunnerPendingApprovalLifecycle(t *testing.T) {
	fake := providertest.New(
		providertest.Turn{Final: provider.Final{ToolCalls: []models.ToolCall{
			{ID: "tc", Name: "gated", Input: json.RawMessage(`{}`)},
		}}},
		providertest.TextTurn("done"),
	)
	reg := tools.NewRegistry(tools.Options{Environment: policy.EnvDevelopment})
	reg.Register(&tools.Tool{
		Name:             "gated",
		RequiresApproval: true,
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return "ran", nil
		},
	})
	r := newRunner(t, fake, reg)
	ctx := context.Background()

	conv, err := r.Stores.Conversations.Create(ctx, &models.Conversation{OwnerID: "owner-1"})
	require.NoError(t, err)

	broker, _, err := r.StartRun(ctx, conv, "do it", nil)
	require.NoError(t, err)

	// The pending approval lands on the conversation.
	var approvalID string
	require.Eventually(t, func() bool {
		got, err := r.Stores.Conversations.Get(ctx, conv.ID)
		if err != nil || len(got.PendingApprovals) == 0 {
			return false
		}
		approvalID = got.PendingApprovals[0].ID
		return true
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Arbiter.Resolve(approvalID, true, ""))

	result, err := r.Wait(ctx, broker)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Response)

	require.Eventually(t, func() bool {
		got, err := r.Stores.Conversations.Get(ctx, conv.ID)
		return err == nil && len(got.PendingApprovals) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
