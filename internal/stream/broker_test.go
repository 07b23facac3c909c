package stream

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponchohq/poncho/pkg/models"
)

func drain(t *testing.T, sub *Subscription) []models.EventType {
	t.Helper()
	var out []models.EventType
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev.Type)
		case <-timeout:
			t.Fatal("subscription did not close")
		}
	}
}

func TestReplayMatchesLiveOrder(t *testing.T) {
	b := NewBroker("run-1", 0)

	live := b.Subscribe()
	liveOrder := make(chan []models.EventType, 1)
	go func() { liveOrder <- drainTypes(live) }()

	events := []models.AgentEvent{
		models.Event(models.EventRunStarted, models.RunStartedPayload{RunID: "run-1"}),
		models.Event(models.EventStepStarted, models.StepStartedPayload{Step: 1}),
		models.Event(models.EventModelChunk, models.ModelChunkPayload{Text: "hi"}),
		models.Event(models.EventStepCompleted, models.StepCompletedPayload{Step: 1}),
		models.Event(models.EventRunCompleted, models.RunCompletedPayload{}),
	}
	for _, ev := range events {
		b.Publish(ev)
	}

	first := <-liveOrder

	// A late subscriber replays the identical sequence.
	replay := drain(t, b.Subscribe())
	assert.Equal(t, first, replay)
	require.Len(t, replay, len(events))
	assert.Equal(t, models.EventRunCompleted, replay[len(replay)-1])
}

func drainTypes(sub *Subscription) []models.EventType {
	var out []models.EventType
	for ev := range sub.C {
		out = append(out, ev.Type)
	}
	return out
}

func TestSubscribeAfterMidRunSeesTail(t *testing.T) {
	b := NewBroker("run-1", 0)
	b.Publish(models.Event(models.EventRunStarted, models.RunStartedPayload{RunID: "run-1"}))

	sub := b.Subscribe()
	got := make(chan []models.EventType, 1)
	go func() { got <- drainTypes(sub) }()

	b.Publish(models.Event(models.EventModelChunk, models.ModelChunkPayload{Text: "x"}))
	b.Publish(models.Event(models.EventRunCompleted, models.RunCompletedPayload{}))

	assert.Equal(t, []models.EventType{
		models.EventRunStarted, models.EventModelChunk, models.EventRunCompleted,
	}, <-got)
}

func TestPublishAfterTerminalIsIgnored(t *testing.T) {
	b := NewBroker("run-1", 0)
	b.Publish(models.Event(models.EventRunCompleted, models.RunCompletedPayload{}))
	b.Publish(models.Event(models.EventModelChunk, models.ModelChunkPayload{Text: "late"}))

	types := drain(t, b.Subscribe())
	assert.Equal(t, []models.EventType{models.EventRunCompleted}, types)

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after terminal event")
	}
}

func TestBufferCapDropsNonTerminal(t *testing.T) {
	b := NewBroker("run-1", 2)
	b.Publish(models.Event(models.EventModelChunk, models.ModelChunkPayload{Text: "a"}))
	b.Publish(models.Event(models.EventModelChunk, models.ModelChunkPayload{Text: "b"}))
	b.Publish(models.Event(models.EventModelChunk, models.ModelChunkPayload{Text: "c"}))
	b.Publish(models.Event(models.EventRunCompleted, models.RunCompletedPayload{}))

	types := drain(t, b.Subscribe())
	assert.Len(t, types, 3)
	assert.Equal(t, 1, b.Dropped())
	assert.Equal(t, models.EventRunCompleted, types[len(types)-1])
}

func TestSubscriptionCancelDetaches(t *testing.T) {
	b := NewBroker("run-1", 0)
	sub := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for range sub.C {
		}
		close(done)
	}()

	sub.Cancel()
	sub.Cancel() // idempotent
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancelled subscription did not close")
	}
}

func TestRegistryGraceRelease(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, 0)
	b := r.Open("conv-1", "run-1")

	got, ok := r.Get("conv-1")
	require.True(t, ok)
	assert.Same(t, b, got)

	b.Publish(models.Event(models.EventRunCompleted, models.RunCompletedPayload{}))

	// Still attached during the grace window.
	_, ok = r.Get("conv-1")
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := r.Get("conv-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestWriteFrameFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	flusher, err := PrepareSSE(rec)
	require.NoError(t, err)

	ev := models.Event(models.EventModelChunk, models.ModelChunkPayload{Text: "hi"})
	require.NoError(t, WriteFrame(rec, flusher, ev))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: model:chunk\ndata: {\"text\":\"hi\"}\n\n", rec.Body.String())
}
