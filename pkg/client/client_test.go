package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponchohq/poncho/pkg/models"
)

// sseScript serves one scripted SSE response per POST to the messages
// endpoint and records request bodies.
type sseScript struct {
	mu       sync.Mutex
	frames   [][]string
	call     int
	messages []string
	headers  []http.Header
}

func (s *sseScript) handle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.messages = append(s.messages, body.Message)
	s.headers = append(s.headers, r.Header.Clone())
	idx := s.call
	if idx >= len(s.frames) {
		idx = len(s.frames) - 1
	}
	frames := s.frames[idx]
	s.call++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	for _, frame := range frames {
		fmt.Fprint(w, frame)
	}
}

func frame(event string, payload any) string {
	raw, _ := json.Marshal(payload)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, raw)
}

func completedFrame(result models.RunResult) string {
	return frame("run:completed", models.RunCompletedPayload{Result: result})
}

func TestSendMessageFollowsContinuations(t *testing.T) {
	script := &sseScript{frames: [][]string{
		{
			frame("run:started", models.RunStartedPayload{RunID: "r1"}),
			completedFrame(models.RunResult{
				RunID:        "r1",
				Response:     "partial",
				Steps:        2,
				Usage:        models.Usage{InputTokens: 10, OutputTokens: 5},
				Status:       models.RunCompleted,
				Continuation: true,
				MaxSteps:     2,
			}),
		},
		{
			frame("run:started", models.RunStartedPayload{RunID: "r2"}),
			completedFrame(models.RunResult{
				RunID:    "r2",
				Response: "done",
				Steps:    1,
				Usage:    models.Usage{InputTokens: 3, OutputTokens: 2},
				Status:   models.RunCompleted,
			}),
		},
	}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/c1/messages", script.handle)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, WithToken("tok"))
	result, err := c.SendMessage(context.Background(), "c1", Input{Message: "do the thing"})
	require.NoError(t, err)

	assert.Equal(t, "done", result.Response)
	assert.Equal(t, "r2", result.RunID)
	assert.Equal(t, 2, result.Segments)
	assert.Equal(t, 3, result.Steps, "steps aggregate across segments")
	assert.Equal(t, models.Usage{InputTokens: 13, OutputTokens: 7}, result.Usage)
	assert.False(t, result.Continuation)

	require.Equal(t, []string{"do the thing", "Continue"}, script.messages)
	assert.Equal(t, "Bearer tok", script.headers[0].Get("Authorization"))
}

func TestSendMessageHonorsMaxContinues(t *testing.T) {
	// The server always reports a continuation.
	script := &sseScript{frames: [][]string{{
		completedFrame(models.RunResult{
			RunID:        "r",
			Steps:        2,
			Status:       models.RunCompleted,
			Continuation: true,
		}),
	}}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/c1/messages", script.handle)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, WithMaxContinues(2))
	result, err := c.SendMessage(context.Background(), "c1", Input{Message: "go"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Segments, "initial run plus two continuations")
	assert.True(t, result.Continuation, "budget still exhausted when we gave up")
}

func TestSendMessageSurfacesRunError(t *testing.T) {
	script := &sseScript{frames: [][]string{{
		frame("run:started", models.RunStartedPayload{RunID: "r1"}),
		frame("run:error", models.RunErrorPayload{Code: "model-error", Message: "boom"}),
	}}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/c1/messages", script.handle)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.SendMessage(context.Background(), "c1", Input{Message: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model-error")
}

func TestStreamDeliversEventsInOrder(t *testing.T) {
	script := &sseScript{frames: [][]string{{
		frame("run:started", models.RunStartedPayload{RunID: "r1"}),
		frame("model:chunk", models.ModelChunkPayload{Text: "he"}),
		frame("model:chunk", models.ModelChunkPayload{Text: "llo"}),
		completedFrame(models.RunResult{RunID: "r1", Response: "hello", Status: models.RunCompleted}),
	}}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/c1/messages", script.handle)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL)
	events, err := c.Stream(context.Background(), "c1", Input{Message: "say hi"})
	require.NoError(t, err)

	var types []models.EventType
	var text string
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == models.EventModelChunk {
			var payload models.ModelChunkPayload
			require.NoError(t, ev.Decode(&payload))
			text += payload.Text
		}
	}
	assert.Equal(t, []models.EventType{
		models.EventRunStarted, models.EventModelChunk, models.EventModelChunk, models.EventRunCompleted,
	}, types)
	assert.Equal(t, "hello", text)
}

func TestConversationCRUD(t *testing.T) {
	conv := models.Conversation{ID: "c9", Title: "notes"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"conversation": conv})
	})
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"conversations": []models.ConversationSummary{conv.Summary()},
		})
	})
	mux.HandleFunc("GET /api/conversations/c9", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"conversation": conv})
	})
	mux.HandleFunc("DELETE /api/conversations/c9", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL)
	ctx := context.Background()

	created, err := c.CreateConversation(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "c9", created.ID)

	got, err := c.GetConversation(ctx, "c9")
	require.NoError(t, err)
	assert.Equal(t, "notes", got.Title)

	list, err := c.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, c.DeleteConversation(ctx, "c9"))
}

func TestAPIErrorDecoding(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code": "not_found", "message": "conversation not found",
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.GetConversation(context.Background(), "missing")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestStopAndResolveApproval(t *testing.T) {
	var stoppedRun, resolvedID string
	var approved bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/c1/stop", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RunID string `json:"runId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		stoppedRun = body.RunID
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "stopped": true, "runId": body.RunID})
	})
	mux.HandleFunc("POST /api/approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Approved bool `json:"approved"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		resolvedID = r.PathValue("id")
		approved = body.Approved
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL)
	ctx := context.Background()

	stopped, err := c.Stop(ctx, "c1", "run-1")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, "run-1", stoppedRun)

	require.NoError(t, c.ResolveApproval(ctx, "appr-1", true))
	assert.Equal(t, "appr-1", resolvedID)
	assert.True(t, approved)
}
