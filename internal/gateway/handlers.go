package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ponchohq/poncho/internal/agent"
	"github.com/ponchohq/poncho/internal/approval"
	"github.com/ponchohq/poncho/internal/store"
	"github.com/ponchohq/poncho/internal/stream"
	"github.com/ponchohq/poncho/pkg/models"
)

// maxMultipartMemory bounds in-memory multipart parsing; larger files spill
// to disk.
const maxMultipartMemory = 32 << 20

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, sess Session) {
	summaries, err := s.Stores.Conversations.List(r.Context(), sess.OwnerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, sess Session) {
	var body struct {
		Title string `json:"title"`
	}
	if r.Body != nil {
		// An empty body is a valid "untitled" create.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	conv, err := s.Stores.Conversations.Create(r.Context(), &models.Conversation{
		OwnerID: sess.OwnerID,
		Title:   body.Title,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, _ Session) {
	conv, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handlePatchConversation(w http.ResponseWriter, r *http.Request, _ Session) {
	conv, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	var body struct {
		Title *string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if body.Title != nil {
		conv.Title = *body.Title
	}
	if err := s.Stores.Conversations.Update(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, _ Session) {
	id := r.PathValue("id")
	// A live run must not outlive its conversation.
	s.Runner.Stop(id, "")
	if err := s.Stores.Conversations.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// messageRequest is the parsed form of POST .../messages, either JSON or
// multipart.
type messageRequest struct {
	Message     string
	Parameters  map[string]any
	Attachments []models.ContentPart
}

func (s *Server) parseMessageRequest(r *http.Request) (*messageRequest, error) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/form-data") {
		var body struct {
			Message    string         `json:"message"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("malformed JSON body")
		}
		return &messageRequest{Message: body.Message, Parameters: body.Parameters}, nil
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, fmt.Errorf("malformed multipart body")
	}
	req := &messageRequest{Message: r.FormValue("message")}
	if raw := r.FormValue("parameters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Parameters); err != nil {
			return nil, fmt.Errorf("parameters part is not valid JSON")
		}
	}
	for _, header := range r.MultipartForm.File["files"] {
		f, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("open file %s", header.Filename)
		}
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read file %s", header.Filename)
		}
		key, err := s.Uploads.Put(header.Filename, header.Header.Get("Content-Type"), data)
		if err != nil {
			return nil, err
		}
		req.Attachments = append(req.Attachments, models.ContentPart{
			Type: models.PartFile,
			File: &models.FileRef{Kind: models.FileUpload, Name: header.Filename, UploadKey: key},
		})
	}
	return req, nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, _ Session) {
	conv, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	req, err := s.parseMessageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	attachments, err := s.Uploads.Dereference(req.Attachments)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// The run inherits the request context: a client disconnect cancels it.
	broker, _, err := s.Runner.StartRun(r.Context(), conv, req.Message, req.Parameters, attachments...)
	if err != nil {
		if errors.Is(err, agent.ErrRunActive) {
			writeError(w, http.StatusConflict, "run_active", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "run_error", err.Error())
		return
	}
	s.metrics().RunStarted("message")
	s.relayEvents(w, r, broker)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ Session) {
	conv, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	broker, live := s.Streams.Get(conv.ID)
	if !live {
		flusher, err := stream.PrepareSSE(w)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "stream_error", err.Error())
			return
		}
		_ = stream.WriteFrame(w, flusher, models.Event(models.EventStreamEnd,
			models.StreamEndPayload{Reason: "no live run"}))
		return
	}
	s.relayEvents(w, r, broker)
}

// relayEvents streams broker events to the response until the terminal event
// or client disconnect.
func (s *Server) relayEvents(w http.ResponseWriter, r *http.Request, broker *stream.Broker) {
	flusher, err := stream.PrepareSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stream_error", err.Error())
		return
	}
	sub := broker.Subscribe()
	defer sub.Cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if err := stream.WriteFrame(w, flusher, ev); err != nil {
				return
			}
			if ev.Type.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, _ Session) {
	id := r.PathValue("id")
	var body struct {
		RunID string `json:"runId"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	stopped := s.Runner.Stop(id, body.RunID)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"stopped": stopped,
		"runId":   body.RunID,
	})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request, _ Session) {
	var body struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	id := r.PathValue("approvalId")
	if err := s.Arbiter.Resolve(id, body.Approved, body.Reason); err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "approval not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "approval_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "approved": body.Approved})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, _ Session) {
	blob, ok := s.Uploads.Get(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "upload not found")
		return
	}
	ct := blob.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if blob.Name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", blob.Name))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request, sess Session) {
	jobName := r.PathValue("jobName")
	job, ok := s.Manifest.Cron[jobName]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown cron job")
		return
	}

	ctx := r.Context()
	task := job.Task
	var conv *models.Conversation
	if continueID := r.URL.Query().Get("continue"); continueID != "" {
		var err error
		conv, err = s.Stores.Conversations.Get(ctx, continueID)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		task = agent.ContinueTask
	} else {
		id := "cron:" + jobName
		var err error
		conv, err = s.Stores.Conversations.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			conv, err = s.Stores.Conversations.Create(ctx, &models.Conversation{
				ID:      id,
				OwnerID: sess.OwnerID,
				Title:   "cron: " + jobName,
			})
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
	}

	broker, _, err := s.Runner.StartRun(ctx, conv, task, nil)
	if err != nil {
		if errors.Is(err, agent.ErrRunActive) {
			writeError(w, http.StatusConflict, "run_active", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "run_error", err.Error())
		return
	}
	s.metrics().RunStarted("cron")

	result, err := s.Runner.Wait(ctx, broker)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run_error", err.Error())
		return
	}
	resp := map[string]any{
		"conversationId": conv.ID,
		"response":       result.Response,
		"steps":          result.Steps,
		"status":         result.Status,
	}
	if result.Continuation {
		resp["continuation"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadConversation fetches the {id} conversation, writing a 404 on miss.
func (s *Server) loadConversation(w http.ResponseWriter, r *http.Request) (*models.Conversation, bool) {
	conv, err := s.Stores.Conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return nil, false
	}
	return conv, true
}
