// Package gateway exposes the agent over HTTP: auth, conversation CRUD,
// message runs streamed as SSE, approvals, uploads, cron triggers, and
// Prometheus metrics.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ponchohq/poncho/internal/agent"
	"github.com/ponchohq/poncho/internal/approval"
	"github.com/ponchohq/poncho/internal/manifest"
	"github.com/ponchohq/poncho/internal/store"
	"github.com/ponchohq/poncho/internal/stream"
)

// Server is the HTTP surface. All fields are wired at startup and read-only
// afterwards.
type Server struct {
	Auth     *Authenticator
	Runner   *agent.Runner
	Stores   *store.Stores
	Streams  *stream.Registry
	Arbiter  *approval.Arbiter
	Uploads  *Uploads
	Manifest *manifest.Manifest
	Metrics  *Metrics
	Logger   *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) metrics() *Metrics {
	if s.Metrics == nil {
		s.Metrics = NewMetrics()
	}
	return s.Metrics
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	m := s.metrics()
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, m.instrument(name, h))
	}
	authed := func(pattern, name string, h func(http.ResponseWriter, *http.Request, Session)) {
		route(pattern, name, s.requireAuth(h))
	}

	route("GET /health", "health", s.handleHealth)
	mux.Handle("GET /metrics", m.Handler())

	route("GET /api/auth/session", "auth.session", s.handleSession)
	route("POST /api/auth/login", "auth.login", s.handleLogin)
	route("POST /api/auth/logout", "auth.logout", s.handleLogout)

	authed("GET /api/conversations", "conversations.list", s.handleListConversations)
	authed("POST /api/conversations", "conversations.create", s.handleCreateConversation)
	authed("GET /api/conversations/{id}", "conversations.get", s.handleGetConversation)
	authed("PATCH /api/conversations/{id}", "conversations.patch", s.handlePatchConversation)
	authed("DELETE /api/conversations/{id}", "conversations.delete", s.handleDeleteConversation)
	authed("POST /api/conversations/{id}/messages", "conversations.messages", s.handleMessages)
	authed("GET /api/conversations/{id}/events", "conversations.events", s.handleEvents)
	authed("POST /api/conversations/{id}/stop", "conversations.stop", s.handleStop)
	authed("POST /api/approvals/{approvalId}", "approvals.resolve", s.handleApproval)
	authed("GET /api/uploads/{key}", "uploads.get", s.handleUpload)
	authed("GET /api/cron/{jobName}", "cron.run", s.handleCron)

	return mux
}

// requireAuth authenticates the request and enforces CSRF for mutating
// cookie-session calls.
func (s *Server) requireAuth(h func(http.ResponseWriter, *http.Request, Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.Auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if !s.Auth.CheckCSRF(r, sess) {
			writeError(w, http.StatusForbidden, "csrf_mismatch", "missing or invalid CSRF token")
			return
		}
		h(w, r, sess)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Auth.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	resp := map[string]any{
		"authenticated": true,
		"sessionId":     sess.ID,
		"ownerId":       sess.OwnerID,
	}
	if sess.CSRF != "" {
		resp["csrfToken"] = sess.CSRF
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.Auth.AllowLogin() {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
		return
	}
	var body struct {
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	sess, signed, ok := s.Auth.Login(body.Passphrase)
	if !ok {
		s.logger().Info("auth event", "event", "auth.login_failed")
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid passphrase")
		return
	}
	s.Auth.SetSessionCookie(w, signed)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"sessionId": sess.ID,
		"csrfToken": sess.CSRF,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.Auth.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
