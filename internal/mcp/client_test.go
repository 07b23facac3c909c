package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer is a minimal streamable HTTP tool server. tools/call responses
// are framed as SSE when sseCalls is set, plain JSON otherwise.
type mockServer struct {
	mu       sync.Mutex
	sseCalls bool
	session  string

	methods  []string
	deletes  []string
	sessions []string
}

func (m *mockServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if r.Method == http.MethodDelete {
			m.deletes = append(m.deletes, r.Header.Get("Mcp-Session-Id"))
			w.WriteHeader(http.StatusOK)
			return
		}

		var req jsonrpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		m.methods = append(m.methods, req.Method)
		m.sessions = append(m.sessions, r.Header.Get("Mcp-Session-Id"))

		writeJSON := func(result any) {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp := jsonrpcResponse{JSONRPC: "2.0", Result: raw}
			if req.ID != nil {
				id, err := json.Marshal(req.ID)
				require.NoError(t, err)
				resp.ID = id
			}
			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		}

		switch req.Method {
		case "initialize":
			if m.session != "" {
				w.Header().Set("Mcp-Session-Id", m.session)
			}
			writeJSON(map[string]any{"protocolVersion": ProtocolVersion})

		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)

		case "tools/list":
			writeJSON(listToolsResult{Tools: []RemoteTool{
				{Name: "search", Description: "search things"},
				{Name: "delete_everything", Description: "dangerous"},
			}})

		case "tools/call":
			result := CallResult{Content: []ContentBlock{{Type: "text", Text: "ok:42"}}}
			if !m.sseCalls {
				writeJSON(result)
				return
			}
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			id, err := json.Marshal(req.ID)
			require.NoError(t, err)
			body, err := json.Marshal(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: raw})
			require.NoError(t, err)
			w.Header().Set("Content-Type", "text/event-stream")
			// An unrelated frame first, then the matching response.
			fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)

		default:
			t.Fatalf("unexpected method %s", req.Method)
		}
	}
}

func TestClientSessionLifecycle(t *testing.T) {
	mock := &mockServer{session: "sess-123", sseCalls: true}
	srv := httptest.NewServer(mock.handler(t))
	defer srv.Close()

	client := NewClient(ServerConfig{Name: "crm", URL: srv.URL}, nil)
	ctx := context.Background()

	require.NoError(t, client.Initialize(ctx))
	require.NoError(t, client.Initialize(ctx)) // idempotent

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "search", tools[0].Name)

	result, err := client.CallTool(ctx, "search", json.RawMessage(`{"q":"42"}`))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "ok:42", result.Text())

	client.Close(ctx)

	assert.Equal(t, []string{"initialize", "notifications/initialized", "tools/list", "tools/call"}, mock.methods)
	// Session id rides on every request after initialize and on the DELETE.
	assert.Equal(t, []string{"", "sess-123", "sess-123", "sess-123"}, mock.sessions)
	assert.Equal(t, []string{"sess-123"}, mock.deletes)
}

func TestClientJSONCallResponse(t *testing.T) {
	mock := &mockServer{}
	srv := httptest.NewServer(mock.handler(t))
	defer srv.Close()

	client := NewClient(ServerConfig{Name: "crm", URL: srv.URL}, nil)
	ctx := context.Background()
	require.NoError(t, client.Initialize(ctx))

	result, err := client.CallTool(ctx, "search", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:42", result.Text())
}

func TestClientAuthFailureIsSticky(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(ServerConfig{Name: "crm", URL: srv.URL}, nil)
	ctx := context.Background()

	err := client.Initialize(ctx)
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.True(t, client.AuthFailed())

	// Subsequent requests fail without touching the server again.
	_, err = client.ListTools(ctx)
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, 1, hits)
}

func TestClientPermissionDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(ServerConfig{Name: "crm", URL: srv.URL}, nil)
	_, err := client.ListTools(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, client.AuthFailed())
}

func TestClientMissingTokenEnv(t *testing.T) {
	client := NewClient(ServerConfig{
		Name:    "crm",
		URL:     "http://127.0.0.1:0",
		AuthEnv: "PONCHO_TEST_UNSET_TOKEN",
	}, nil)

	err := client.Initialize(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestClientBearerToken(t *testing.T) {
	t.Setenv("PONCHO_TEST_CRM_TOKEN", "tok-1")

	var gotAuth string
	mock := &mockServer{}
	inner := mock.handler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		inner(w, r)
	}))
	defer srv.Close()

	client := NewClient(ServerConfig{Name: "crm", URL: srv.URL, AuthEnv: "PONCHO_TEST_CRM_TOKEN"}, nil)
	require.NoError(t, client.Initialize(context.Background()))
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrAuthFailed))
	assert.False(t, IsTransient(ErrPermissionDenied))
	assert.False(t, IsTransient(&RPCError{Code: -32601, Message: "method not found"}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("post tools/call: connection refused")))
}
