package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponchohq/poncho/internal/tools/policy"
)

func TestManagerDiscoverAppliesServerPolicy(t *testing.T) {
	mock := &mockServer{session: "s1"}
	srv := httptest.NewServer(mock.handler(t))
	defer srv.Close()

	mgr, err := NewManager([]ServerConfig{{
		Name:   "crm",
		URL:    srv.URL,
		Policy: &policy.Policy{Deny: []string{"crm/delete_everything"}},
	}}, policy.EnvDevelopment, nil)
	require.NoError(t, err)

	tools := mgr.Discover(context.Background())
	require.Len(t, tools, 1)
	assert.Equal(t, "crm/search", tools[0].Subject())
}

func TestManagerDiscoverSkipsFailingServer(t *testing.T) {
	good := &mockServer{}
	goodSrv := httptest.NewServer(good.handler(t))
	defer goodSrv.Close()

	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer badSrv.Close()

	mgr, err := NewManager([]ServerConfig{
		{Name: "good", URL: goodSrv.URL},
		{Name: "bad", URL: badSrv.URL},
	}, policy.EnvDevelopment, nil)
	require.NoError(t, err)

	tools := mgr.Discover(context.Background())
	require.Len(t, tools, 2)
	for _, tool := range tools {
		assert.Equal(t, "good", tool.Server)
	}
}

func TestManagerCall(t *testing.T) {
	mock := &mockServer{sseCalls: true}
	srv := httptest.NewServer(mock.handler(t))
	defer srv.Close()

	mgr, err := NewManager([]ServerConfig{{Name: "crm", URL: srv.URL}}, policy.EnvDevelopment, nil)
	require.NoError(t, err)

	result, err := mgr.Call(context.Background(), "crm/search", json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "ok:42", result.Text())

	// The mcp: prefix is accepted on subjects.
	_, err = mgr.Call(context.Background(), "mcp:crm/search", nil)
	require.NoError(t, err)

	_, err = mgr.Call(context.Background(), "nowhere/search", nil)
	require.Error(t, err)

	_, err = mgr.Call(context.Background(), "bare-name", nil)
	require.Error(t, err)
}

func TestManagerRejectsDuplicateServers(t *testing.T) {
	_, err := NewManager([]ServerConfig{
		{Name: "crm", URL: "http://a"},
		{Name: "crm", URL: "http://b"},
	}, policy.EnvDevelopment, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}
