package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponchohq/poncho/internal/tools/policy"
)

func echoTool(name, subject string) *Tool {
	return &Tool{
		Name:    name,
		Subject: subject,
		Handler: func(context.Context, json.RawMessage) (string, error) { return name, nil },
	}
}

func TestRegistryLaterRegistrationWins(t *testing.T) {
	r := NewRegistry(Options{Environment: policy.EnvDevelopment})

	first := echoTool("search", "")
	first.Description = "builtin"
	second := echoTool("search", "crm/search")
	second.Description = "remote"

	r.Register(first)
	r.Register(second)

	got, ok := r.Get("search")
	require.True(t, ok)
	assert.Equal(t, "remote", got.Description)
	assert.Len(t, r.List(), 1)
}

func TestRegistryPolicyFiltersSubjects(t *testing.T) {
	r := NewRegistry(Options{
		Environment: policy.EnvDevelopment,
		Policy:      &policy.Policy{Allow: []string{"crm/*"}},
	})

	r.Register(
		echoTool("read_file", ""), // builtins bypass pattern policy
		echoTool("crm/search", "crm/search"),
		echoTool("billing/charge", "billing/charge"),
	)

	names := make([]string, 0)
	for _, tool := range r.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"read_file", "crm/search"}, names)
}

func TestRegistryEnvironmentScopedPolicy(t *testing.T) {
	pol := &policy.Policy{
		Allow: []string{"crm/*"},
		ByEnvironment: map[policy.Environment]*policy.Policy{
			policy.EnvProduction: {Allow: []string{"crm/search"}},
		},
	}

	dev := NewRegistry(Options{Environment: policy.EnvDevelopment, Policy: pol})
	dev.Register(echoTool("crm/export", "crm/export"))
	assert.Len(t, dev.List(), 1)

	prod := NewRegistry(Options{Environment: policy.EnvProduction, Policy: pol})
	prod.Register(echoTool("crm/export", "crm/export"))
	assert.Empty(t, prod.List())
}

func TestRegistryGating(t *testing.T) {
	r := NewRegistry(Options{
		Environment:      policy.EnvDevelopment,
		ApprovalPatterns: []string{"crm/*"},
	})

	flagged := echoTool("zap", "")
	flagged.RequiresApproval = true
	remote := echoTool("crm/search", "crm/search")
	plain := echoTool("read_file", "")
	other := echoTool("docs/fetch", "docs/fetch")
	r.Register(flagged, remote, plain, other)

	assert.True(t, r.Gated(flagged))
	assert.True(t, r.Gated(remote))
	assert.False(t, r.Gated(plain))
	assert.False(t, r.Gated(other))
}

func TestRegistrySpecsDefaultSchema(t *testing.T) {
	r := NewRegistry(Options{Environment: policy.EnvDevelopment})
	r.Register(echoTool("ping", ""))

	specs := r.Specs()
	require.Len(t, specs, 1)
	assert.JSONEq(t, `{"type":"object"}`, string(specs[0].InputSchema))
}
