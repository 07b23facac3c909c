package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ponchohq/poncho/internal/tools/policy"
)

// DiscoveredTool couples a remote tool with the server that advertised it.
type DiscoveredTool struct {
	Server string
	Tool   RemoteTool
}

// Subject is the namespaced form used in tool policies, "<server>/<tool>".
func (d DiscoveredTool) Subject() string {
	return d.Server + "/" + d.Tool.Name
}

// Manager holds one client per configured server and presents their tools as
// a single namespaced catalog.
type Manager struct {
	clients map[string]*Client
	order   []string
	env     policy.Environment
	logger  *slog.Logger
}

// NewManager builds clients for every configured server. Duplicate server
// names are rejected.
func NewManager(cfgs []ServerConfig, env policy.Environment, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		clients: make(map[string]*Client, len(cfgs)),
		env:     env,
		logger:  logger.With("component", "mcp"),
	}
	for _, cfg := range cfgs {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, errors.New("tool server config is missing a name")
		}
		if _, exists := m.clients[name]; exists {
			return nil, fmt.Errorf("duplicate tool server name %q", name)
		}
		if cfg.Policy != nil {
			if err := cfg.Policy.Validate(); err != nil {
				return nil, fmt.Errorf("server %s: %w", name, err)
			}
		}
		cfg.Name = name
		m.clients[name] = NewClient(cfg, logger)
		m.order = append(m.order, name)
	}
	sort.Strings(m.order)
	return m, nil
}

// Discover initializes every server and lists its tools, filtered by the
// server's own policy. Unavailable or auth-failed servers are skipped with a
// warning rather than failing discovery; the returned order is deterministic.
func (m *Manager) Discover(ctx context.Context) []DiscoveredTool {
	var out []DiscoveredTool
	for _, name := range m.order {
		client := m.clients[name]
		if err := client.Initialize(ctx); err != nil {
			m.logger.Warn("tool server skipped",
				"server", name, "error", err)
			continue
		}
		remote, err := client.ListTools(ctx)
		if err != nil {
			m.logger.Warn("tool listing failed",
				"server", name, "error", err)
			continue
		}
		pol := client.Policy()
		for _, tool := range remote {
			d := DiscoveredTool{Server: name, Tool: tool}
			if pol != nil && !pol.Allowed(d.Subject(), m.env) {
				continue
			}
			out = append(out, d)
		}
	}
	return out
}

// Call invokes a namespaced tool subject ("<server>/<tool>").
func (m *Manager) Call(ctx context.Context, subject string, args json.RawMessage) (*CallResult, error) {
	server, tool, ok := strings.Cut(strings.TrimPrefix(subject, "mcp:"), "/")
	if !ok || server == "" || tool == "" {
		return nil, fmt.Errorf("malformed remote tool subject %q", subject)
	}
	client, ok := m.clients[server]
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", server)
	}
	if err := client.Initialize(ctx); err != nil {
		return nil, err
	}
	return client.CallTool(ctx, tool, args)
}

// Close releases every open session.
func (m *Manager) Close(ctx context.Context) {
	for _, name := range m.order {
		m.clients[name].Close(ctx)
	}
}
