// Package mcp implements the client side of the streamable HTTP JSON-RPC
// tool-server protocol, version 2025-03-26.
//
// A session opens with an "initialize" request whose response may carry an
// Mcp-Session-Id header; the id rides on every subsequent request and is
// released with a best-effort DELETE. Servers may answer a POST with 202 (no
// body), a single JSON-RPC response, or an SSE stream whose data lines are
// JSON-RPC responses; all three forms are accepted equivalently.
package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ponchohq/poncho/internal/tools/policy"
)

// ProtocolVersion is the wire protocol revision this client speaks.
const ProtocolVersion = "2025-03-26"

// DefaultRequestTimeout bounds a single JSON-RPC round trip.
const DefaultRequestTimeout = 10 * time.Second

// ServerConfig declares one remote tool server.
type ServerConfig struct {
	// Name namespaces the server's tools as "<name>/<tool>".
	Name string `yaml:"name"`
	URL  string `yaml:"url"`

	// AuthEnv names the environment variable holding the bearer token.
	// Empty means the server is unauthenticated.
	AuthEnv string `yaml:"authEnv"`

	// Timeout overrides DefaultRequestTimeout for this server.
	Timeout time.Duration `yaml:"timeout"`

	// Policy filters which of the server's tools are exposed.
	Policy *policy.Policy `yaml:"policy"`
}

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RemoteTool is one tool advertised by a server via tools/list.
type RemoteTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools []RemoteTool `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one element of a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the decoded result of tools/call.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text flattens the textual content of a call result.
func (r *CallResult) Text() string {
	out := ""
	for _, block := range r.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}
