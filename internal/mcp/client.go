package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ponchohq/poncho/internal/tools/policy"
)

const sessionHeader = "Mcp-Session-Id"

var (
	// ErrAuthFailed marks a server that answered 401. The flag is sticky:
	// discovery skips the server until restart.
	ErrAuthFailed = errors.New("tool server authentication failed")

	// ErrPermissionDenied maps HTTP 403 on a call.
	ErrPermissionDenied = errors.New("permission denied by tool server")

	// ErrUnavailable marks a server whose bearer token env var is unset.
	ErrUnavailable = errors.New("tool server unavailable")
)

// Client speaks the streamable HTTP protocol with one server. Initialization
// is serialized; afterwards requests may be pipelined, each with its own
// timeout and unique JSON-RPC id.
type Client struct {
	cfg    ServerConfig
	http   *http.Client
	logger *slog.Logger

	nextID atomic.Int64

	initMu      sync.Mutex
	initialized bool

	sessMu    sync.Mutex
	sessionID string

	authFailed atomic.Bool
}

// NewClient builds a client for one server.
func NewClient(cfg ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger.With("server", cfg.Name),
	}
}

// Name returns the server name used for namespacing.
func (c *Client) Name() string { return c.cfg.Name }

// Policy returns the server's tool policy, nil when unrestricted.
func (c *Client) Policy() *policy.Policy { return c.cfg.Policy }

// AuthFailed reports the sticky 401 flag.
func (c *Client) AuthFailed() bool { return c.authFailed.Load() }

// token resolves the bearer token. An empty AuthEnv means no auth; a named
// but unset env var makes the server unavailable.
func (c *Client) token() (string, error) {
	if c.cfg.AuthEnv == "" {
		return "", nil
	}
	token := os.Getenv(c.cfg.AuthEnv)
	if token == "" {
		c.logger.Warn("auth token missing, server disabled",
			"event", "auth.token_missing", "env", c.cfg.AuthEnv)
		return "", fmt.Errorf("%w: env %s is not set", ErrUnavailable, c.cfg.AuthEnv)
	}
	return token, nil
}

// Initialize opens the session: initialize request, capture of the session
// id header, then the initialized notification. Idempotent.
func (c *Client) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}
	if c.authFailed.Load() {
		return ErrAuthFailed
	}
	if _, err := c.token(); err != nil {
		return err
	}

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "poncho", "version": "1.0.0"},
	}
	if _, err := c.post(ctx, "initialize", params, false); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if _, err := c.post(ctx, "notifications/initialized", nil, true); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	c.initialized = true
	return nil
}

// ListTools runs tools/list.
func (c *Client) ListTools(ctx context.Context) ([]RemoteTool, error) {
	raw, err := c.post(ctx, "tools/list", nil, false)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	return result.Tools, nil
}

// CallTool runs tools/call for the named tool.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	raw, err := c.post(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, false)
	if err != nil {
		return nil, err
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call: %w", err)
	}
	return &result, nil
}

// Close releases the session with a best-effort DELETE; failures are
// swallowed.
func (c *Client) Close(ctx context.Context) {
	c.initMu.Lock()
	c.initialized = false
	c.initMu.Unlock()

	c.sessMu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.sessMu.Unlock()
	if sessionID == "" {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.URL, nil)
	if err != nil {
		return
	}
	req.Header.Set(sessionHeader, sessionID)
	if token, err := c.token(); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("session delete failed", "error", err)
		return
	}
	resp.Body.Close()
}

// post sends one JSON-RPC request. notify suppresses the id (JSON-RPC
// notification). The response may be 202, a JSON body, or an SSE stream;
// results are matched by id.
func (c *Client) post(ctx context.Context, method string, params any, notify bool) (json.RawMessage, error) {
	if c.authFailed.Load() {
		return nil, ErrAuthFailed
	}

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rpcReq := jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	var wantID int64
	if !notify {
		wantID = c.nextID.Add(1)
		rpcReq.ID = wantID
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if token, err := c.token(); err != nil {
		return nil, err
	} else if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	c.sessMu.Lock()
	if c.sessionID != "" {
		httpReq.Header.Set(sessionHeader, c.sessionID)
	}
	c.sessMu.Unlock()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", method, err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.sessMu.Lock()
		c.sessionID = sid
		c.sessMu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.authFailed.Store(true)
		c.logger.Error("tool server rejected credentials",
			"event", "auth.failed", "status", resp.StatusCode)
		return nil, ErrAuthFailed
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s %s", ErrPermissionDenied, c.cfg.Name, method)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("post %s: HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if notify {
		return nil, nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return c.readSSEResponse(resp.Body, wantID)
	}
	return decodeRPCResponse(resp.Body, wantID)
}

func decodeRPCResponse(r io.Reader, wantID int64) (json.RawMessage, error) {
	var rpcResp jsonrpcResponse
	if err := json.NewDecoder(r).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return checkRPCResponse(&rpcResp, wantID)
}

// readSSEResponse scans SSE frames for the JSON-RPC response matching the
// request id; unrelated frames are skipped.
func (c *Client) readSSEResponse(r io.Reader, wantID int64) (json.RawMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var data strings.Builder
	flush := func() (json.RawMessage, bool, error) {
		if data.Len() == 0 {
			return nil, false, nil
		}
		payload := data.String()
		data.Reset()

		var rpcResp jsonrpcResponse
		if err := json.Unmarshal([]byte(payload), &rpcResp); err != nil {
			return nil, false, nil // not a response frame
		}
		if !idMatches(rpcResp.ID, wantID) {
			return nil, false, nil
		}
		result, err := checkRPCResponse(&rpcResp, wantID)
		return result, true, err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if result, done, err := flush(); done {
				return result, err
			}
		}
	}
	if result, done, err := flush(); done {
		return result, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sse response: %w", err)
	}
	return nil, fmt.Errorf("sse stream ended without response for id %d", wantID)
}

func idMatches(raw json.RawMessage, wantID int64) bool {
	if len(raw) == 0 {
		return false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		return id == wantID
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var parsed int64
		if _, err := fmt.Sscanf(s, "%d", &parsed); err == nil {
			return parsed == wantID
		}
	}
	return false
}

func checkRPCResponse(resp *jsonrpcResponse, wantID int64) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	if !idMatches(resp.ID, wantID) {
		return nil, fmt.Errorf("response id mismatch (want %d)", wantID)
	}
	return resp.Result, nil
}

// IsTransient reports whether an error from a call is a transient transport
// failure the orchestrator should classify as recoverable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnavailable) {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// POST failures without protocol-level classification are treated as
	// transient so the model can retry.
	return strings.Contains(err.Error(), "post ")
}
