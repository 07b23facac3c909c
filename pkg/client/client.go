// Package client is the Go client for the poncho HTTP API. It wraps the
// conversation endpoints, parses SSE run streams, and transparently follows
// step-budget continuations.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ponchohq/poncho/pkg/models"
)

// continueMessage resumes a run that stopped on its step budget.
const continueMessage = "Continue"

// DefaultMaxContinues bounds automatic continuation-following.
const DefaultMaxContinues = 10

// APIError is a non-2xx response decoded from the server's error shape.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Client talks to one poncho server.
type Client struct {
	baseURL      string
	http         *http.Client
	token        string
	maxContinues int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithMaxContinues bounds how many continuation segments SendMessage follows.
// Zero disables continuation-following.
func WithMaxContinues(n int) Option {
	return func(c *Client) { c.maxContinues = n }
}

// New builds a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         http.DefaultClient,
		maxContinues: DefaultMaxContinues,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doJSON performs a request and decodes a JSON response into out (which may
// be nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "unknown"}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateConversation starts a new conversation.
func (c *Client) CreateConversation(ctx context.Context, title string) (*models.Conversation, error) {
	var out struct {
		Conversation *models.Conversation `json:"conversation"`
	}
	body := map[string]string{"title": title}
	if err := c.doJSON(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

// GetConversation fetches a full conversation.
func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var out struct {
		Conversation *models.Conversation `json:"conversation"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations/"+id, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

// ListConversations lists conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var out struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// SetTitle renames a conversation.
func (c *Client) SetTitle(ctx context.Context, id, title string) error {
	return c.doJSON(ctx, http.MethodPatch, "/api/conversations/"+id, map[string]string{"title": title}, nil)
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/conversations/"+id, nil, nil)
}

// Stop cancels the conversation's live run. Returns whether a run was
// actually stopped.
func (c *Client) Stop(ctx context.Context, conversationID, runID string) (bool, error) {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	body := map[string]string{"runId": runID}
	err := c.doJSON(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/stop", body, &out)
	return out.Stopped, err
}

// ResolveApproval settles a pending gated tool call.
func (c *Client) ResolveApproval(ctx context.Context, approvalID string, approved bool) error {
	body := map[string]bool{"approved": approved}
	return c.doJSON(ctx, http.MethodPost, "/api/approvals/"+approvalID, body, nil)
}

// Input is one message send.
type Input struct {
	Message    string         `json:"message"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Result aggregates a run across continuation segments.
type Result struct {
	models.RunResult

	// Segments is how many runs the message took (1 plus followed
	// continuations).
	Segments int
}

// SendMessage posts a message and blocks until the run (and any followed
// continuations) completes.
func (c *Client) SendMessage(ctx context.Context, conversationID string, in Input) (*Result, error) {
	total := &Result{}
	payload := in
	for {
		result, err := c.runSegment(ctx, conversationID, payload)
		if err != nil {
			return nil, err
		}
		total.Segments++
		total.RunID = result.RunID
		total.ConversationID = conversationID
		total.Response = result.Response
		total.Status = result.Status
		total.Continuation = result.Continuation
		total.MaxSteps = result.MaxSteps
		total.Steps += result.Steps
		total.Usage.Add(result.Usage)

		if !result.Continuation || total.Segments > c.maxContinues {
			return total, nil
		}
		payload = Input{Message: continueMessage, Parameters: in.Parameters}
	}
}

// runSegment posts one message and consumes its event stream to the
// terminal event.
func (c *Client) runSegment(ctx context.Context, conversationID string, in Input) (*models.RunResult, error) {
	events, err := c.Stream(ctx, conversationID, in)
	if err != nil {
		return nil, err
	}
	var result *models.RunResult
	var runErr error
	for ev := range events {
		switch ev.Type {
		case models.EventRunCompleted:
			var payload models.RunCompletedPayload
			if err := ev.Decode(&payload); err != nil {
				runErr = err
				continue
			}
			result = &payload.Result
		case models.EventRunError:
			var payload models.RunErrorPayload
			_ = ev.Decode(&payload)
			runErr = fmt.Errorf("%s: %s", payload.Code, payload.Message)
		case models.EventRunCancelled:
			var payload models.RunCancelledPayload
			_ = ev.Decode(&payload)
			result = &models.RunResult{RunID: payload.RunID, Status: models.RunCancelled}
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	if result == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("event stream ended without a terminal event")
	}
	return result, nil
}

// Stream posts a message and returns the run's event stream. The channel
// closes after the terminal event or on stream failure.
func (c *Client) Stream(ctx context.Context, conversationID string, in Input) (<-chan models.AgentEvent, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/messages", in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	events := make(chan models.AgentEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		parseSSE(ctx, resp.Body, events)
	}()
	return events, nil
}

// Events attaches to a conversation's live run, replaying buffered events.
func (c *Client) Events(ctx context.Context, conversationID string) (<-chan models.AgentEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/events", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	events := make(chan models.AgentEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		parseSSE(ctx, resp.Body, events)
	}()
	return events, nil
}

// parseSSE decodes `event:`/`data:` frames and forwards them until the body
// ends or ctx is cancelled.
func parseSSE(ctx context.Context, body io.Reader, out chan<- models.AgentEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventName, data string
	flush := func() bool {
		if eventName == "" {
			return true
		}
		ev := models.AgentEvent{
			Type: models.EventType(eventName),
			Raw:  json.RawMessage(data),
		}
		eventName, data = "", ""
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	flush()
}
