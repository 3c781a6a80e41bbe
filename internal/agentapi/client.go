// Package agentapi is an HTTP client for the agent backend's REST and
// server-sent-events API.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/agentlink/internal/types"
)

// Client talks to one agent backend endpoint.
type Client struct {
	baseURL    string
	directory  string
	username   string
	password   string
	httpClient *http.Client

	// streamClient has no overall timeout; the event stream is long-lived
	// and ends through context cancellation.
	streamClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDirectory scopes every request to a project directory.
func WithDirectory(dir string) Option {
	return func(c *Client) { c.directory = dir }
}

// WithBasicAuth sends credentials on every request. An empty password
// disables auth.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// New creates a client for baseURL, e.g. "http://127.0.0.1:4096".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the endpoint this client was built for.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health is the body of GET /global/health.
type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// CreateSessionRequest is the body of POST /session.
type CreateSessionRequest struct {
	Title    string          `json:"title,omitempty"`
	ParentID types.SessionID `json:"parentID,omitempty"`
}

// PromptPart is one input part of a prompt.
type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest is the body of POST /session/{id}/prompt_async.
type PromptRequest struct {
	Parts []PromptPart    `json:"parts"`
	Model *types.ModelRef `json:"model,omitempty"`
}

// TextPrompt builds a single text-part prompt.
func TextPrompt(text string, model *types.ModelRef) PromptRequest {
	return PromptRequest{
		Parts: []PromptPart{{Type: string(types.PartText), Text: text}},
		Model: model,
	}
}

// Health probes the backend. A response reporting healthy=false is an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/global/health", nil, &h); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	if !h.Healthy {
		return nil, fmt.Errorf("health check: backend reports unhealthy")
	}
	return &h, nil
}

// ListSessions returns all sessions known to the backend.
func (c *Client) ListSessions(ctx context.Context) ([]types.Session, error) {
	var sessions []types.Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession creates a new session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*types.Session, error) {
	var s types.Session
	if err := c.do(ctx, http.MethodPost, "/session", req, &s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &s, nil
}

// UpdateSession renames a session.
func (c *Client) UpdateSession(ctx context.Context, id types.SessionID, title string) (*types.Session, error) {
	var s types.Session
	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPatch, "/session/"+url.PathEscape(string(id)), body, &s); err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	return &s, nil
}

// DeleteSession deletes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, id types.SessionID) error {
	if err := c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(string(id)), nil, nil); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ListMessages returns a session's history, oldest first.
func (c *Client) ListMessages(ctx context.Context, id types.SessionID) ([]types.Message, error) {
	var msgs []types.Message
	path := "/session/" + url.PathEscape(string(id)) + "/message"
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("list messages %s: %w", id, err)
	}
	return msgs, nil
}

// SendMessage submits a prompt without waiting for the reply; the reply
// arrives as events. A 2xx body reporting failure is returned as *APIError.
func (c *Client) SendMessage(ctx context.Context, id types.SessionID, req PromptRequest) error {
	path := "/session/" + url.PathEscape(string(id)) + "/prompt_async"
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Abort stops the running turn of a session.
func (c *Client) Abort(ctx context.Context, id types.SessionID) error {
	path := "/session/" + url.PathEscape(string(id)) + "/abort"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("abort session %s: %w", id, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if c.directory != "" {
		u += "?" + url.Values{"directory": {c.directory}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.password != "" {
		user := c.username
		if user == "" {
			user = "agent"
		}
		req.SetBasicAuth(user, c.password)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := CheckResponse(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
