// ABOUTME: HTTP client for the chat, conversation and message-listing endpoints
// ABOUTME: JSON in and out, bearer credential attached when one is available

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/coven-stream/internal/auth"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 8192

// Paths are the endpoint paths relative to the base URL. Messages must
// contain the {id} placeholder.
type Paths struct {
	Chat          string
	Conversations string
	Messages      string
	Stream        string
}

// DefaultPaths returns the standard endpoint layout.
func DefaultPaths() Paths {
	return Paths{
		Chat:          "/api/chat",
		Conversations: "/api/conversations",
		Messages:      "/api/conversations/{id}/messages",
		Stream:        "/api/chat/stream",
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client talks to the collaborator endpoints.
type Client struct {
	baseURL    string
	paths      Paths
	httpClient *http.Client
	creds      auth.CredentialSource
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPaths overrides DefaultPaths. Empty fields keep their default.
func WithPaths(p Paths) Option {
	return func(c *Client) {
		if p.Chat != "" {
			c.paths.Chat = p.Chat
		}
		if p.Conversations != "" {
			c.paths.Conversations = p.Conversations
		}
		if p.Messages != "" {
			c.paths.Messages = p.Messages
		}
		if p.Stream != "" {
			c.paths.Stream = p.Stream
		}
	}
}

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With("component", "api")
		}
	}
}

// NewClient creates a client for baseURL. creds may be nil for
// unauthenticated deployments.
func NewClient(baseURL string, creds auth.CredentialSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		paths:      DefaultPaths(),
		httpClient: &http.Client{},
		creds:      creds,
		logger:     slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StreamURL is the absolute URL of the event channel endpoint.
func (c *Client) StreamURL() string {
	return c.baseURL + c.paths.Stream
}

// CreateConversation creates a new conversation on the server.
func (c *Client) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, c.paths.Conversations, createConversationRequest{Title: title}, &conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	if conv.ID == "" {
		return nil, fmt.Errorf("creating conversation: response has no id")
	}
	return &conv, nil
}

// SubmitChat posts a user message. The response says whether the answer is
// inline or will arrive through the event channel.
func (c *Client) SubmitChat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.do(ctx, http.MethodPost, c.paths.Chat, req, &resp); err != nil {
		return nil, fmt.Errorf("submitting chat: %w", err)
	}
	return &resp, nil
}

// ListMessages returns the persisted messages of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	path := strings.ReplaceAll(c.paths.Messages, "{id}", url.PathEscape(conversationID))

	var resp listMessagesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return resp.Messages, nil
}

// do performs one JSON request. body may be nil; out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return handleErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	c.logger.Debug("api request completed", "method", method, "path", path, "status", resp.StatusCode)
	return nil
}

// authorize attaches the bearer token. A missing credential sends the
// request anonymously; an expired or unreadable one fails it.
func (c *Client) authorize(req *http.Request) error {
	if c.creds == nil {
		return nil
	}
	token, err := c.creds.Token()
	if errors.Is(err, auth.ErrMissingCredential) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("api credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// handleErrorResponse extracts the error message from a non-2xx response.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp struct {
			Error  string          `json:"error"`
			Detail json.RawMessage `json:"detail"`
		}
		if json.Unmarshal(body, &errResp) == nil {
			if errResp.Error != "" {
				return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
			}
			if msg := detailMessage(errResp.Detail); msg != "" {
				return &APIError{StatusCode: resp.StatusCode, Message: msg}
			}
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// detailMessage accepts a plain string detail or a list of {msg} objects.
func detailMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(raw, &items) == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return string(raw)
}
