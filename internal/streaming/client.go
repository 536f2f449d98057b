// ABOUTME: StreamingClient opening the analysis event channel over HTTP
// ABOUTME: Sends session context as JSON and hands the response body to a Session read loop

package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-stream/internal/auth"
	"github.com/2389/coven-stream/internal/metrics"
)

// defaultChunkSize is the read buffer for the response body.
const defaultChunkSize = 4096

// Turn is one prior conversation turn sent as session context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the JSON body of the stream request.
type Request struct {
	ConversationID string `json:"conversation_id"`
	History        []Turn `json:"history,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// StatusError is returned by Start when the server rejects the connection.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("stream endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Client opens stream sessions against a single endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	creds      auth.CredentialSource
	metrics    *metrics.Metrics
	logger     *slog.Logger
	chunkSize  int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. The client must not set
// an overall Timeout, since sessions are unbounded.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics records session metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With("component", "streaming")
		}
	}
}

// WithChunkSize sets the read buffer size.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// NewClient creates a streaming client for endpoint.
func NewClient(endpoint string, creds auth.CredentialSource, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		creds:      creds,
		logger:     slog.Default().With("component", "streaming"),
		chunkSize:  defaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start performs the single HTTP exchange of a session and begins reading.
// Precondition failures (missing or expired credential, connect failure,
// non-2xx status) are returned here and no handler is ever invoked. After a
// successful return, events flow to handlers until EOF, failure or Cancel.
// Cancelling ctx cancels the session the same way Cancel does.
func (c *Client) Start(ctx context.Context, req Request, handlers ...Handler) (*Session, error) {
	if c.creds == nil {
		return nil, auth.ErrMissingCredential
	}
	token, err := c.creds.Token()
	if err != nil {
		return nil, fmt.Errorf("stream credential: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(sessCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "connect", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		return nil, statusError(resp)
	}

	s := &Session{
		id:             uuid.New().String(),
		conversationID: req.ConversationID,
		ctx:            sessCtx,
		cancel:         cancel,
		handlers:       handlers,
		metrics:        c.metrics,
		chunkSize:      c.chunkSize,
		done:           make(chan struct{}),
	}
	s.logger = c.logger.With("session_id", s.id, "conversation_id", req.ConversationID)

	c.metrics.SessionStarted()
	s.logger.Debug("stream opened")

	go s.run(resp.Body)
	return s, nil
}

// statusError extracts a short error body from a rejected connect.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &errResp) == nil {
			if errResp.Error != "" {
				return &StatusError{StatusCode: resp.StatusCode, Body: errResp.Error}
			}
			if errResp.Detail != "" {
				return &StatusError{StatusCode: resp.StatusCode, Body: errResp.Detail}
			}
		}
	}

	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
