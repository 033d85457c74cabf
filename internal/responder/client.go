// ABOUTME: HTTP client for the automation engine webhook that produces chatbot replies
// ABOUTME: Non-2xx responses fail the turn; replies may also arrive later via the message feed

package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/supportchat/internal/metrics"
)

// ErrResponder is wrapped by every failure of a webhook call.
var ErrResponder = errors.New("automation responder failed")

// DefaultTimeout bounds a single webhook call.
const DefaultTimeout = 30 * time.Second

// RequestMetadata is sent alongside each user message.
type RequestMetadata struct {
	Platform  string `json:"platform"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Request is the webhook request body.
type Request struct {
	Message          string          `json:"message"`
	SessionID        string          `json:"sessionId"`
	ChatbotID        string          `json:"chatbotId"`
	UserIdentifier   string          `json:"userIdentifier"`
	KnowledgeBaseIDs []string        `json:"knowledgeBaseIds,omitempty"`
	Metadata         RequestMetadata `json:"metadata"`
}

// ResponseMetadata carries optional reply annotations.
type ResponseMetadata struct {
	Sources         []string `json:"sources,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	HandoffRequired bool     `json:"handoffRequired,omitempty"`
}

// Response is the webhook reply. MessageID is set when the engine also
// persisted the reply, in which case the same message will be pushed on the
// feed under that id.
type Response struct {
	Response  string            `json:"response"`
	SessionID string            `json:"sessionId"`
	MessageID string            `json:"messageId,omitempty"`
	Metadata  *ResponseMetadata `json:"metadata,omitempty"`
}

// StatusError is returned for non-2xx webhook responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("automation responder returned status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrResponder
}

// Responder produces a reply for one user turn.
type Responder interface {
	Respond(ctx context.Context, req *Request) (*Response, error)
}

// Client calls the automation webhook over HTTP.
type Client struct {
	http   *resty.Client
	url    string
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithHeader adds a header to every webhook call, e.g. a shared secret.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.http.SetHeader(key, value)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With("component", "responder")
	}
}

// NewClient creates a webhook client for url.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetTimeout(DefaultTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "supportchat/1.0"),
		url:    url,
		logger: slog.Default().With("component", "responder"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Respond posts the user turn and returns the synchronous reply.
func (c *Client) Respond(ctx context.Context, req *Request) (*Response, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: webhook url not configured", ErrResponder)
	}
	if req.Metadata.Timestamp == "" {
		req.Metadata.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	start := time.Now()
	var result Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post(c.url)
	if err != nil {
		metrics.ResponderDuration.WithLabelValues("transport_error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: calling webhook: %w", ErrResponder, err)
	}

	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		metrics.ResponderDuration.WithLabelValues("status_error").Observe(time.Since(start).Seconds())
		c.logger.Warn("webhook returned error status",
			"session_id", req.SessionID,
			"status", resp.StatusCode())
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}

	metrics.ResponderDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	c.logger.Debug("webhook replied",
		"session_id", req.SessionID,
		"message_id", result.MessageID,
		"duration", time.Since(start))
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Responder = (*Client)(nil)
