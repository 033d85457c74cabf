// ABOUTME: HTTP client for the supportchat gateway implementing the store and feed contracts
// ABOUTME: Lets the lifecycle manager, reconciler and viewer run in a process without a database

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/feed"
	"github.com/2389/supportchat/internal/lifecycle"
	"github.com/2389/supportchat/internal/store"
)

// DefaultTimeout bounds a single non-streaming request.
const DefaultTimeout = 15 * time.Second

var (
	// ErrGateway wraps every non-2xx answer that has no store equivalent.
	ErrGateway = errors.New("gateway error")

	// ErrUnauthorized is returned for 401 and 403 answers.
	ErrUnauthorized = errors.New("not authorized")
)

// StatusError carries a non-2xx gateway answer.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status to a sentinel so callers can use errors.Is with
// store.ErrNotFound.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	return ErrGateway
}

// Client talks to one gateway.
type Client struct {
	http    *resty.Client
	stream  *resty.Client
	baseURL string
	token   string
	useWS   bool
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout. Feed streams are not bounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithToken sends an operator bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
		c.http.SetAuthToken(token)
		c.stream.SetAuthToken(token)
	}
}

// WithResponderSecret sends the automation engine secret, needed for the
// history routes.
func WithResponderSecret(secret string) Option {
	return func(c *Client) {
		c.http.SetHeader(api.HeaderResponderSecret, secret)
	}
}

// WithWebSocket makes Subscribe use the WebSocket feed instead of SSE.
func WithWebSocket() Option {
	return func(c *Client) {
		c.useWS = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With("component", "remote")
	}
}

// New creates a client for the gateway at baseURL, e.g. http://127.0.0.1:8080.
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(DefaultTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "supportchat/1.0").
			SetError(&api.Error{}),
		stream: resty.New().
			SetBaseURL(baseURL).
			SetHeader("User-Agent", "supportchat/1.0"),
		baseURL: baseURL,
		logger:  slog.Default().With("component", "remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// check turns a transport error or non-2xx answer into an error.
func check(resp *resty.Response, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	msg := ""
	if e, ok := resp.Error().(*api.Error); ok && e != nil {
		msg = e.Error
	}
	if msg == "" {
		msg = truncate(resp.String(), 256)
	}
	return fmt.Errorf("%s: %w", what, &StatusError{StatusCode: resp.StatusCode(), Message: msg})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx)
}

// Ready returns the gateway's readiness answer, e.g. "ready".
func (c *Client) Ready(ctx context.Context) (string, error) {
	resp, err := c.request(ctx).Get("/health/ready")
	if err := check(resp, err, "checking readiness"); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.String()), nil
}

// CreateSession inserts a session row. A 409 maps to store.ErrDuplicateSession.
// Server-assigned timestamps are copied back into session.
func (c *Client) CreateSession(ctx context.Context, session *store.Session) error {
	var out api.Session
	resp, err := c.request(ctx).
		SetBody(api.FromSession(session)).
		SetResult(&out).
		Post("/api/sessions")
	if err == nil && resp.StatusCode() == http.StatusConflict {
		return store.ErrDuplicateSession
	}
	if err := check(resp, err, "creating session"); err != nil {
		return err
	}
	session.CreatedAt = out.CreatedAt
	session.UpdatedAt = out.UpdatedAt
	return nil
}

// GetSession reads one session.
func (c *Client) GetSession(ctx context.Context, id string) (*store.Session, error) {
	var out api.Session
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/api/sessions/{id}")
	if err := check(resp, err, "getting session"); err != nil {
		return nil, err
	}
	return out.Store(), nil
}

// UpdateSession applies a partial update.
func (c *Client) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) (*store.Session, error) {
	body := api.PatchSessionRequest{Status: patch.Status, Metadata: patch.Metadata}
	if !patch.UpdatedAt.IsZero() {
		body.UpdatedAt = &patch.UpdatedAt
	}

	var out api.Session
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetBody(body).
		SetResult(&out).
		Patch("/api/sessions/{id}")
	if err := check(resp, err, "updating session"); err != nil {
		return nil, err
	}
	return out.Store(), nil
}

// ListSessions queries sessions. The gateway requires filter.VisitorID.
func (c *Client) ListSessions(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	req := c.request(ctx)
	if filter.VisitorID != "" {
		req.SetQueryParam("visitor_id", filter.VisitorID)
	}
	if filter.ChatbotID != "" {
		req.SetQueryParam("chatbot_id", filter.ChatbotID)
	}
	if filter.Status != "" {
		req.SetQueryParam("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(filter.Limit))
	}

	var out api.SessionList
	resp, err := req.SetResult(&out).Get("/api/sessions")
	if err := check(resp, err, "listing sessions"); err != nil {
		return nil, err
	}

	sessions := make([]*store.Session, len(out.Sessions))
	for i, s := range out.Sessions {
		sessions[i] = s.Store()
	}
	return sessions, nil
}

// InsertMessage posts a visitor message. The gateway assigns id and time and
// publishes the insert on the session feed.
func (c *Client) InsertMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	var out api.Message
	resp, err := c.request(ctx).
		SetPathParam("id", msg.SessionID).
		SetBody(api.InsertMessageRequest{
			Role:     msg.Role,
			Content:  msg.Content,
			Metadata: msg.Metadata,
		}).
		SetResult(&out).
		Post("/api/sessions/{id}/messages")
	if err := check(resp, err, "inserting message"); err != nil {
		return nil, err
	}
	return out.Message(), nil
}

// ListMessages returns a session's messages oldest first.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int) ([]*store.Message, error) {
	req := c.request(ctx).SetPathParam("id", sessionID)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	var out api.MessageList
	resp, err := req.SetResult(&out).Get("/api/sessions/{id}/messages")
	if err := check(resp, err, "listing messages"); err != nil {
		return nil, err
	}

	msgs := make([]*store.Message, len(out.Messages))
	for i, m := range out.Messages {
		msgs[i] = m.Message()
	}
	return msgs, nil
}

// AppendHistory records an automation context turn. Needs WithResponderSecret
// when the gateway has one configured.
func (c *Client) AppendHistory(ctx context.Context, entry *store.HistoryEntry) error {
	resp, err := c.request(ctx).
		SetPathParam("id", entry.SessionID).
		SetBody(api.HistoryEntry{Role: entry.Role, Content: entry.Content, CreatedAt: entry.CreatedAt}).
		Post("/api/sessions/{id}/history")
	return check(resp, err, "appending history")
}

// ListHistory reads the automation context window.
func (c *Client) ListHistory(ctx context.Context, sessionID string) ([]*store.HistoryEntry, error) {
	var out api.HistoryList
	resp, err := c.request(ctx).
		SetPathParam("id", sessionID).
		SetResult(&out).
		Get("/api/sessions/{id}/history")
	if err := check(resp, err, "listing history"); err != nil {
		return nil, err
	}

	entries := make([]*store.HistoryEntry, len(out.Entries))
	for i, e := range out.Entries {
		entries[i] = &store.HistoryEntry{SessionID: sessionID, Role: e.Role, Content: e.Content, CreatedAt: e.CreatedAt}
	}
	return entries, nil
}

// PurgeHistory drops the automation context window.
func (c *Client) PurgeHistory(ctx context.Context, sessionID string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", sessionID).
		Delete("/api/sessions/{id}/history")
	return check(resp, err, "purging history")
}

// Beacon asks the gateway to end the session. The gateway answers before
// the update lands and finishes it on its own, so this returns quickly even
// while the process is exiting.
func (c *Client) Beacon(ctx context.Context, sessionID string, reason lifecycle.Reason) error {
	resp, err := c.request(ctx).
		SetPathParam("id", sessionID).
		SetBody(api.EndSessionRequest{Reason: string(reason)}).
		Post("/api/sessions/{id}/end")
	return check(resp, err, "ending session")
}

// GetChatbot reads a chatbot from the public registry route.
func (c *Client) GetChatbot(ctx context.Context, id string) (*store.Chatbot, error) {
	var out api.Chatbot
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/api/chatbots/{id}")
	if err := check(resp, err, "getting chatbot"); err != nil {
		return nil, err
	}
	return out.Store(), nil
}

var (
	_ store.SessionStore      = (*Client)(nil)
	_ store.MessageStore      = (*Client)(nil)
	_ store.HistoryStore      = (*Client)(nil)
	_ lifecycle.Store         = (*Client)(nil)
	_ lifecycle.Beaconer      = (*Client)(nil)
	_ lifecycle.ChatbotLookup = (*Client)(nil)
	_ feed.Subscriber         = (*Client)(nil)
)
