// ABOUTME: JSON request and response bodies of the gateway HTTP API
// ABOUTME: Shared by the gateway handlers and the remote client

package api

import (
	"time"

	"github.com/2389/supportchat/internal/feed"
	"github.com/2389/supportchat/internal/store"
)

// Header names.
const (
	HeaderResponderSecret = "X-Responder-Secret"
	HeaderIdempotencyKey  = "Idempotency-Key"
)

// SSE event names on /api/sessions/{id}/events.
const (
	EventReady   = "ready"
	EventMessage = "message"
)

// Frame is one WebSocket feed frame. Type is EventReady or EventMessage.
type Frame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Message   *Message `json:"message,omitempty"`
}

// Message is the JSON form of a chat message.
type Message = feed.WireMessage

// Session is the JSON form of a chat session.
type Session struct {
	ID        string                `json:"id"`
	ChatbotID string                `json:"chatbot_id"`
	VisitorID string                `json:"visitor_id"`
	Platform  string                `json:"platform,omitempty"`
	Status    store.SessionStatus   `json:"status"`
	Metadata  store.SessionMetadata `json:"metadata"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// FromSession converts a stored session.
func FromSession(s *store.Session) Session {
	return Session{
		ID:        s.ID,
		ChatbotID: s.ChatbotID,
		VisitorID: s.VisitorID,
		Platform:  s.Platform,
		Status:    s.Status,
		Metadata:  s.Metadata,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// Store converts back to a store session.
func (s Session) Store() *store.Session {
	return &store.Session{
		ID:        s.ID,
		ChatbotID: s.ChatbotID,
		VisitorID: s.VisitorID,
		Platform:  s.Platform,
		Status:    s.Status,
		Metadata:  s.Metadata,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// FromSessions converts a list.
func FromSessions(in []*store.Session) []Session {
	out := make([]Session, len(in))
	for i, s := range in {
		out[i] = FromSession(s)
	}
	return out
}

// FromMessages converts a list.
func FromMessages(in []*store.Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = feed.ToWire(m)
	}
	return out
}

// ResolveRequest is the body of POST /api/sessions/resolve.
type ResolveRequest struct {
	SessionID string                `json:"session_id,omitempty"`
	VisitorID string                `json:"visitor_id,omitempty"`
	ChatbotID string                `json:"chatbot_id"`
	Platform  string                `json:"platform,omitempty"`
	Metadata  store.SessionMetadata `json:"metadata"`
}

// ResolveResponse answers a resolve.
type ResolveResponse struct {
	Session Session `json:"session"`
	Outcome string  `json:"outcome"`
}

// PatchSessionRequest is the body of PATCH /api/sessions/{id}.
type PatchSessionRequest struct {
	Status    *store.SessionStatus   `json:"status,omitempty"`
	Metadata  *store.SessionMetadata `json:"metadata,omitempty"`
	UpdatedAt *time.Time             `json:"updated_at,omitempty"`
}

// Patch converts to a store patch.
func (p PatchSessionRequest) Patch() store.SessionPatch {
	patch := store.SessionPatch{Status: p.Status, Metadata: p.Metadata}
	if p.UpdatedAt != nil {
		patch.UpdatedAt = *p.UpdatedAt
	}
	return patch
}

// SessionList wraps GET /api/sessions.
type SessionList struct {
	Sessions []Session `json:"sessions"`
}

// EndSessionRequest is the optional body of POST /api/sessions/{id}/end.
type EndSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// InsertMessageRequest is the body of POST /api/sessions/{id}/messages.
// The gateway assigns the id and creation time.
type InsertMessageRequest struct {
	Role     store.Role            `json:"role"`
	Content  string                `json:"content"`
	Metadata store.MessageMetadata `json:"metadata"`
}

// MessageList wraps GET /api/sessions/{id}/messages.
type MessageList struct {
	Messages []Message `json:"messages"`
}

// HistoryEntry is the JSON form of an automation history turn.
type HistoryEntry struct {
	Role      store.Role `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
}

// FromHistory converts stored history entries.
func FromHistory(in []*store.HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, len(in))
	for i, e := range in {
		out[i] = HistoryEntry{Role: e.Role, Content: e.Content, CreatedAt: e.CreatedAt}
	}
	return out
}

// HistoryList wraps GET /api/sessions/{id}/history.
type HistoryList struct {
	Entries []HistoryEntry `json:"entries"`
}

// AdminSession is a session row in the operator list.
type AdminSession struct {
	Session
	MessageCount int `json:"message_count"`
}

// AdminSessionList wraps GET /api/admin/sessions.
type AdminSessionList struct {
	Sessions []AdminSession `json:"sessions"`
}

// AdminSessionDetail answers GET /api/admin/sessions/{id}.
type AdminSessionDetail struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}

// AgentMessageRequest is the body of POST /api/admin/sessions/{id}/messages.
type AgentMessageRequest struct {
	Content string `json:"content"`
}

// Chatbot is the JSON form of a registered chatbot.
type Chatbot struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Description      string              `json:"description,omitempty"`
	KnowledgeBaseIDs []string            `json:"knowledge_base_ids"`
	WebhookURL       string              `json:"webhook_url"`
	Config           store.ChatbotConfig `json:"config"`
	IsActive         bool                `json:"is_active"`
	OwnerID          string              `json:"owner_id,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// FromChatbot converts a stored chatbot.
func FromChatbot(c *store.Chatbot) Chatbot {
	kbs := c.KnowledgeBaseIDs
	if kbs == nil {
		kbs = []string{}
	}
	return Chatbot{
		ID:               c.ID,
		Name:             c.Name,
		Description:      c.Description,
		KnowledgeBaseIDs: kbs,
		WebhookURL:       c.WebhookURL,
		Config:           c.Config,
		IsActive:         c.IsActive,
		OwnerID:          c.OwnerID,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

// Store converts back to a store chatbot.
func (c Chatbot) Store() *store.Chatbot {
	return &store.Chatbot{
		ID:               c.ID,
		Name:             c.Name,
		Description:      c.Description,
		KnowledgeBaseIDs: c.KnowledgeBaseIDs,
		WebhookURL:       c.WebhookURL,
		Config:           c.Config,
		IsActive:         c.IsActive,
		OwnerID:          c.OwnerID,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

// CreateChatbotRequest is the body of POST /api/admin/chatbots.
// IsActive defaults to true.
type CreateChatbotRequest struct {
	ID               string              `json:"id,omitempty"`
	Name             string              `json:"name"`
	Description      string              `json:"description,omitempty"`
	KnowledgeBaseIDs []string            `json:"knowledge_base_ids,omitempty"`
	WebhookURL       string              `json:"webhook_url"`
	Config           store.ChatbotConfig `json:"config"`
	IsActive         *bool               `json:"is_active,omitempty"`
}

// Chatbot converts to a store chatbot owned by ownerID.
func (r CreateChatbotRequest) Chatbot(ownerID string) *store.Chatbot {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &store.Chatbot{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		KnowledgeBaseIDs: r.KnowledgeBaseIDs,
		WebhookURL:       r.WebhookURL,
		Config:           r.Config,
		IsActive:         active,
		OwnerID:          ownerID,
	}
}

// PatchChatbotRequest is the body of PATCH /api/admin/chatbots/{id}.
type PatchChatbotRequest struct {
	Name             *string              `json:"name,omitempty"`
	Description      *string              `json:"description,omitempty"`
	KnowledgeBaseIDs *[]string            `json:"knowledge_base_ids,omitempty"`
	WebhookURL       *string              `json:"webhook_url,omitempty"`
	Config           *store.ChatbotConfig `json:"config,omitempty"`
	IsActive         *bool                `json:"is_active,omitempty"`
}

// Patch converts to a store patch.
func (p PatchChatbotRequest) Patch() store.ChatbotPatch {
	return store.ChatbotPatch{
		Name:             p.Name,
		Description:      p.Description,
		KnowledgeBaseIDs: p.KnowledgeBaseIDs,
		WebhookURL:       p.WebhookURL,
		Config:           p.Config,
		IsActive:         p.IsActive,
	}
}

// AdminChatbot is a chatbot row in the operator list.
type AdminChatbot struct {
	Chatbot
	ChatCount    int        `json:"chat_count"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// AdminChatbotList wraps GET /api/admin/chatbots.
type AdminChatbotList struct {
	Chatbots []AdminChatbot `json:"chatbots"`
}

// Status is the body of accepted-but-not-applied answers, e.g. a
// duplicate responder callback or a queued session end.
type Status struct {
	Status string `json:"status"`
}

// Error is every non-2xx body.
type Error struct {
	Error string `json:"error"`
}
