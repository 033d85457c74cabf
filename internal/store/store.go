// ABOUTME: Store interfaces and data types for supportchat persistence
// ABOUTME: Defines Session, Message, automation history and the store contracts

package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// ErrDuplicateMessage is returned when a message id is already stored
var ErrDuplicateMessage = errors.New("message already exists")

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned" // reserved for timeout-based reaping
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusAbandoned:
		return true
	}
	return false
}

// CanTransition reports whether a session may move from s to next.
// Status only moves forward, except for the explicit completed -> active
// reactivation. Staying in the same state is always allowed.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case SessionStatusActive:
		return next == SessionStatusCompleted || next == SessionStatusAbandoned
	case SessionStatusCompleted:
		return next == SessionStatusActive
	}
	return false
}

// Role identifies the author class of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Platform tags used by the widget.
const (
	PlatformWeb = "web"
	PlatformCLI = "cli"
)

// Session is one continuous conversation between a visitor and a chatbot.
// The ID is client-generated and never changes after creation.
type Session struct {
	ID        string
	ChatbotID string
	VisitorID string
	Platform  string
	Status    SessionStatus
	Metadata  SessionMetadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionPatch describes a partial session update. Nil fields are left alone;
// Metadata is merged key by key into the stored metadata.
type SessionPatch struct {
	Status    *SessionStatus
	Metadata  *SessionMetadata
	UpdatedAt time.Time // zero means now
}

// SessionFilter selects sessions. Empty fields do not filter.
type SessionFilter struct {
	VisitorID string
	ChatbotID string
	Status    SessionStatus
	Limit     int
}

// Message is an immutable chat message belonging to a session.
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	Metadata  MessageMetadata
	CreatedAt time.Time
}

// IsAgentIntervention reports whether a human operator wrote the message.
func (m *Message) IsAgentIntervention() bool {
	return m.Metadata.AgentIntervention
}

// SortMessages orders messages by creation time, ties broken by ID.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return MessageLess(msgs[i], msgs[j])
	})
}

// MessageLess is the canonical message order.
func MessageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// HistoryEntry is a turn in the automation engine's private context window.
// It is keyed by session ID and purged when the session ends.
type HistoryEntry struct {
	SessionID string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// SessionStore defines session persistence
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
}

// MessageStore defines message persistence.
// InsertMessage assigns the server ID and creation time when they are empty
// and returns the stored message.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *Message) (*Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)
}

// HistoryStore holds the automation engine's per-session context window.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, sessionID string) ([]*HistoryEntry, error)
	PurgeHistory(ctx context.Context, sessionID string) error
}

// StatsStore provides the aggregate queries used by the dashboard stats.
type StatsStore interface {
	CountSessions(ctx context.Context, status SessionStatus) (int, error)
	CountMessagesSince(ctx context.Context, since time.Time) (int, error)
}

// Store combines every store interface.
type Store interface {
	SessionStore
	MessageStore
	HistoryStore
	StatsStore
	ChatbotStore

	// Ping checks the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
