// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session        // keyed by session ID
	messages map[string][]*Message      // keyed by session ID
	history  map[string][]*HistoryEntry // keyed by session ID
	chatbots map[string]*Chatbot

	// Now is used for server-assigned timestamps when set.
	Now func() time.Time

	// Hooks let tests inject failures into specific operations.
	InsertMessageErr error
	UpdateSessionErr error
	PingErr          error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		history:  make(map[string][]*HistoryEntry),
		chatbots: make(map[string]*Chatbot),
	}
}

func (m *MockStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return ErrDuplicateSession
	}

	if session.CreatedAt.IsZero() {
		session.CreatedAt = m.now()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	if session.Platform == "" {
		session.Platform = PlatformWeb
	}

	// Make a copy to avoid external modification
	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *s
	return &result, nil
}

// UpdateSession applies a patch to a stored session.
func (m *MockStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateSessionErr != nil {
		return nil, m.UpdateSessionErr
	}

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.Metadata != nil {
		s.Metadata = s.Metadata.Merge(*patch.Metadata)
	}
	s.UpdatedAt = patch.UpdatedAt
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.now()
	}

	result := *s
	return &result, nil
}

// ListSessions returns sessions matching the filter, most recently updated first.
func (m *MockStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if filter.VisitorID != "" && s.VisitorID != filter.VisitorID {
			continue
		}
		if filter.ChatbotID != "" && s.ChatbotID != filter.ChatbotID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}

	sortSessionsByUpdated(result)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortSessionsByUpdated(sessions []*Session) {
	for i := 1; i < len(sessions); i++ {
		for j := i; j > 0; j-- {
			a, b := sessions[j-1], sessions[j]
			if a.UpdatedAt.After(b.UpdatedAt) || (a.UpdatedAt.Equal(b.UpdatedAt) && a.ID < b.ID) {
				break
			}
			sessions[j-1], sessions[j] = b, a
		}
	}
}

// InsertMessage stores a message, assigning its ID and timestamp when absent.
func (m *MockStore) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertMessageErr != nil {
		return nil, m.InsertMessageErr
	}

	if _, ok := m.sessions[msg.SessionID]; !ok {
		return nil, ErrNotFound
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	for _, msgs := range m.messages {
		for _, existing := range msgs {
			if existing.ID == stored.ID {
				return nil, ErrDuplicateMessage
			}
		}
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	stored.CreatedAt = stored.CreatedAt.UTC()

	m.messages[stored.SessionID] = append(m.messages[stored.SessionID], &stored)
	SortMessages(m.messages[stored.SessionID])

	result := stored
	return &result, nil
}

// ListMessages retrieves messages for a session in chronological order.
// If limit > 0, only the most recent `limit` messages are returned.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		result[i] = &cp
	}
	return result, nil
}

// AppendHistory records a context window turn.
func (m *MockStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *entry
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.history[e.SessionID] = append(m.history[e.SessionID], &e)
	return nil
}

// ListHistory returns a session's context window oldest first.
func (m *MockStore) ListHistory(ctx context.Context, sessionID string) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[sessionID]
	result := make([]*HistoryEntry, len(entries))
	for i, e := range entries {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

// PurgeHistory deletes a session's context window.
func (m *MockStore) PurgeHistory(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.history, sessionID)
	return nil
}

// CountSessions counts sessions with the given status, or all if empty.
func (m *MockStore) CountSessions(ctx context.Context, status SessionStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions {
		if status == "" || s.Status == status {
			count++
		}
	}
	return count, nil
}

// CountMessagesSince counts messages created at or after since.
func (m *MockStore) CountMessagesSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if !msg.CreatedAt.Before(since) {
				count++
			}
		}
	}
	return count, nil
}

func copyChatbot(c *Chatbot) *Chatbot {
	cp := *c
	cp.KnowledgeBaseIDs = append([]string{}, c.KnowledgeBaseIDs...)
	if c.Config.Appearance != nil {
		a := *c.Config.Appearance
		cp.Config.Appearance = &a
	}
	return &cp
}

// CreateChatbot stores a chatbot, assigning its ID when empty.
func (m *MockStore) CreateChatbot(ctx context.Context, bot *Chatbot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := prepareChatbot(bot, m.now()); err != nil {
		return err
	}
	if _, exists := m.chatbots[bot.ID]; exists {
		return ErrDuplicateChatbot
	}
	m.chatbots[bot.ID] = copyChatbot(bot)
	return nil
}

// GetChatbot retrieves a chatbot by ID.
func (m *MockStore) GetChatbot(ctx context.Context, id string) (*Chatbot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chatbots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyChatbot(c), nil
}

// UpdateChatbot applies a patch to a stored chatbot.
func (m *MockStore) UpdateChatbot(ctx context.Context, id string, patch ChatbotPatch) (*Chatbot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chatbots[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated, err := patch.Apply(c)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = m.now()
	m.chatbots[id] = updated
	return copyChatbot(updated), nil
}

// ListChatbots returns every chatbot, newest first.
func (m *MockStore) ListChatbots(ctx context.Context) ([]*Chatbot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Chatbot, 0, len(m.chatbots))
	for _, c := range m.chatbots {
		result = append(result, copyChatbot(c))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// DeleteChatbot removes a chatbot. Its sessions are kept.
func (m *MockStore) DeleteChatbot(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chatbots[id]; !ok {
		return ErrNotFound
	}
	delete(m.chatbots, id)
	return nil
}

// ChatbotUsage aggregates sessions by chatbot id.
func (m *MockStore) ChatbotUsage(ctx context.Context) (map[string]ChatbotUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := make(map[string]ChatbotUsage)
	for _, s := range m.sessions {
		u := usage[s.ChatbotID]
		u.SessionCount++
		if s.UpdatedAt.After(u.LastActivity) {
			u.LastActivity = s.UpdatedAt
		}
		usage[s.ChatbotID] = u
	}
	return usage, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
