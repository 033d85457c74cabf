// ABOUTME: Session lifecycle: resolve-or-create, termination and unload-safe ending
// ABOUTME: Keeps at most one active session per visitor and always retries a failed end once

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/supportchat/internal/metrics"
	"github.com/2389/supportchat/internal/store"
)

var (
	// ErrSessionAbandoned is returned when resolving a session that was reaped.
	// Abandoned sessions are never reactivated.
	ErrSessionAbandoned = errors.New("session is abandoned")

	// ErrSessionConflict is returned when a session id is owned by another visitor.
	ErrSessionConflict = errors.New("session belongs to a different visitor")

	// ErrInvalidRequest is returned when a resolve request lacks a chatbot id.
	ErrInvalidRequest = errors.New("invalid resolve request")

	// ErrUnknownChatbot is returned when the chatbot id is not registered.
	ErrUnknownChatbot = errors.New("unknown chatbot")

	// ErrChatbotInactive is returned when the chatbot has been switched off.
	ErrChatbotInactive = errors.New("chatbot is inactive")
)

// Reason records why a session ended.
type Reason string

const (
	ReasonNewSession    Reason = "new_session"
	ReasonBrowserClosed Reason = "browser_closed"
	ReasonUserClosed    Reason = "user_closed"
	ReasonTimeout       Reason = "timeout"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonNewSession, ReasonBrowserClosed, ReasonUserClosed, ReasonTimeout:
		return true
	}
	return false
}

// Outcome describes what ResolveOrCreate did.
type Outcome string

const (
	OutcomeCreated     Outcome = "created"
	OutcomeReused      Outcome = "reused"
	OutcomeReactivated Outcome = "reactivated"
)

// Store is the persistence the manager needs.
type Store interface {
	store.SessionStore
	store.HistoryStore
}

// ChatbotLookup reads the chatbot registry.
type ChatbotLookup interface {
	GetChatbot(ctx context.Context, id string) (*store.Chatbot, error)
}

// Beaconer sends a single end-session request that the receiving side
// completes on its own. Stores that talk to a remote gateway implement it so
// unload does not depend on this process staying alive for the full
// terminate sequence.
type Beaconer interface {
	Beacon(ctx context.Context, sessionID string, reason Reason) error
}

// Config tunes the manager. Zero values pick defaults.
type Config struct {
	// RetryDelay is the pause before the single retry of a failed status update.
	RetryDelay time.Duration
	// UnloadTimeout bounds detached unload work.
	UnloadTimeout time.Duration
	// MaxParallelTerminations bounds concurrent stale-session ends on resolve.
	MaxParallelTerminations int
	// Now overrides the clock for end timestamps.
	Now func() time.Time
	// Chatbots, when set, makes resolve reject unknown and inactive bots.
	Chatbots ChatbotLookup
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.UnloadTimeout <= 0 {
		c.UnloadTimeout = 5 * time.Second
	}
	if c.MaxParallelTerminations <= 0 {
		c.MaxParallelTerminations = 4
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ResolveRequest identifies the session a widget wants to open.
// Empty SessionID or VisitorID are generated.
type ResolveRequest struct {
	SessionID string
	VisitorID string
	ChatbotID string
	Platform  string
	Metadata  store.SessionMetadata
}

// Resolution is the session the widget should use from now on.
type Resolution struct {
	Session *store.Session
	Outcome Outcome
}

// Manager owns session identity and termination.
type Manager struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	unloads sync.WaitGroup
}

// NewManager creates a manager. Pass nil logger for default.
func NewManager(s Store, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "lifecycle"),
	}
}

func (m *Manager) checkChatbot(ctx context.Context, id string) error {
	if m.cfg.Chatbots == nil {
		return nil
	}
	bot, err := m.cfg.Chatbots.GetChatbot(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownChatbot, id)
	}
	if err != nil {
		return fmt.Errorf("looking up chatbot: %w", err)
	}
	if !bot.IsActive {
		return fmt.Errorf("%w: %s", ErrChatbotInactive, id)
	}
	return nil
}

// NewSessionID returns a fresh session identifier. Each widget instance
// generates its own.
func NewSessionID() string {
	return uuid.New().String()
}

// ResolveOrCreate ends every other active session of the visitor, then reuses,
// reactivates or inserts the requested session. Store failures are returned;
// the widget cannot open without a session.
func (m *Manager) ResolveOrCreate(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.ChatbotID == "" {
		return nil, fmt.Errorf("%w: chatbot id is required", ErrInvalidRequest)
	}
	if err := m.checkChatbot(ctx, req.ChatbotID); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = NewSessionID()
	}
	if req.VisitorID == "" {
		req.VisitorID = uuid.New().String()
	}
	if req.Platform == "" {
		req.Platform = store.PlatformWeb
	}

	logger := m.logger.With("session_id", req.SessionID, "visitor_id", req.VisitorID)

	existing, err := m.store.GetSession(ctx, req.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if existing != nil && existing.VisitorID != req.VisitorID {
		return nil, ErrSessionConflict
	}
	if existing != nil && existing.Status == store.SessionStatusAbandoned {
		return nil, ErrSessionAbandoned
	}

	if err := m.terminateOthers(ctx, req.VisitorID, req.SessionID); err != nil {
		return nil, err
	}

	if existing != nil {
		return m.reuse(ctx, existing, req, logger)
	}

	now := m.cfg.Now()
	sess := &store.Session{
		ID:        req.SessionID,
		ChatbotID: req.ChatbotID,
		VisitorID: req.VisitorID,
		Platform:  req.Platform,
		Status:    store.SessionStatusActive,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = m.store.CreateSession(ctx, sess)
	if errors.Is(err, store.ErrDuplicateSession) {
		// Lost a race with a concurrent resolve of the same id
		existing, err = m.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("re-reading session after duplicate insert: %w", err)
		}
		if existing.VisitorID != req.VisitorID {
			return nil, ErrSessionConflict
		}
		return m.reuse(ctx, existing, req, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	metrics.SessionsResolved.WithLabelValues(string(OutcomeCreated)).Inc()
	logger.Info("session created", "chatbot_id", req.ChatbotID, "platform", req.Platform)
	return &Resolution{Session: sess, Outcome: OutcomeCreated}, nil
}

// reuse applies the rules for a row that already exists.
func (m *Manager) reuse(ctx context.Context, existing *store.Session, req ResolveRequest, logger *slog.Logger) (*Resolution, error) {
	switch existing.Status {
	case store.SessionStatusActive:
		metrics.SessionsResolved.WithLabelValues(string(OutcomeReused)).Inc()
		logger.Debug("session already active")
		return &Resolution{Session: existing, Outcome: OutcomeReused}, nil

	case store.SessionStatusCompleted:
		active := store.SessionStatusActive
		updated, err := m.store.UpdateSession(ctx, existing.ID, store.SessionPatch{
			Status:    &active,
			Metadata:  &req.Metadata,
			UpdatedAt: m.cfg.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("reactivating session: %w", err)
		}
		metrics.SessionsResolved.WithLabelValues(string(OutcomeReactivated)).Inc()
		logger.Info("session reactivated")
		return &Resolution{Session: updated, Outcome: OutcomeReactivated}, nil

	case store.SessionStatusAbandoned:
		return nil, ErrSessionAbandoned
	}
	return nil, fmt.Errorf("session %s has unknown status %q", existing.ID, existing.Status)
}

// terminateOthers ends every active session of visitorID except keep.
// Listing failures are fatal; individual terminations are best-effort.
func (m *Manager) terminateOthers(ctx context.Context, visitorID, keep string) error {
	stale, err := m.store.ListSessions(ctx, store.SessionFilter{
		VisitorID: visitorID,
		Status:    store.SessionStatusActive,
		Limit:     1000,
	})
	if err != nil {
		return fmt.Errorf("listing active sessions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxParallelTerminations)
	for _, s := range stale {
		if s.ID == keep {
			continue
		}
		g.Go(func() error {
			// Failures are already logged; the new session still opens
			_ = m.Terminate(gctx, s.ID, ReasonNewSession)
			return nil
		})
	}
	return g.Wait()
}

// Terminate marks the session completed with an end stamp and purges the
// automation history. A failed status update is retried once after
// RetryDelay. History purge failures are logged only. The returned error is
// the final status update error, which unload paths ignore.
func (m *Manager) Terminate(ctx context.Context, sessionID string, reason Reason) error {
	logger := m.logger.With("session_id", sessionID, "reason", reason)

	completed := store.SessionStatusCompleted
	now := m.cfg.Now()
	patch := store.SessionPatch{
		Status: &completed,
		Metadata: &store.SessionMetadata{
			SessionEndedAt:   now.UTC().Format(time.RFC3339),
			SessionEndReason: string(reason),
		},
		UpdatedAt: now,
	}

	_, err := m.store.UpdateSession(ctx, sessionID, patch)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("session end failed, retrying", "error", err)
		select {
		case <-time.After(m.cfg.RetryDelay):
			_, err = m.store.UpdateSession(ctx, sessionID, patch)
		case <-ctx.Done():
			err = fmt.Errorf("retrying session end: %w", ctx.Err())
		}
	}

	if err != nil {
		metrics.SessionsTerminated.WithLabelValues(string(reason), "error").Inc()
		logger.Error("session end failed", "error", err)
	} else {
		metrics.SessionsTerminated.WithLabelValues(string(reason), "ok").Inc()
		logger.Info("session ended")
	}

	if perr := m.store.PurgeHistory(ctx, sessionID); perr != nil {
		logger.Warn("automation history purge failed", "error", perr)
	}

	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return nil
}

// OnUnload ends the session for a host that is going away. It returns
// immediately and never panics. Work continues on a detached context bounded
// by UnloadTimeout; call Flush before the process exits.
func (m *Manager) OnUnload(sessionID string) {
	m.detach(sessionID, ReasonBrowserClosed, true)
}

// TerminateDetached is Terminate on a detached context bounded by
// UnloadTimeout. It returns immediately. Servers use it to answer an end
// request before the update lands.
func (m *Manager) TerminateDetached(sessionID string, reason Reason) {
	m.detach(sessionID, reason, false)
}

func (m *Manager) detach(sessionID string, reason Reason, beacon bool) {
	if sessionID == "" {
		return
	}

	m.unloads.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("panic during detached end", "session_id", sessionID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.UnloadTimeout)
		defer cancel()

		if b, ok := m.store.(Beaconer); ok && beacon {
			if err := b.Beacon(ctx, sessionID, reason); err != nil {
				m.logger.Warn("unload beacon failed", "session_id", sessionID, "error", err)
			}
			return
		}
		_ = m.Terminate(ctx, sessionID, reason)
	})
}

// Flush waits for in-flight unload work or for ctx to end.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.unloads.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
