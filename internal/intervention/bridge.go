// ABOUTME: Lets a human operator post into a live session through the normal message path
// ABOUTME: Message first, then the session's human-intervention flag; flag failures are logged only

package intervention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/supportchat/internal/metrics"
	"github.com/2389/supportchat/internal/store"
)

var (
	// ErrEmptyMessage is returned for blank operator input.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMissingAgent is returned when the operator identity is unknown.
	ErrMissingAgent = errors.New("agent id is required")

	// ErrSessionNotActive is returned when the session already ended.
	ErrSessionNotActive = errors.New("session is not active")
)

// Agent identifies the operator writing the message.
type Agent struct {
	ID    string
	Email string
}

// Bridge writes operator messages. Role checks happen before it is called.
type Bridge struct {
	sessions store.SessionStore
	messages store.MessageStore
	now      func() time.Time
	logger   *slog.Logger
}

// NewBridge creates a bridge. messages should publish inserts to the feed
// so the visitor sees the reply. Pass nil logger for default.
func NewBridge(sessions store.SessionStore, messages store.MessageStore, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		sessions: sessions,
		messages: messages,
		now:      time.Now,
		logger:   logger.With("component", "intervention"),
	}
}

// SendAgentMessage stores text as an assistant message tagged with the agent
// and then flags the session as human-handled without touching its status.
func (b *Bridge) SendAgentMessage(ctx context.Context, sessionID, text string, agent Agent) (*store.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if agent.ID == "" {
		return nil, ErrMissingAgent
	}

	sess, err := b.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.Status != store.SessionStatusActive {
		return nil, ErrSessionNotActive
	}

	logger := b.logger.With("session_id", sessionID, "agent_id", agent.ID)

	stored, err := b.messages.InsertMessage(ctx, &store.Message{
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Content:   text,
		Metadata: store.MessageMetadata{
			AgentIntervention: true,
			AgentID:           agent.ID,
			AgentEmail:        agent.Email,
			Source:            store.SourceAgent,
		},
	})
	if err != nil {
		logger.Error("failed to save agent message", "error", err)
		return nil, fmt.Errorf("saving agent message: %w", err)
	}
	metrics.AgentInterventions.Inc()

	_, err = b.sessions.UpdateSession(ctx, sessionID, store.SessionPatch{
		Metadata: &store.SessionMetadata{
			HadHumanIntervention: true,
			LastAgentID:          agent.ID,
		},
		UpdatedAt: b.now(),
	})
	if err != nil {
		// The visitor already has the message
		logger.Warn("failed to flag human intervention", "error", err)
	}

	logger.Info("agent message sent", "message_id", stored.ID)
	return stored, nil
}
