// ABOUTME: Per-session timeline reconciler merging optimistic sends, sync replies and feed pushes
// ABOUTME: Single-flight sends with a bounded reply wait; duplicates are dropped by server id

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/supportchat/internal/dedupe"
	"github.com/2389/supportchat/internal/feed"
	"github.com/2389/supportchat/internal/responder"
	"github.com/2389/supportchat/internal/store"
)

var (
	// ErrEmptyMessage is returned for blank user input.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrSendPending is returned while a previous turn awaits its reply.
	ErrSendPending = errors.New("a reply is still pending")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("reconciler closed")

	// ErrTimeout marks a turn that got no reply in time. It is surfaced as an
	// inline error entry, never returned from a call.
	ErrTimeout = errors.New("response timeout")

	// ErrInvalidConfig is returned by New for a config without a session id.
	ErrInvalidConfig = errors.New("invalid reconciler config")
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultWelcomeMessage = "Hello! How can I help you today?"

	sendFailedText = "Sorry, I encountered an error. Please try again."
	timeoutText    = "The response timed out. Please try again."
)

// Config describes the session a Reconciler serves.
type Config struct {
	SessionID        string
	ChatbotID        string
	VisitorID        string
	Platform         string
	KnowledgeBaseIDs []string

	// Timeout bounds the wait for a reply to one turn.
	Timeout time.Duration
	// WelcomeMessage is shown when the session has no history. Never persisted.
	WelcomeMessage string

	// OnChange receives every timeline change in order, outside the
	// reconciler lock. It must not call Close.
	OnChange func(Event)
}

// EventKind identifies a timeline change.
type EventKind int

const (
	// EventAppended: Entry was added to the timeline.
	EventAppended EventKind = iota
	// EventPromoted: the optimistic entry OldID now carries its server id.
	EventPromoted
	// EventPendingChanged: Pending holds the new value.
	EventPendingChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAppended:
		return "appended"
	case EventPromoted:
		return "promoted"
	case EventPendingChanged:
		return "pending_changed"
	}
	return "unknown"
}

// Event describes one timeline change.
type Event struct {
	Kind    EventKind
	Entry   Entry
	OldID   string
	Pending bool
}

// Reconciler owns the timeline of one open session. Construct one per open
// session and Close it when the session is left.
type Reconciler struct {
	cfg       Config
	messages  store.MessageStore
	responder responder.Responder
	logger    *slog.Logger

	mu        sync.Mutex
	entries   []Entry
	processed *dedupe.Set
	pending   bool
	turn      uint64
	timer     *time.Timer
	sub       *feed.Subscription
	closed    bool

	// queue holds events not yet handed to OnChange; one goroutine drains
	// it at a time so delivery keeps production order.
	queue    []Event
	draining bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reconciler. Pass nil logger for default.
func New(cfg Config, messages store.MessageStore, resp responder.Responder, logger *slog.Logger) (*Reconciler, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WelcomeMessage == "" {
		cfg.WelcomeMessage = DefaultWelcomeMessage
	}
	if cfg.Platform == "" {
		cfg.Platform = store.PlatformWeb
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:       cfg,
		messages:  messages,
		responder: resp,
		logger:    logger.With("component", "reconciler", "session_id", cfg.SessionID),
		processed: dedupe.NewSet(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SessionID returns the session this reconciler serves.
func (r *Reconciler) SessionID() string {
	return r.cfg.SessionID
}

// Timeline returns a copy of the current entries.
func (r *Reconciler) Timeline() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Pending reports whether a turn is awaiting its reply.
func (r *Reconciler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// unlockAndEmit queues events, releases mu and delivers the queue in order
// unless another goroutine is already draining it. Must be called with mu held.
func (r *Reconciler) unlockAndEmit(events []Event) {
	if r.cfg.OnChange == nil {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, events...)
	if r.draining {
		r.mu.Unlock()
		return
	}

	r.draining = true
	for len(r.queue) > 0 {
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()
		for _, ev := range batch {
			r.cfg.OnChange(ev)
		}
		r.mu.Lock()
	}
	r.draining = false
	r.mu.Unlock()
}

// appendLocked adds an entry at the end. Must be called with mu held.
func (r *Reconciler) appendLocked(e Entry) Event {
	r.entries = append(r.entries, e)
	return Event{Kind: EventAppended, Entry: e}
}

// insertConfirmedLocked places a server-confirmed entry. Must be called with mu held.
func (r *Reconciler) insertConfirmedLocked(e Entry) Event {
	r.entries = insertConfirmed(r.entries, e)
	return Event{Kind: EventAppended, Entry: e}
}

// setPendingLocked changes the pending flag and returns the event, if any.
// Must be called with mu held.
func (r *Reconciler) setPendingLocked(pending bool) []Event {
	if r.pending == pending {
		return nil
	}
	r.pending = pending
	if !pending && r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	return []Event{{Kind: EventPendingChanged, Pending: pending}}
}

// LoadHistory seeds the timeline and processed-id set from persisted
// messages. An empty session gets a local welcome entry. If the store
// fails, the welcome entry is still shown and the error is returned.
func (r *Reconciler) LoadHistory(ctx context.Context) error {
	msgs, err := r.messages.ListMessages(ctx, r.cfg.SessionID, 0)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	var events []Event
	for _, msg := range msgs {
		if msg.SessionID != r.cfg.SessionID || !r.processed.Add(msg.ID) {
			continue
		}
		events = append(events, r.insertConfirmedLocked(entryFromMessage(msg)))
	}
	if len(r.entries) == 0 {
		events = append(events, r.appendLocked(Entry{
			ID:        welcomeID,
			Role:      store.RoleAssistant,
			Content:   r.cfg.WelcomeMessage,
			CreatedAt: time.Now(),
			Metadata:  store.MessageMetadata{IsWelcome: true},
		}))
	}
	r.unlockAndEmit(events)

	if err != nil {
		r.logger.Error("failed to load history", "error", err)
		return fmt.Errorf("loading history: %w", err)
	}
	r.logger.Debug("history loaded", "messages", len(msgs))
	return nil
}

// SendUserMessage appends the text optimistically, persists it and asks the
// responder for a reply in the background. While the reply is pending
// further sends return ErrSendPending and leave the timeline unchanged.
// A persist failure ends the turn with an inline error entry and is also
// returned.
func (r *Reconciler) SendUserMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.pending {
		r.mu.Unlock()
		return ErrSendPending
	}

	r.turn++
	turn := r.turn
	tempID := newLocalID()
	events := []Event{r.appendLocked(Entry{
		ID:        tempID,
		Role:      store.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
		Metadata:  store.MessageMetadata{Source: store.SourceWidget},
	})}
	events = append(events, r.setPendingLocked(true)...)
	r.timer = time.AfterFunc(r.cfg.Timeout, func() { r.expire(turn) })
	r.unlockAndEmit(events)

	stored, err := r.messages.InsertMessage(ctx, &store.Message{
		SessionID: r.cfg.SessionID,
		Role:      store.RoleUser,
		Content:   text,
		Metadata:  store.MessageMetadata{Source: store.SourceWidget},
	})
	if err != nil {
		r.logger.Error("failed to persist user message", "error", err)
		r.failTurn(turn, sendFailedText)
		return fmt.Errorf("saving message: %w", err)
	}

	r.promote(tempID, stored)

	r.wg.Go(func() {
		r.requestReply(turn, text)
	})
	return nil
}

// promote swaps an optimistic entry's temporary id for its server id.
func (r *Reconciler) promote(tempID string, stored *store.Message) {
	r.mu.Lock()
	r.processed.Add(stored.ID)

	var events []Event
	for i := range r.entries {
		if r.entries[i].ID != tempID {
			continue
		}
		r.entries[i].ID = stored.ID
		r.entries[i].CreatedAt = stored.CreatedAt
		r.entries[i].Confirmed = true
		events = append(events, Event{Kind: EventPromoted, Entry: r.entries[i], OldID: tempID})
		break
	}
	r.unlockAndEmit(events)
}

// requestReply runs the responder call for one turn.
func (r *Reconciler) requestReply(turn uint64, text string) {
	resp, err := r.responder.Respond(r.ctx, &responder.Request{
		Message:          text,
		SessionID:        r.cfg.SessionID,
		ChatbotID:        r.cfg.ChatbotID,
		UserIdentifier:   r.cfg.VisitorID,
		KnowledgeBaseIDs: r.cfg.KnowledgeBaseIDs,
		Metadata: responder.RequestMetadata{
			Platform:  r.cfg.Platform,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.logger.Warn("responder call failed", "turn", turn, "error", err)
		r.failTurn(turn, sendFailedText)
		return
	}
	r.acceptReply(turn, resp)
}

// acceptReply handles the synchronous reply path.
func (r *Reconciler) acceptReply(turn uint64, resp *responder.Response) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	entry := Entry{
		Role:      store.RoleAssistant,
		Content:   resp.Response,
		CreatedAt: time.Now(),
		Metadata:  replyMetadata(resp),
	}

	var events []Event
	switch {
	case resp.MessageID != "":
		if !r.processed.Add(resp.MessageID) {
			r.logger.Debug("sync reply already delivered by push", "message_id", resp.MessageID)
			if turn == r.turn {
				events = r.setPendingLocked(false)
			}
			r.unlockAndEmit(events)
			return
		}
		// An id-bearing reply is a real message even if its turn timed out
		entry.ID = resp.MessageID
		entry.Confirmed = true
		events = append(events, r.insertConfirmedLocked(entry))

	default:
		if turn != r.turn {
			r.logger.Info("dropping stale reply without id", "turn", turn, "current_turn", r.turn)
			r.mu.Unlock()
			return
		}
		// No server id: the same reply may still arrive by push under its
		// real id and render twice
		entry.ID = newLocalID()
		r.processed.Add(entry.ID)
		events = append(events, r.appendLocked(entry))
	}

	if turn == r.turn {
		events = append(events, r.setPendingLocked(false)...)
	}
	r.unlockAndEmit(events)
}

func replyMetadata(resp *responder.Response) store.MessageMetadata {
	md := store.MessageMetadata{Source: store.SourceResponder}
	if resp.Metadata != nil {
		md.Sources = resp.Metadata.Sources
		md.Confidence = resp.Metadata.Confidence
		md.HandoffRequired = resp.Metadata.HandoffRequired
	}
	return md
}

// HandlePush handles an insert delivered by the feed. Only assistant
// messages of this session are taken; already processed ids are dropped.
// Any accepted push ends the pending wait, whatever turn it answers.
func (r *Reconciler) HandlePush(msg *store.Message) {
	if msg == nil || msg.SessionID != r.cfg.SessionID || msg.Role != store.RoleAssistant {
		return
	}

	r.mu.Lock()
	if r.closed || !r.processed.Add(msg.ID) {
		r.mu.Unlock()
		return
	}
	events := []Event{r.insertConfirmedLocked(entryFromMessage(msg))}
	events = append(events, r.setPendingLocked(false)...)
	r.unlockAndEmit(events)
}

// expire fires when a turn's reply window elapses.
func (r *Reconciler) expire(turn uint64) {
	r.mu.Lock()
	if r.closed || turn != r.turn || !r.pending {
		r.mu.Unlock()
		return
	}
	r.logger.Warn("reply timed out", "turn", turn, "timeout", r.cfg.Timeout, "error", ErrTimeout)

	r.timer = nil
	events := r.setPendingLocked(false)
	events = append(events, r.appendLocked(Entry{
		ID:        newLocalID(),
		Role:      store.RoleAssistant,
		Content:   timeoutText,
		CreatedAt: time.Now(),
		Metadata:  store.MessageMetadata{Error: true, Timeout: true},
	}))
	r.unlockAndEmit(events)
}

// failTurn ends a pending turn with an inline error entry.
func (r *Reconciler) failTurn(turn uint64, text string) {
	r.mu.Lock()
	if r.closed || turn != r.turn || !r.pending {
		r.mu.Unlock()
		return
	}
	events := r.setPendingLocked(false)
	events = append(events, r.appendLocked(Entry{
		ID:        newLocalID(),
		Role:      store.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
		Metadata:  store.MessageMetadata{Error: true},
	}))
	r.unlockAndEmit(events)
}

// Attach opens the session's feed subscription and consumes it. Only one
// subscription is live at a time; attaching again closes the previous one.
func (r *Reconciler) Attach(ctx context.Context, sub feed.Subscriber) error {
	subscription, err := sub.Subscribe(ctx, r.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("subscribing to session feed: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		subscription.Close()
		return ErrClosed
	}
	previous := r.sub
	r.sub = subscription
	r.mu.Unlock()

	if previous != nil {
		previous.Close()
		r.logger.Debug("replaced feed subscription", "old_sub", previous.ID, "new_sub", subscription.ID)
	}

	r.wg.Go(func() {
		for msg := range subscription.C {
			r.HandlePush(msg)
		}
	})
	return nil
}

// Close tears down the subscription, cancels in-flight responder calls and
// waits for background work. Safe to call more than once.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	r.cancel()
	r.wg.Wait()
}
