// ABOUTME: Operator-side live view of one session's messages
// ABOUTME: Follows the insert feed while realtime is on, polls the store when it is off

package intervention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/supportchat/internal/dedupe"
	"github.com/2389/supportchat/internal/feed"
	"github.com/2389/supportchat/internal/store"
)

// DefaultPollInterval is the refresh period with realtime off.
const DefaultPollInterval = 5 * time.Second

// ViewerConfig configures a Viewer.
type ViewerConfig struct {
	SessionID    string
	PollInterval time.Duration
	// Realtime starts the viewer following the feed. Defaults to off when
	// the zero Config is used; callers normally set it.
	Realtime bool
	// OnChange receives a snapshot after every change to the message list.
	OnChange func([]*store.Message)
}

// Viewer keeps an ordered, de-duplicated copy of a session's messages.
// The feed subscription exists only while realtime is on and the session
// is active.
type Viewer struct {
	cfg      ViewerConfig
	sessions store.SessionStore
	messages store.MessageStore
	feed     feed.Subscriber
	logger   *slog.Logger

	mu       sync.Mutex
	session  *store.Session
	msgs     []*store.Message
	seen     *dedupe.Set
	realtime bool
	sub      *feed.Subscription
	stopPoll context.CancelFunc
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewViewer creates a viewer. Pass nil logger for default.
func NewViewer(cfg ViewerConfig, sessions store.SessionStore, messages store.MessageStore, sub feed.Subscriber, logger *slog.Logger) *Viewer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Viewer{
		cfg:      cfg,
		sessions: sessions,
		messages: messages,
		feed:     sub,
		logger:   logger.With("component", "viewer", "session_id", cfg.SessionID),
		seen:     dedupe.NewSet(),
		realtime: cfg.Realtime,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start loads the session and messages and begins following updates.
func (v *Viewer) Start(ctx context.Context) error {
	if err := v.Refresh(ctx); err != nil {
		return err
	}
	return v.applyMode(ctx)
}

// Refresh re-reads the session and merges its persisted messages. A status
// change reopens or drops the feed subscription to match.
func (v *Viewer) Refresh(ctx context.Context) error {
	sess, err := v.sessions.GetSession(ctx, v.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	msgs, err := v.messages.ListMessages(ctx, v.cfg.SessionID, 0)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	v.mu.Lock()
	statusChanged := v.session != nil && v.session.Status != sess.Status
	v.session = sess
	changed := false
	for _, m := range msgs {
		if v.seen.Add(m.ID) {
			v.msgs = append(v.msgs, m)
			changed = true
		}
	}
	if changed {
		store.SortMessages(v.msgs)
	}
	snapshot := v.snapshotLocked()
	v.mu.Unlock()

	if changed {
		v.notify(snapshot)
	}
	if statusChanged {
		v.logger.Debug("session status changed", "status", sess.Status)
		return v.applyMode(ctx)
	}
	return nil
}

// SetRealtime toggles between following the feed and polling.
func (v *Viewer) SetRealtime(ctx context.Context, on bool) error {
	v.mu.Lock()
	v.realtime = on
	v.mu.Unlock()
	return v.applyMode(ctx)
}

// Realtime reports whether the viewer follows the feed.
func (v *Viewer) Realtime() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.realtime
}

// Subscribed reports whether a feed subscription is live.
func (v *Viewer) Subscribed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sub != nil
}

// Session returns the last loaded session.
func (v *Viewer) Session() *store.Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == nil {
		return nil
	}
	s := *v.session
	return &s
}

// Messages returns the ordered message list.
func (v *Viewer) Messages() []*store.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *Viewer) snapshotLocked() []*store.Message {
	out := make([]*store.Message, len(v.msgs))
	copy(out, v.msgs)
	return out
}

func (v *Viewer) notify(snapshot []*store.Message) {
	if v.cfg.OnChange != nil {
		v.cfg.OnChange(snapshot)
	}
}

// applyMode opens or closes the subscription and poller to match the
// realtime flag and session status.
func (v *Viewer) applyMode(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	active := v.session != nil && v.session.Status == store.SessionStatusActive
	wantFeed := v.realtime && active
	wantPoll := !v.realtime

	var oldSub *feed.Subscription
	if !wantFeed && v.sub != nil {
		oldSub = v.sub
		v.sub = nil
	}
	if !wantPoll && v.stopPoll != nil {
		v.stopPoll()
		v.stopPoll = nil
	}
	if wantPoll && v.stopPoll == nil {
		pollCtx, stop := context.WithCancel(v.ctx)
		v.stopPoll = stop
		v.wg.Go(func() { v.poll(pollCtx) })
	}
	needSub := wantFeed && v.sub == nil
	v.mu.Unlock()

	if oldSub != nil {
		oldSub.Close()
		v.logger.Debug("realtime off, feed subscription closed")
	}
	if !needSub {
		return nil
	}

	sub, err := v.feed.Subscribe(v.ctx, v.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("subscribing to session feed: %w", err)
	}

	v.mu.Lock()
	if v.closed || v.sub != nil || !v.realtime {
		v.mu.Unlock()
		sub.Close()
		return nil
	}
	v.sub = sub
	v.wg.Go(func() {
		for msg := range sub.C {
			v.ingest(msg)
		}
	})
	v.mu.Unlock()

	// Catch inserts that landed between the initial load and the subscription
	return v.Refresh(ctx)
}

func (v *Viewer) ingest(msg *store.Message) {
	if msg.SessionID != v.cfg.SessionID {
		return
	}
	v.mu.Lock()
	if !v.realtime || !v.seen.Add(msg.ID) {
		v.mu.Unlock()
		return
	}
	v.msgs = append(v.msgs, msg)
	store.SortMessages(v.msgs)
	snapshot := v.snapshotLocked()
	v.mu.Unlock()

	v.notify(snapshot)
}

func (v *Viewer) poll(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := v.Refresh(ctx); err != nil && ctx.Err() == nil {
				v.logger.Warn("poll refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops following the session. Safe to call more than once.
func (v *Viewer) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	sub := v.sub
	v.sub = nil
	v.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	v.cancel()
	v.wg.Wait()
}
