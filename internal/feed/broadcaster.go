// ABOUTME: In-memory fan-out feed of message inserts keyed by session id
// ABOUTME: Non-blocking publish; slow subscribers drop events and are counted

package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/supportchat/internal/metrics"
	"github.com/2389/supportchat/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for persisted messages.
// Subscribers register for a session id and receive each message inserted
// into that session after they subscribed.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.Message // sessionID -> subID -> ch
	closed      bool
	done        chan struct{} // closed by Close
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *store.Message),
		done:        make(chan struct{}),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for inserts on the given session.
// The subscription is closed automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	subID := uuid.New().String()
	ch := make(chan *store.Message, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *store.Message)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	metrics.FeedSubscribers.Inc()
	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	released := make(chan struct{})
	sub := NewSubscription(subID, ch, func() {
		close(released)
		b.unsubscribe(sessionID, subID)
	})

	// Watches ctx until the subscription is released
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-released:
		case <-b.done:
		}
	}()

	return sub, nil
}

// Publish sends a message to all subscribers of its session.
// Non-blocking: messages are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(_ context.Context, msg *store.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subscribers[msg.SessionID]
	for subID, ch := range subs {
		select {
		case ch <- msg:
		default:
			metrics.FeedDropped.Inc()
			b.logger.Warn("dropped message for slow subscriber",
				"session_id", msg.SessionID,
				"sub_id", subID,
				"message_id", msg.ID)
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	metrics.FeedSubscribers.Dec()

	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
			metrics.FeedSubscribers.Dec()
		}
		delete(b.subscribers, sessionID)
	}
	if !b.closed {
		close(b.done)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
	return nil
}

var _ Feed = (*Broadcaster)(nil)
