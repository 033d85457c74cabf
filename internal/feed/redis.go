// ABOUTME: Redis pub/sub feed so several gateway replicas share message inserts
// ABOUTME: One channel per session, payloads are WireMessage JSON

package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/supportchat/internal/metrics"
	"github.com/2389/supportchat/internal/store"
)

// ChannelPrefix namespaces the per-session Redis channels.
const ChannelPrefix = "supportchat:messages:"

// ChannelName returns the Redis channel carrying a session's inserts.
func ChannelName(sessionID string) string {
	return ChannelPrefix + sessionID
}

// RedisFeed implements Feed over Redis pub/sub.
type RedisFeed struct {
	rdb    *redis.Client
	owned  bool
	logger *slog.Logger
}

// NewRedisFeed connects to the Redis server at url and verifies it answers.
func NewRedisFeed(ctx context.Context, url string, logger *slog.Logger) (*RedisFeed, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	f := NewRedisFeedFromClient(rdb, logger)
	f.owned = true
	return f, nil
}

// NewRedisFeedFromClient wraps an existing client. Close does not close it.
func NewRedisFeedFromClient(rdb *redis.Client, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{
		rdb:    rdb,
		logger: logger.With("component", "redis_feed"),
	}
}

// Publish sends msg on its session channel.
func (f *RedisFeed) Publish(ctx context.Context, msg *store.Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := f.rdb.Publish(ctx, ChannelName(msg.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Subscribe listens on the session channel. The returned subscription is
// live once Subscribe returns.
func (f *RedisFeed) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	pubsub := f.rdb.Subscribe(ctx, ChannelName(sessionID))

	// Wait for the subscribe confirmation so no insert published after we
	// return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to redis channel: %w", err)
	}

	subID := uuid.New().String()
	out := make(chan *store.Message, subscriberBufferSize)
	done := make(chan struct{})
	in := pubsub.Channel()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				f.logger.Debug("closing redis subscription", "error", err)
			}
		})
	}

	metrics.FeedSubscribers.Inc()
	f.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		defer close(out)
		defer metrics.FeedSubscribers.Dec()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				stop()
				return
			case raw, ok := <-in:
				if !ok {
					stop()
					return
				}
				msg, err := DecodeMessage([]byte(raw.Payload))
				if err != nil {
					f.logger.Warn("ignoring malformed feed payload", "session_id", sessionID, "error", err)
					continue
				}
				select {
				case out <- msg:
				default:
					metrics.FeedDropped.Inc()
					f.logger.Warn("dropped message for slow subscriber",
						"session_id", sessionID,
						"message_id", msg.ID)
				}
			}
		}
	}()

	return NewSubscription(subID, out, stop), nil
}

// Close releases the Redis client if this feed opened it.
func (f *RedisFeed) Close() error {
	if !f.owned {
		return nil
	}
	return f.rdb.Close()
}

var _ Feed = (*RedisFeed)(nil)
