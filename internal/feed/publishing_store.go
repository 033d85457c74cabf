// ABOUTME: Store decorator that publishes every successful message insert
// ABOUTME: This is the only path by which inserts reach feed subscribers

package feed

import (
	"context"
	"log/slog"

	"github.com/2389/supportchat/internal/metrics"
	"github.com/2389/supportchat/internal/store"
)

// PublishingStore wraps a Store so that InsertMessage also publishes the
// stored message. All other methods pass through.
type PublishingStore struct {
	store.Store
	pub    Publisher
	logger *slog.Logger
}

// NewPublishingStore decorates s. Pass nil logger for default.
func NewPublishingStore(s store.Store, pub Publisher, logger *slog.Logger) *PublishingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishingStore{
		Store:  s,
		pub:    pub,
		logger: logger.With("component", "publishing_store"),
	}
}

// InsertMessage persists msg and then publishes it. A publish failure is
// logged; the insert has already succeeded and subscribers can catch up by
// listing messages.
func (p *PublishingStore) InsertMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	stored, err := p.Store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	metrics.MessagesInserted.WithLabelValues(string(stored.Role), stored.Metadata.Source).Inc()

	if err := p.pub.Publish(ctx, stored); err != nil {
		p.logger.Error("failed to publish message insert",
			"session_id", stored.SessionID,
			"message_id", stored.ID,
			"error", err)
	}
	return stored, nil
}
