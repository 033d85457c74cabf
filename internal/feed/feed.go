// ABOUTME: Realtime message feed contracts and the shared wire encoding
// ABOUTME: A Subscription is an explicit handle that must be closed by its owner

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/supportchat/internal/store"
)

// ErrClosed is returned when subscribing to a feed that has been shut down.
var ErrClosed = errors.New("feed closed")

// Subscription delivers message inserts for one session. C is closed after
// Close is called or the subscribing context ends.
type Subscription struct {
	C  <-chan *store.Message
	ID string

	once    sync.Once
	release func()
}

// NewSubscription wraps a channel and its release func into a handle.
// Feed implementations outside this package use it.
func NewSubscription(id string, ch <-chan *store.Message, release func()) *Subscription {
	return &Subscription{C: ch, ID: id, release: release}
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Subscriber opens insert subscriptions scoped to a session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (*Subscription, error)
}

// Publisher fans a persisted message out to the session's subscribers.
type Publisher interface {
	Publish(ctx context.Context, msg *store.Message) error
}

// Feed is a Subscriber and Publisher pair with a lifetime.
type Feed interface {
	Subscriber
	Publisher
	Close() error
}

// WireMessage is the JSON shape of an insert event, shared by Redis, SSE and
// WebSocket transports.
type WireMessage struct {
	ID        string                `json:"id"`
	SessionID string                `json:"session_id"`
	Role      string                `json:"role"`
	Content   string                `json:"content"`
	CreatedAt time.Time             `json:"created_at"`
	Metadata  store.MessageMetadata `json:"metadata"`
}

// ToWire converts a stored message to its wire form.
func ToWire(msg *store.Message) WireMessage {
	return WireMessage{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		Metadata:  msg.Metadata,
	}
}

// Message converts the wire form back to a store message.
func (w WireMessage) Message() *store.Message {
	return &store.Message{
		ID:        w.ID,
		SessionID: w.SessionID,
		Role:      store.Role(w.Role),
		Content:   w.Content,
		CreatedAt: w.CreatedAt,
		Metadata:  w.Metadata,
	}
}

// EncodeMessage marshals a message as a WireMessage.
func EncodeMessage(msg *store.Message) ([]byte, error) {
	return json.Marshal(ToWire(msg))
}

// DecodeMessage parses a WireMessage payload.
func DecodeMessage(data []byte) (*store.Message, error) {
	var w WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding feed message: %w", err)
	}
	if w.ID == "" || w.SessionID == "" {
		return nil, fmt.Errorf("decoding feed message: missing id or session_id")
	}
	return w.Message(), nil
}
