// ABOUTME: Timeline entries and the ordering rule used when inserting confirmed messages
// ABOUTME: Optimistic entries keep append order; confirmed ones sort among trailing confirmed entries

package reconciler

import (
	"time"

	"github.com/google/uuid"

	"github.com/2389/supportchat/internal/store"
)

const (
	localIDPrefix = "local-"
	welcomeID     = "local-welcome"
)

// Entry is one rendered line of the conversation.
type Entry struct {
	// ID is the server id once known, otherwise a local-only id.
	ID        string
	Role      store.Role
	Content   string
	CreatedAt time.Time
	Metadata  store.MessageMetadata

	// Confirmed is set once the entry carries a server-assigned id.
	Confirmed bool
}

// IsError reports whether the entry is an inline failure notice.
func (e Entry) IsError() bool {
	return e.Metadata.Error
}

func newLocalID() string {
	return localIDPrefix + uuid.New().String()
}

func entryFromMessage(msg *store.Message) Entry {
	return Entry{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		Metadata:  msg.Metadata,
		Confirmed: true,
	}
}

func entryLess(a, b Entry) bool {
	return store.MessageLess(
		&store.Message{ID: a.ID, CreatedAt: a.CreatedAt},
		&store.Message{ID: b.ID, CreatedAt: b.CreatedAt},
	)
}

// insertConfirmed places e among the trailing run of confirmed entries by
// (created_at, id). It never moves past an unconfirmed entry, so optimistic
// and local entries keep their append position.
func insertConfirmed(entries []Entry, e Entry) []Entry {
	pos := len(entries)
	for pos > 0 {
		prev := entries[pos-1]
		if !prev.Confirmed || !entryLess(e, prev) {
			break
		}
		pos--
	}
	entries = append(entries, Entry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = e
	return entries
}
