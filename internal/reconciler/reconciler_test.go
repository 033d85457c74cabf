// ABOUTME: Tests for timeline reconciliation across optimistic, sync and push paths
// ABOUTME: Covers dedupe in both arrival orders, single-flight sends, timeouts and subscription handling

package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/supportchat/internal/feed"
	"github.com/2389/supportchat/internal/responder"
	"github.com/2389/supportchat/internal/store"
)

type reply struct {
	resp *responder.Response
	err  error
}

// fakeResponder blocks each call until the test hands it a reply.
type fakeResponder struct {
	mu      sync.Mutex
	calls   []*responder.Request
	replies chan reply
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{replies: make(chan reply)}
}

func (f *fakeResponder) Respond(ctx context.Context, req *responder.Request) (*responder.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	select {
	case r := <-f.replies:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeResponder) reply(t *testing.T, r reply) {
	t.Helper()
	select {
	case f.replies <- r:
	case <-time.After(2 * time.Second):
		t.Fatal("responder was never called")
	}
}

type fixture struct {
	store     *store.MockStore
	responder *fakeResponder
	rec       *Reconciler

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMockStore(), responder: newFakeResponder()}
	require.NoError(t, f.store.CreateSession(t.Context(), &store.Session{
		ID: "s1", ChatbotID: "bot-1", VisitorID: "v1", Status: store.SessionStatusActive,
	}))

	cfg := Config{
		SessionID: "s1",
		ChatbotID: "bot-1",
		VisitorID: "v1",
		Timeout:   time.Minute,
		OnChange: func(ev Event) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, ev)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	rec, err := New(cfg, f.store, f.responder, nil)
	require.NoError(t, err)
	f.rec = rec
	t.Cleanup(rec.Close)
	return f
}

func (f *fixture) eventKinds() []EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]EventKind, len(f.events))
	for i, ev := range f.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func countContent(entries []Entry, content string) int {
	n := 0
	for _, e := range entries {
		if e.Content == content {
			n++
		}
	}
	return n
}

func assistantPush(id, content string, at time.Time) *store.Message {
	return &store.Message{
		ID:        id,
		SessionID: "s1",
		Role:      store.RoleAssistant,
		Content:   content,
		CreatedAt: at,
	}
}

func TestNew_RequiresSessionID(t *testing.T) {
	_, err := New(Config{}, store.NewMockStore(), newFakeResponder(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadHistory_EmptySessionShowsWelcome(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.rec.LoadHistory(t.Context()))

	timeline := f.rec.Timeline()
	require.Len(t, timeline, 1)
	assert.Equal(t, DefaultWelcomeMessage, timeline[0].Content)
	assert.True(t, timeline[0].Metadata.IsWelcome)
	assert.False(t, timeline[0].Confirmed)

	msgs, err := f.store.ListMessages(t.Context(), "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "welcome is never persisted")
}

func TestLoadHistory_SeedsTimelineAndProcessedSet(t *testing.T) {
	f := newFixture(t, nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := f.store.InsertMessage(t.Context(), &store.Message{ID: "m2", SessionID: "s1", Role: store.RoleAssistant, Content: "second", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = f.store.InsertMessage(t.Context(), &store.Message{ID: "m1", SessionID: "s1", Role: store.RoleUser, Content: "first", CreatedAt: base})
	require.NoError(t, err)

	require.NoError(t, f.rec.LoadHistory(t.Context()))

	timeline := f.rec.Timeline()
	require.Len(t, timeline, 2)
	assert.Equal(t, "m1", timeline[0].ID)
	assert.Equal(t, "m2", timeline[1].ID)

	// A push replaying history is dropped
	f.rec.HandlePush(assistantPush("m2", "second", base.Add(time.Second)))
	assert.Len(t, f.rec.Timeline(), 2)
}

type failingList struct {
	*store.MockStore
}

func (failingList) ListMessages(context.Context, string, int) ([]*store.Message, error) {
	return nil, errors.New("store down")
}

func TestLoadHistory_StoreFailureStillWelcomes(t *testing.T) {
	rec, err := New(Config{SessionID: "s1"}, failingList{store.NewMockStore()}, newFakeResponder(), nil)
	require.NoError(t, err)
	defer rec.Close()

	assert.Error(t, rec.LoadHistory(t.Context()))
	require.Len(t, rec.Timeline(), 1)
	assert.True(t, rec.Timeline()[0].Metadata.IsWelcome)
}

func TestSendUserMessage_RejectsEmpty(t *testing.T) {
	f := newFixture(t, nil)

	assert.ErrorIs(t, f.rec.SendUserMessage(t.Context(), "   \n\t"), ErrEmptyMessage)
	assert.Empty(t, f.rec.Timeline())
	assert.False(t, f.rec.Pending())
}

func TestSendUserMessage_SyncThenPushRendersOnce(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.rec.LoadHistory(t.Context()))

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "help"))
	assert.True(t, f.rec.Pending())

	f.responder.reply(t, reply{resp: &responder.Response{
		Response:  "Hi, how can I help?",
		SessionID: "s1",
		MessageID: "m1",
	}})
	require.Eventually(t, func() bool { return !f.rec.Pending() }, time.Second, 5*time.Millisecond)

	f.rec.HandlePush(assistantPush("m1", "Hi, how can I help?", time.Now()))

	timeline := f.rec.Timeline()
	assert.Equal(t, 1, countContent(timeline, "Hi, how can I help?"))
	assert.Equal(t, 1, countContent(timeline, "help"))
}

func TestSendUserMessage_PushThenSyncRendersOnce(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "help"))
	f.rec.HandlePush(assistantPush("m1", "Hi, how can I help?", time.Now()))
	assert.False(t, f.rec.Pending(), "push clears the pending wait")

	f.responder.reply(t, reply{resp: &responder.Response{Response: "Hi, how can I help?", MessageID: "m1"}})
	f.rec.Close()

	assert.Equal(t, 1, countContent(f.rec.Timeline(), "Hi, how can I help?"))
}

func TestSendUserMessage_PromotesOptimisticEntry(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "help"))

	msgs, err := f.store.ListMessages(t.Context(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.SourceWidget, msgs[0].Metadata.Source)

	timeline := f.rec.Timeline()
	require.Len(t, timeline, 1)
	assert.Equal(t, msgs[0].ID, timeline[0].ID)
	assert.True(t, timeline[0].Confirmed)

	// A feed echo of the user's own message never duplicates it
	echo := *msgs[0]
	f.rec.HandlePush(&echo)
	assert.Len(t, f.rec.Timeline(), 1)

	f.responder.reply(t, reply{resp: &responder.Response{Response: "ok", MessageID: "m9"}})
	require.Eventually(t, func() bool { return len(f.eventKinds()) == 5 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []EventKind{
		EventAppended,       // optimistic user entry
		EventPendingChanged, // pending on
		EventPromoted,       // server id known
		EventAppended,       // reply
		EventPendingChanged, // pending off
	}, f.eventKinds())
}

func TestSendUserMessage_SingleFlight(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "first"))
	before := len(f.rec.Timeline())

	assert.ErrorIs(t, f.rec.SendUserMessage(t.Context(), "second"), ErrSendPending)
	assert.Len(t, f.rec.Timeline(), before, "rejected send leaves the timeline unchanged")

	msgs, err := f.store.ListMessages(t.Context(), "s1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSendUserMessage_TimeoutIsRecoverable(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeout = 30 * time.Millisecond })

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "hello?"))
	require.Eventually(t, func() bool { return !f.rec.Pending() }, time.Second, 5*time.Millisecond)

	timeline := f.rec.Timeline()
	last := timeline[len(timeline)-1]
	assert.True(t, last.IsError())
	assert.True(t, last.Metadata.Timeout)
	assert.Equal(t, store.RoleAssistant, last.Role)

	// The user may send again straight away
	require.NoError(t, f.rec.SendUserMessage(t.Context(), "retry"))
	assert.True(t, f.rec.Pending())
}

func TestLateReply_WithIDIsAcceptedAfterTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeout = 20 * time.Millisecond })

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "hello?"))
	require.Eventually(t, func() bool { return !f.rec.Pending() }, time.Second, 5*time.Millisecond)

	f.responder.reply(t, reply{resp: &responder.Response{Response: "late but real", MessageID: "m-late"}})
	require.Eventually(t, func() bool {
		return countContent(f.rec.Timeline(), "late but real") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLateReply_WithoutIDDroppedOnceNewTurnStarts(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeout = 20 * time.Millisecond })

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "first"))
	require.Eventually(t, func() bool { return !f.rec.Pending() }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.rec.SendUserMessage(t.Context(), "second"))

	// Two calls are now in flight; the first to receive gets the stale reply
	f.responder.reply(t, reply{resp: &responder.Response{Response: "answer to first"}})
	require.Eventually(t, func() bool { return f.responder.callCount() == 2 }, time.Second, 5*time.Millisecond)
	f.responder.reply(t, reply{resp: &responder.Response{Response: "answer to second"}})

	// Which call got which reply is not deterministic; exactly one id-less
	// reply is accepted, for the current turn
	accepted := func() int {
		timeline := f.rec.Timeline()
		return countContent(timeline, "answer to first") + countContent(timeline, "answer to second")
	}
	require.Eventually(t, func() bool { return accepted() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, accepted())
}

func TestTimeoutDoesNotSuppressLaterPush(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeout = 20 * time.Millisecond })

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "hello?"))
	require.Eventually(t, func() bool { return !f.rec.Pending() }, time.Second, 5*time.Millisecond)

	f.rec.HandlePush(assistantPush("m-async", "async answer", time.Now()))
	assert.Equal(t, 1, countContent(f.rec.Timeline(), "async answer"))
}

func TestResponderFailureAppendsErrorEntry(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "help"))
	f.responder.reply(t, reply{err: &responder.StatusError{StatusCode: 500}})
	require.Eventually(t, func() bool { return !f.rec.Pending() }, time.Second, 5*time.Millisecond)

	timeline := f.rec.Timeline()
	last := timeline[len(timeline)-1]
	assert.True(t, last.IsError())
	assert.False(t, last.Metadata.Timeout)
	assert.Equal(t, sendFailedText, last.Content)
}

func TestPersistFailureEndsTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InsertMessageErr = errors.New("disk full")

	err := f.rec.SendUserMessage(t.Context(), "help")
	require.Error(t, err)

	assert.False(t, f.rec.Pending())
	timeline := f.rec.Timeline()
	require.Len(t, timeline, 2)
	assert.Equal(t, "help", timeline[0].Content)
	assert.False(t, timeline[0].Confirmed)
	assert.True(t, timeline[1].IsError())
	assert.Equal(t, 0, f.responder.callCount(), "responder is not called for an unsaved turn")
}

func TestHandlePush_IgnoresOtherSessionsAndRoles(t *testing.T) {
	f := newFixture(t, nil)

	f.rec.HandlePush(&store.Message{ID: "x1", SessionID: "other", Role: store.RoleAssistant, Content: "nope"})
	f.rec.HandlePush(&store.Message{ID: "x2", SessionID: "s1", Role: store.RoleUser, Content: "nope"})
	f.rec.HandlePush(nil)

	assert.Empty(t, f.rec.Timeline())
}

func TestHandlePush_AgentInterventionKeepsMetadata(t *testing.T) {
	f := newFixture(t, nil)

	msg := assistantPush("a1", "I'm here now", time.Now())
	msg.Metadata = store.MessageMetadata{AgentIntervention: true, AgentID: "agent-1"}
	f.rec.HandlePush(msg)

	timeline := f.rec.Timeline()
	require.Len(t, timeline, 1)
	assert.True(t, timeline[0].Metadata.AgentIntervention)
}

func TestAttach_ConsumesFeedAndReplacesSubscription(t *testing.T) {
	f := newFixture(t, nil)
	b := feed.NewBroadcaster(nil)
	defer b.Close()

	require.NoError(t, f.rec.Attach(t.Context(), b))
	require.NoError(t, f.rec.Attach(t.Context(), b))
	require.Eventually(t, func() bool { return b.SubscriberCount("s1") == 1 }, time.Second, 5*time.Millisecond,
		"exactly one live subscription")

	require.NoError(t, b.Publish(t.Context(), assistantPush("p1", "pushed", time.Now())))
	require.Eventually(t, func() bool { return countContent(f.rec.Timeline(), "pushed") == 1 }, time.Second, 5*time.Millisecond)

	f.rec.Close()
	assert.Equal(t, 0, b.SubscriberCount("s1"), "close tears down the subscription")
}

func TestClose_RejectsFurtherWork(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "help"))
	f.rec.Close()
	f.rec.Close()

	assert.ErrorIs(t, f.rec.SendUserMessage(t.Context(), "again"), ErrClosed)
	assert.ErrorIs(t, f.rec.LoadHistory(t.Context()), ErrClosed)

	b := feed.NewBroadcaster(nil)
	defer b.Close()
	assert.ErrorIs(t, f.rec.Attach(t.Context(), b), ErrClosed)
	assert.Equal(t, 0, b.SubscriberCount("s1"))
}

func TestResponderRequestShape(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.KnowledgeBaseIDs = []string{"kb-1"} })

	require.NoError(t, f.rec.SendUserMessage(t.Context(), "  help  "))
	require.Eventually(t, func() bool { return f.responder.callCount() == 1 }, time.Second, 5*time.Millisecond)

	f.responder.mu.Lock()
	req := f.responder.calls[0]
	f.responder.mu.Unlock()

	assert.Equal(t, "help", req.Message)
	assert.Equal(t, "s1", req.SessionID)
	assert.Equal(t, "bot-1", req.ChatbotID)
	assert.Equal(t, "v1", req.UserIdentifier)
	assert.Equal(t, []string{"kb-1"}, req.KnowledgeBaseIDs)
	assert.Equal(t, store.PlatformWeb, req.Metadata.Platform)
}
