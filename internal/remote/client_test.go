// ABOUTME: Tests for the remote client against a real gateway handler
// ABOUTME: Runs the lifecycle manager and feed subscriptions over HTTP with a SQLite store

package remote

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/auth"
	"github.com/2389/supportchat/internal/config"
	"github.com/2389/supportchat/internal/gateway"
	"github.com/2389/supportchat/internal/lifecycle"
	"github.com/2389/supportchat/internal/store"
)

const (
	testJWTSecret       = "test-secret-that-is-at-least-32-bytes-long"
	testResponderSecret = "engine-secret"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway serves a SQLite-backed gateway on httptest.
func startGateway(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0", ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "supportchat.db")},
		Auth: config.AuthConfig{
			JWTSecret:       testJWTSecret,
			ResponderSecret: testResponderSecret,
		},
		Widget: config.WidgetConfig{RetryDelay: 10 * time.Millisecond, UnloadTimeout: time.Second},
	}

	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return srv
}

func newSession(id, visitor string) *store.Session {
	return &store.Session{ID: id, ChatbotID: "bot-1", VisitorID: visitor, Status: store.SessionStatusActive}
}

func operatorToken(t *testing.T, role auth.Role) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	tok, err := v.Generate(auth.Operator{ID: "agent-7", Email: "dana@example.com", Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestSessions(t *testing.T) {
	srv := startGateway(t)
	c := New(srv.URL, WithLogger(testLogger()))
	ctx := t.Context()

	sess := newSession("s1", "v1")
	require.NoError(t, c.CreateSession(ctx, sess))
	assert.False(t, sess.CreatedAt.IsZero())

	err := c.CreateSession(ctx, newSession("s1", "v1"))
	assert.ErrorIs(t, err, store.ErrDuplicateSession)

	got, err := c.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.VisitorID)
	assert.Equal(t, store.SessionStatusActive, got.Status)

	_, err = c.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	completed := store.SessionStatusCompleted
	updated, err := c.UpdateSession(ctx, "s1", store.SessionPatch{Status: &completed})
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCompleted, updated.Status)

	list, err := c.ListSessions(ctx, store.SessionFilter{VisitorID: "v1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)

	list, err = c.ListSessions(ctx, store.SessionFilter{VisitorID: "v1", Status: store.SessionStatusActive})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMessages(t *testing.T) {
	srv := startGateway(t)
	c := New(srv.URL)
	ctx := t.Context()
	require.NoError(t, c.CreateSession(ctx, newSession("s1", "v1")))

	for _, text := range []string{"one", "two", "three"} {
		msg, err := c.InsertMessage(ctx, &store.Message{SessionID: "s1", Role: store.RoleUser, Content: text})
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, text, msg.Content)
	}

	msgs, err := c.ListMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)

	msgs, err = c.ListMessages(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = c.InsertMessage(ctx, &store.Message{SessionID: "s1", Role: store.RoleAssistant, Content: "spoof"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Contains(t, se.Message, "only user messages")
}

func TestHistory(t *testing.T) {
	srv := startGateway(t)
	ctx := t.Context()

	open := New(srv.URL)
	require.NoError(t, open.CreateSession(ctx, newSession("s1", "v1")))

	err := open.AppendHistory(ctx, &store.HistoryEntry{SessionID: "s1", Role: store.RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	engine := New(srv.URL, WithResponderSecret(testResponderSecret))
	require.NoError(t, engine.AppendHistory(ctx, &store.HistoryEntry{SessionID: "s1", Role: store.RoleUser, Content: "hi"}))

	entries, err := engine.ListHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, "hi", entries[0].Content)

	require.NoError(t, open.PurgeHistory(ctx, "s1"))

	entries, err = engine.ListHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubscribe(t *testing.T) {
	for _, tt := range []struct {
		name string
		opts []Option
	}{
		{"sse", nil},
		{"websocket", []Option{WithWebSocket()}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := startGateway(t)
			c := New(srv.URL, tt.opts...)
			ctx := t.Context()
			require.NoError(t, c.CreateSession(ctx, newSession("s1", "v1")))

			sub, err := c.Subscribe(ctx, "s1")
			require.NoError(t, err)
			defer sub.Close()

			sent, err := c.InsertMessage(ctx, &store.Message{SessionID: "s1", Role: store.RoleUser, Content: "ping"})
			require.NoError(t, err)

			select {
			case got, ok := <-sub.C:
				require.True(t, ok)
				assert.Equal(t, sent.ID, got.ID)
				assert.Equal(t, "ping", got.Content)
				assert.Equal(t, "s1", got.SessionID)
			case <-time.After(2 * time.Second):
				t.Fatal("insert was not delivered")
			}

			sub.Close()
			select {
			case _, ok := <-sub.C:
				assert.False(t, ok)
			case <-time.After(2 * time.Second):
				t.Fatal("channel not closed after Close")
			}
		})
	}
}

func TestSubscribe_UnknownSession(t *testing.T) {
	srv := startGateway(t)

	_, err := New(srv.URL).Subscribe(t.Context(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = New(srv.URL, WithWebSocket()).Subscribe(t.Context(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubscribe_NotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message\ndata: {}\n\n")
	}))
	defer srv.Close()

	_, err := New(srv.URL).Subscribe(t.Context(), "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected first event")
}

func TestReadEvent(t *testing.T) {
	raw := ": keepalive\n\nevent: message\ndata: line one\ndata: line two\n\n"
	r := strings.NewReader(raw)

	ev, err := readEvent(bufio.NewReader(r))
	require.NoError(t, err)
	assert.Equal(t, "message", ev.name)
	assert.Equal(t, "line one\nline two", ev.data)
}

func TestLifecycleOverRemote(t *testing.T) {
	srv := startGateway(t)
	c := New(srv.URL)
	ctx := t.Context()

	m := lifecycle.NewManager(c, lifecycle.Config{RetryDelay: 10 * time.Millisecond}, testLogger())

	first, err := m.ResolveOrCreate(ctx, lifecycle.ResolveRequest{VisitorID: "v1", ChatbotID: "bot-1"})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeCreated, first.Outcome)

	second, err := m.ResolveOrCreate(ctx, lifecycle.ResolveRequest{VisitorID: "v1", ChatbotID: "bot-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)

	old, err := c.GetSession(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCompleted, old.Status)
	assert.Equal(t, string(lifecycle.ReasonNewSession), old.Metadata.SessionEndReason)

	m.OnUnload(second.Session.ID)
	require.NoError(t, m.Flush(ctx))

	require.Eventually(t, func() bool {
		s, err := c.GetSession(ctx, second.Session.ID)
		return err == nil && s.Status == store.SessionStatusCompleted &&
			s.Metadata.SessionEndReason == string(lifecycle.ReasonBrowserClosed)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAdmin(t *testing.T) {
	srv := startGateway(t)
	ctx := t.Context()

	widget := New(srv.URL)
	require.NoError(t, widget.CreateSession(ctx, newSession("s1", "v1")))
	_, err := widget.InsertMessage(ctx, &store.Message{SessionID: "s1", Role: store.RoleUser, Content: "Where is **my** order?"})
	require.NoError(t, err)

	_, err = widget.Stats(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)

	op := New(srv.URL, WithToken(operatorToken(t, auth.RoleSupportAgent)))

	list, err := op.AdminSessions(ctx, store.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].MessageCount)

	detail, err := op.AdminSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, detail.Messages, 1)

	md, err := op.Transcript(ctx, "s1", "md")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(md, "# Conversation s1"))

	st, err := op.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalSessions)

	msg, err := op.SendAgentMessage(ctx, "s1", "A human here.")
	require.NoError(t, err)
	assert.True(t, msg.Metadata.AgentIntervention)
	assert.Equal(t, "agent-7", msg.Metadata.AgentID)

	analyst := New(srv.URL, WithToken(operatorToken(t, auth.RoleAnalyst)))
	_, err = analyst.SendAgentMessage(ctx, "s1", "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = op.AdminSession(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestChatbots(t *testing.T) {
	srv := startGateway(t)
	ctx := t.Context()

	mgr := New(srv.URL, WithToken(operatorToken(t, auth.RoleChatbotManager)))
	bot, err := mgr.CreateChatbot(ctx, api.CreateChatbotRequest{
		ID:               "bot-1",
		Name:             "Support",
		WebhookURL:       "https://automation.example.com/hook",
		KnowledgeBaseIDs: []string{"kb-faq"},
	})
	require.NoError(t, err)
	assert.True(t, bot.IsActive)

	_, err = mgr.CreateChatbot(ctx, api.CreateChatbotRequest{ID: "bot-1", Name: "Again", WebhookURL: "https://automation.example.com/hook"})
	assert.ErrorIs(t, err, store.ErrDuplicateChatbot)

	widget := New(srv.URL)
	got, err := widget.GetChatbot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"kb-faq"}, got.KnowledgeBaseIDs)

	_, err = widget.GetChatbot(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	m := lifecycle.NewManager(widget, lifecycle.Config{RetryDelay: 10 * time.Millisecond, Chatbots: widget}, testLogger())
	_, err = m.ResolveOrCreate(ctx, lifecycle.ResolveRequest{VisitorID: "v1", ChatbotID: "bot-1"})
	require.NoError(t, err)

	list, err := mgr.Chatbots(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].ChatCount)
	assert.NotNil(t, list[0].LastActivity)

	off := false
	_, err = mgr.UpdateChatbot(ctx, "bot-1", api.PatchChatbotRequest{IsActive: &off})
	require.NoError(t, err)
	_, err = m.ResolveOrCreate(ctx, lifecycle.ResolveRequest{VisitorID: "v2", ChatbotID: "bot-1"})
	assert.ErrorIs(t, err, lifecycle.ErrChatbotInactive)

	_, err = m.ResolveOrCreate(ctx, lifecycle.ResolveRequest{VisitorID: "v2", ChatbotID: "missing"})
	assert.ErrorIs(t, err, lifecycle.ErrUnknownChatbot)

	require.NoError(t, mgr.DeleteChatbot(ctx, "bot-1"))
	assert.ErrorIs(t, mgr.DeleteChatbot(ctx, "bot-1"), store.ErrNotFound)

	agent := New(srv.URL, WithToken(operatorToken(t, auth.RoleSupportAgent)))
	_, err = agent.Chatbots(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
