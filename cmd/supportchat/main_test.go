// ABOUTME: Tests for the supportchat CLI commands against a real gateway
// ABOUTME: Drives cobra with SetArgs/SetIn and checks rendered output

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
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
	"github.com/2389/supportchat/internal/reconciler"
	"github.com/2389/supportchat/internal/remote"
	"github.com/2389/supportchat/internal/responder"
	"github.com/2389/supportchat/internal/stats"
	"github.com/2389/supportchat/internal/store"
)

const testJWTSecret = "test-secret-that-is-at-least-32-bytes-long"

func startGateway(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0", ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "supportchat.db")},
		Auth:     config.AuthConfig{JWTSecret: testJWTSecret},
		Widget:   config.WidgetConfig{RetryDelay: 10 * time.Millisecond, UnloadTimeout: time.Second},
	}
	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return srv.URL
}

func operatorToken(t *testing.T) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	tok, err := v.Generate(auth.Operator{ID: "agent-7", Email: "dana@example.com", Role: auth.RoleSupportAgent}, time.Hour)
	require.NoError(t, err)
	return tok
}

// run executes the CLI and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func seed(t *testing.T, server string) {
	t.Helper()
	c := remote.New(server)
	require.NoError(t, c.CreateSession(t.Context(), &store.Session{
		ID: "s1", ChatbotID: "bot-1", VisitorID: "v1", Status: store.SessionStatusActive,
	}))
	_, err := c.InsertMessage(t.Context(), &store.Message{SessionID: "s1", Role: store.RoleUser, Content: "Where is my order?"})
	require.NoError(t, err)
}

func managerToken(t *testing.T) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	tok, err := v.Generate(auth.Operator{ID: "admin-1", Email: "sam@example.com", Role: auth.RoleChatbotManager}, time.Hour)
	require.NoError(t, err)
	return tok
}

// registerBot adds a chatbot through the admin API.
func registerBot(t *testing.T, server string, req api.CreateChatbotRequest) {
	t.Helper()
	_, err := remote.New(server, remote.WithToken(managerToken(t))).CreateChatbot(t.Context(), req)
	require.NoError(t, err)
}

func TestChat_ReplyThenEnd(t *testing.T) {
	server := startGateway(t)

	kbSeen := make(chan []string, 1)
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req responder.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		select {
		case kbSeen <- req.KnowledgeBaseIDs:
		default:
		}
		_ = json.NewEncoder(w).Encode(responder.Response{
			Response:  "Returns take 5 days.",
			SessionID: req.SessionID,
		})
	}))
	defer engine.Close()

	registerBot(t, server, api.CreateChatbotRequest{
		ID:               "bot-1",
		Name:             "Returns desk",
		WebhookURL:       engine.URL,
		KnowledgeBaseIDs: []string{"kb-returns"},
		Config:           store.ChatbotConfig{WelcomeMessage: "Need to send something back?"},
	})

	visitorFile := filepath.Join(t.TempDir(), "visitor_id")
	out, err := run(t, "what about returns?\n/end\n",
		"--server", server, "--token", "",
		"chat", "--chatbot", "bot-1", "--responder", "", "--visitor-file", visitorFile)
	require.NoError(t, err)

	assert.Contains(t, out, "Need to send something back?")
	assert.Contains(t, out, "Returns take 5 days.")
	assert.Contains(t, out, "Conversation ended.")

	select {
	case kbs := <-kbSeen:
		assert.Equal(t, []string{"kb-returns"}, kbs)
	default:
		t.Fatal("engine was not called")
	}

	data, err := os.ReadFile(visitorFile)
	require.NoError(t, err)
	visitorID := strings.TrimSpace(string(data))

	sessions, err := remote.New(server).ListSessions(t.Context(), store.SessionFilter{VisitorID: visitorID})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, store.SessionStatusCompleted, sessions[0].Status)
	assert.Equal(t, string(lifecycle.ReasonUserClosed), sessions[0].Metadata.SessionEndReason)

	msgs, err := remote.New(server).ListMessages(t.Context(), sessions[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "what about returns?", msgs[0].Content)
}

func TestChat_RequiresFlags(t *testing.T) {
	_, err := run(t, "", "--server", "http://127.0.0.1:1", "chat")
	assert.ErrorContains(t, err, "--chatbot is required")
}

func TestChat_RejectsUnknownAndInactiveBots(t *testing.T) {
	server := startGateway(t)
	visitorFile := filepath.Join(t.TempDir(), "visitor_id")

	_, err := run(t, "/quit\n", "--server", server, "--token", "",
		"chat", "--chatbot", "nobody", "--visitor-file", visitorFile)
	assert.ErrorIs(t, err, store.ErrNotFound)

	registerBot(t, server, api.CreateChatbotRequest{
		ID: "bot-off", Name: "Retired", WebhookURL: "https://automation.example.com/hook", IsActive: new(bool),
	})
	_, err = run(t, "/quit\n", "--server", server, "--token", "",
		"chat", "--chatbot", "bot-off", "--visitor-file", visitorFile)
	assert.ErrorIs(t, err, lifecycle.ErrChatbotInactive)
}

func TestChatSettings_FlagsOverrideBot(t *testing.T) {
	bot := &store.Chatbot{
		WebhookURL:       "https://automation.example.com/hook",
		KnowledgeBaseIDs: []string{"kb-faq"},
		Config:           store.ChatbotConfig{WelcomeMessage: "Hi there"},
	}

	got := chatSettings(bot, &chatOptions{})
	assert.Equal(t, "https://automation.example.com/hook", got.responderURL)
	assert.Equal(t, []string{"kb-faq"}, got.kbIDs)
	assert.Equal(t, "Hi there", got.welcome)

	got = chatSettings(bot, &chatOptions{responderURL: "http://localhost:5678/hook", kbIDs: []string{"kb-x"}, welcome: "Yo"})
	assert.Equal(t, "http://localhost:5678/hook", got.responderURL)
	assert.Equal(t, []string{"kb-x"}, got.kbIDs)
	assert.Equal(t, "Yo", got.welcome)
}

type failingHistory struct{ err error }

func (f failingHistory) LoadHistory(context.Context) error { return f.err }

func TestLoadHistory_FailureShownInline(t *testing.T) {
	var buf bytes.Buffer
	printer := &chatPrinter{out: &buf, idle: make(chan struct{}, 1)}

	loadHistory(t.Context(), failingHistory{err: errors.New("gateway unavailable")}, printer)
	assert.Contains(t, buf.String(), "could not load earlier messages: gateway unavailable")

	buf.Reset()
	loadHistory(t.Context(), failingHistory{}, printer)
	assert.Empty(t, buf.String())
}

func TestChatbotsCommand(t *testing.T) {
	server := startGateway(t)
	token := managerToken(t)

	out, err := run(t, "", "--server", server, "--token", token, "chatbots")
	require.NoError(t, err)
	assert.Contains(t, out, "No chatbots registered")

	out, err = run(t, "", "--server", server, "--token", token,
		"chatbots", "create", "--id", "bot-1", "--name", "Support", "--webhook", "https://automation.example.com/hook")
	require.NoError(t, err)
	assert.Contains(t, out, "Created chatbot")

	seed(t, server)

	out, err = run(t, "", "--server", server, "--token", token, "chatbots")
	require.NoError(t, err)
	assert.Contains(t, out, "1 chatbot(s)")
	assert.Contains(t, out, "Support")
	assert.NotContains(t, out, "never")

	out, err = run(t, "", "--server", server, "--token", token, "chatbots", "disable", "bot-1")
	require.NoError(t, err)
	assert.Contains(t, out, "bot-1 is now inactive")

	_, err = run(t, "", "--server", server, "--token", token, "chatbots", "delete", "bot-1")
	require.NoError(t, err)

	// Conversations outlive their bot
	sess, err := remote.New(server).GetSession(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "bot-1", sess.ChatbotID)

	_, err = run(t, "", "--server", server, "--token", operatorToken(t), "chatbots")
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
}

func TestSessionsCommand(t *testing.T) {
	server := startGateway(t)
	seed(t, server)
	token := operatorToken(t)

	out, err := run(t, "", "--server", server, "--token", token, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "1 session(s)")
	assert.Contains(t, out, "s1")

	out, err = run(t, "", "--server", server, "--token", token, "sessions", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Session s1")
	assert.Contains(t, out, "Where is my order?")

	_, err = run(t, "", "--server", server, "--token", token, "sessions", "--status", "nope")
	assert.ErrorContains(t, err, "unknown status")

	_, err = run(t, "", "--server", server, "--token", "", "sessions")
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
}

func TestTranscriptCommand(t *testing.T) {
	server := startGateway(t)
	seed(t, server)
	token := operatorToken(t)

	out, err := run(t, "", "--server", server, "--token", token, "transcript", "s1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# Conversation s1"))

	file := filepath.Join(t.TempDir(), "s1.html")
	_, err = run(t, "", "--server", server, "--token", token, "transcript", "s1", "-f", "html", "-o", file)
	require.NoError(t, err)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Where is my order?")

	_, err = run(t, "", "--server", server, "--token", token, "transcript", "s1", "-f", "pdf")
	assert.ErrorContains(t, err, "unsupported format")
}

func TestInterveneCommand_OneShot(t *testing.T) {
	server := startGateway(t)
	seed(t, server)

	out, err := run(t, "", "--server", server, "--token", operatorToken(t), "intervene", "s1", "Hi,", "a", "human", "here")
	require.NoError(t, err)
	assert.Contains(t, out, "Hi, a human here")
	assert.Contains(t, out, "agent dana")

	sess, err := remote.New(server).GetSession(t.Context(), "s1")
	require.NoError(t, err)
	assert.True(t, sess.Metadata.HadHumanIntervention)
}

func TestInterveneCommand_Interactive(t *testing.T) {
	server := startGateway(t)
	seed(t, server)

	out, err := run(t, "first reply\n/quit\n", "--server", server, "--token", operatorToken(t), "intervene", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Session s1")
	assert.Contains(t, out, "Where is my order?")
	assert.Equal(t, 1, strings.Count(out, "first reply"))
}

func TestStatsAndStatus(t *testing.T) {
	server := startGateway(t)
	seed(t, server)

	out, err := run(t, "", "--server", server, "--token", operatorToken(t), "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Total sessions")
	assert.Contains(t, out, "Active sessions")

	out, err = run(t, "", "--server", server, "--token", "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "no operator token")
}

func TestFormatEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry reconciler.Entry
		want  []string
	}{
		{
			name:  "visitor",
			entry: reconciler.Entry{Role: store.RoleUser, Content: "hi"},
			want:  []string{"you", "hi"},
		},
		{
			name: "agent",
			entry: reconciler.Entry{Role: store.RoleAssistant, Content: "a human here",
				Metadata: store.MessageMetadata{AgentIntervention: true, AgentEmail: "dana@example.com"}},
			want: []string{"agent dana", "a human here"},
		},
		{
			name:  "error",
			entry: reconciler.Entry{Role: store.RoleAssistant, Content: "timed out", Metadata: store.MessageMetadata{Error: true}},
			want:  []string{"! timed out"},
		},
		{
			name:  "handoff",
			entry: reconciler.Entry{Role: store.RoleAssistant, Content: "let me get someone", Metadata: store.MessageMetadata{HandoffRequired: true}},
			want:  []string{"bot", "[handoff requested]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatEntry(tt.entry)
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
		})
	}
}

func TestRenderStats(t *testing.T) {
	out := renderStats(&stats.Stats{TotalSessions: 3, AvgResponseSeconds: 200, PeakHour: "14:00", SessionsSampled: 3})
	assert.Contains(t, out, "3m 20s")
	assert.Contains(t, out, "14:00")
	assert.Contains(t, out, "3 most recent sessions")
}
