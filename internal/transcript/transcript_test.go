// ABOUTME: Tests for transcript rendering
// ABOUTME: Checks markdown conversion, escaping and agent attribution

package transcript

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/supportchat/internal/store"
)

var at = time.Date(2025, 3, 10, 14, 5, 0, 0, time.UTC)

func fixture() (*store.Session, []*store.Message) {
	sess := &store.Session{
		ID:        "s1",
		VisitorID: "v1",
		Status:    store.SessionStatusCompleted,
		Metadata:  store.SessionMetadata{HadHumanIntervention: true, LastAgentID: "a1"},
		CreatedAt: at,
	}
	msgs := []*store.Message{
		{ID: "m1", Role: store.RoleUser, Content: "I need **help**", CreatedAt: at},
		{ID: "m2", Role: store.RoleAssistant, Content: "Sure <script>alert(1)</script>", CreatedAt: at.Add(time.Second)},
		{ID: "m3", Role: store.RoleAssistant, Content: "A human here", CreatedAt: at.Add(2 * time.Second),
			Metadata: store.MessageMetadata{AgentIntervention: true, AgentID: "a1", AgentEmail: "dana@example.com"}},
	}
	return sess, msgs
}

func TestAgentLabel(t *testing.T) {
	tests := []struct {
		name string
		meta store.MessageMetadata
		want string
	}{
		{"not an agent", store.MessageMetadata{}, ""},
		{"email local part", store.MessageMetadata{AgentIntervention: true, AgentEmail: "dana@example.com"}, "dana"},
		{"no email", store.MessageMetadata{AgentIntervention: true}, "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AgentLabel(&store.Message{Metadata: tt.meta}))
		})
	}
}

func TestRenderHTML(t *testing.T) {
	sess, msgs := fixture()

	var buf bytes.Buffer
	require.NoError(t, RenderHTML(&buf, sess, msgs))
	out := buf.String()

	assert.Contains(t, out, "<strong>help</strong>")
	assert.NotContains(t, out, "<script>alert(1)</script>")
	assert.Contains(t, out, `class="msg agent"`)
	assert.Contains(t, out, "Agent: dana")
	assert.Contains(t, out, "human handoff")
}

func TestRenderHTML_Empty(t *testing.T) {
	sess, _ := fixture()

	var buf bytes.Buffer
	require.NoError(t, RenderHTML(&buf, sess, nil))
	assert.Contains(t, buf.String(), "No messages in this conversation yet.")
}

func TestRenderMarkdown(t *testing.T) {
	sess, msgs := fixture()

	var buf bytes.Buffer
	require.NoError(t, RenderMarkdown(&buf, sess, msgs))
	out := buf.String()

	assert.Contains(t, out, "# Conversation s1")
	assert.Contains(t, out, "- Human handoff: a1")
	assert.Contains(t, out, "## Visitor (14:05:00)")
	assert.Contains(t, out, "## Bot (14:05:01)")
	assert.Contains(t, out, "## Agent dana (14:05:02)")
}
