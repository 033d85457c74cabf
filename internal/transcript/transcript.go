// ABOUTME: Renders a session's conversation for operators
// ABOUTME: HTML via goldmark and an embedded template, plus a plain markdown export

package transcript

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/supportchat/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var page = template.Must(template.ParseFS(templateFS, "templates/transcript.html"))

// md renders message bodies. Raw HTML in content is dropped.
var md = goldmark.New()

type renderedMessage struct {
	Class     string
	HTML      template.HTML
	Agent     string
	CreatedAt time.Time
}

// AgentLabel is how an intervention is attributed: the local part of the
// agent's email, or "Unknown".
func AgentLabel(m *store.Message) string {
	if !m.IsAgentIntervention() {
		return ""
	}
	if local, _, _ := strings.Cut(m.Metadata.AgentEmail, "@"); local != "" {
		return local
	}
	return "Unknown"
}

func class(m *store.Message) string {
	switch {
	case m.Role == store.RoleUser:
		return "user"
	case m.IsAgentIntervention():
		return "agent"
	case m.Metadata.Error:
		return "error"
	default:
		return "bot"
	}
}

// RenderHTML writes a standalone HTML page for the conversation.
func RenderHTML(w io.Writer, sess *store.Session, msgs []*store.Message) error {
	rendered := make([]renderedMessage, 0, len(msgs))
	for _, m := range msgs {
		var buf bytes.Buffer
		if err := md.Convert([]byte(m.Content), &buf); err != nil {
			return fmt.Errorf("rendering message %s: %w", m.ID, err)
		}
		rendered = append(rendered, renderedMessage{
			Class:     class(m),
			HTML:      template.HTML(buf.String()),
			Agent:     AgentLabel(m),
			CreatedAt: m.CreatedAt,
		})
	}

	data := struct {
		Session  *store.Session
		Messages []renderedMessage
	}{sess, rendered}

	if err := page.Execute(w, data); err != nil {
		return fmt.Errorf("executing transcript template: %w", err)
	}
	return nil
}

// RenderMarkdown writes the conversation as markdown, one section per message.
func RenderMarkdown(w io.Writer, sess *store.Session, msgs []*store.Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", sess.ID)
	fmt.Fprintf(&b, "- Visitor: %s\n- Status: %s\n- Started: %s\n",
		sess.VisitorID, sess.Status, sess.CreatedAt.Format(time.RFC3339))
	if sess.Metadata.HadHumanIntervention {
		fmt.Fprintf(&b, "- Human handoff: %s\n", sess.Metadata.LastAgentID)
	}

	for _, m := range msgs {
		speaker := "Visitor"
		switch {
		case m.IsAgentIntervention():
			speaker = "Agent " + AgentLabel(m)
		case m.Role == store.RoleAssistant:
			speaker = "Bot"
		case m.Role == store.RoleSystem:
			speaker = "System"
		}
		fmt.Fprintf(&b, "\n## %s (%s)\n\n%s\n", speaker, m.CreatedAt.Format("15:04:05"), m.Content)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
