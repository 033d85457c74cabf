// ABOUTME: lipgloss styles and renderers for chat lines, session tables and stats
// ABOUTME: Every command prints through these so output stays consistent

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/reconciler"
	"github.com/2389/supportchat/internal/stats"
	"github.com/2389/supportchat/internal/store"
	"github.com/2389/supportchat/internal/transcript"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	statusStyles = map[store.SessionStatus]lipgloss.Style{
		store.SessionStatusActive:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		store.SessionStatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		store.SessionStatusAbandoned: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	}

	statBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 2)
)

// speaker labels a line by author.
func speaker(role store.Role, md store.MessageMetadata, agent string) string {
	switch {
	case role == store.RoleUser:
		return userStyle.Render("you")
	case md.AgentIntervention:
		return agentStyle.Render("agent " + agent)
	default:
		return botStyle.Render("bot")
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "     "
	}
	return dimStyle.Render(t.Local().Format("15:04"))
}

// formatEntry renders one timeline entry of the visitor chat.
func formatEntry(e reconciler.Entry) string {
	if e.IsError() {
		return fmt.Sprintf("%s %s", stamp(e.CreatedAt), errorStyle.Render("! "+e.Content))
	}
	agent := transcript.AgentLabel(&store.Message{Role: e.Role, Metadata: e.Metadata})
	line := fmt.Sprintf("%s %s: %s", stamp(e.CreatedAt), speaker(e.Role, e.Metadata, agent), e.Content)
	if e.Metadata.HandoffRequired {
		line += " " + dimStyle.Render("[handoff requested]")
	}
	return line
}

// formatMessage renders one stored message for operator views.
func formatMessage(m *store.Message) string {
	label := speaker(m.Role, m.Metadata, transcript.AgentLabel(m))
	if m.Role == store.RoleUser {
		label = userStyle.Render("visitor")
	}
	if m.Metadata.Error {
		return fmt.Sprintf("%s %s: %s", stamp(m.CreatedAt), label, errorStyle.Render(m.Content))
	}
	return fmt.Sprintf("%s %s: %s", stamp(m.CreatedAt), label, m.Content)
}

func formatStatus(s store.SessionStatus) string {
	if style, ok := statusStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

// writeSessionTable prints the operator session list.
func writeSessionTable(w io.Writer, sessions []api.AdminSession) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No sessions found"))
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d session(s)", len(sessions))))
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCHATBOT\tVISITOR\tMESSAGES\tHUMAN\tUPDATED")
	for _, s := range sessions {
		human := ""
		if s.Metadata.HadHumanIntervention {
			human = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.Status, s.ChatbotID, s.VisitorID, s.MessageCount, human,
			s.UpdatedAt.Local().Format("Jan 02 15:04"))
	}
	tw.Flush()
}

// writeSessionDetail prints one session and its conversation.
func writeSessionDetail(w io.Writer, d *api.AdminSessionDetail) {
	s := d.Session
	fmt.Fprintln(w, headerStyle.Render("Session "+s.ID))
	fmt.Fprintf(w, "  Status:   %s\n", formatStatus(s.Status))
	fmt.Fprintf(w, "  Chatbot:  %s\n", s.ChatbotID)
	fmt.Fprintf(w, "  Visitor:  %s\n", idStyle.Render(s.VisitorID))
	fmt.Fprintf(w, "  Started:  %s\n", s.CreatedAt.Local().Format(time.DateTime))
	if s.Metadata.SessionEndedAt != "" {
		fmt.Fprintf(w, "  Ended:    %s (%s)\n", s.Metadata.SessionEndedAt, s.Metadata.SessionEndReason)
	}
	if s.Metadata.HadHumanIntervention {
		fmt.Fprintf(w, "  Agent:    %s\n", s.Metadata.LastAgentID)
	}
	fmt.Fprintln(w)

	if len(d.Messages) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  (no messages)"))
		return
	}
	for _, m := range d.Messages {
		fmt.Fprintln(w, formatMessage(m.Message()))
	}
}

// renderStats lays the dashboard figures out in a box.
func renderStats(st *stats.Stats) string {
	var b strings.Builder
	rows := [][2]string{
		{"Total sessions", fmt.Sprint(st.TotalSessions)},
		{"Active sessions", fmt.Sprint(st.ActiveSessions)},
		{"Messages today", fmt.Sprint(st.MessagesToday)},
		{"Avg response", stats.FormatDuration(st.AvgResponseSeconds)},
		{"Avg session", stats.FormatDuration(st.AvgSessionSeconds)},
		{"Peak hour", st.PeakHour},
		{"Human handoffs", fmt.Sprint(st.HumanHandoffs)},
	}
	for i, r := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("%-16s %s", r[0], botStyle.Render(r[1])))
	}
	b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("timings from the %d most recent sessions", st.SessionsSampled)))
	return statBoxStyle.Render(b.String())
}
