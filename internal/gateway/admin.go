// ABOUTME: Operator API for the admin dashboard and CLI
// ABOUTME: Sessions, transcripts, stats, agent intervention and the chatbot registry behind JWT roles

package gateway

import (
	"errors"
	"net/http"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/auth"
	"github.com/2389/supportchat/internal/intervention"
	"github.com/2389/supportchat/internal/stats"
	"github.com/2389/supportchat/internal/store"
	"github.com/2389/supportchat/internal/transcript"
)

// defaultAdminListLimit caps the operator session list when no limit is given.
const defaultAdminListLimit = 50

func (g *Gateway) registerAdminRoutes(mux *http.ServeMux) {
	authn := auth.HTTPMiddleware(g.verifier, g.logger)
	viewer := auth.RequireViewer()
	intervener := auth.RequireIntervener()
	botManager := auth.RequireChatbotManager()

	view := func(h http.HandlerFunc) http.Handler { return authn(viewer(h)) }
	intervene := func(h http.HandlerFunc) http.Handler { return authn(intervener(h)) }
	manage := func(h http.HandlerFunc) http.Handler { return authn(botManager(h)) }

	mux.Handle("GET /api/admin/sessions", view(g.handleAdminListSessions))
	mux.Handle("GET /api/admin/sessions/{id}", view(g.handleAdminGetSession))
	mux.Handle("GET /api/admin/sessions/{id}/transcript", view(g.handleTranscript))
	mux.Handle("GET /api/admin/stats", view(g.handleStats))
	mux.Handle("POST /api/admin/sessions/{id}/messages", intervene(g.handleAgentMessage))

	mux.Handle("GET /api/admin/chatbots", manage(g.handleAdminListChatbots))
	mux.Handle("POST /api/admin/chatbots", manage(g.handleAdminCreateChatbot))
	mux.Handle("GET /api/admin/chatbots/{id}", manage(g.handleAdminGetChatbot))
	mux.Handle("PATCH /api/admin/chatbots/{id}", manage(g.handleAdminPatchChatbot))
	mux.Handle("DELETE /api/admin/chatbots/{id}", manage(g.handleAdminDeleteChatbot))
}

// handleAdminListSessions lists recent sessions with their message counts.
func (g *Gateway) handleAdminListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.SessionFilter{
		VisitorID: q.Get("visitor_id"),
		ChatbotID: q.Get("chatbot_id"),
		Status:    store.SessionStatus(q.Get("status")),
		Limit:     defaultAdminListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "invalid status")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit > 0 {
		filter.Limit = limit
	}

	sessions, err := g.store.ListSessions(r.Context(), filter)
	if err != nil {
		g.sendStoreError(w, err, "sessions")
		return
	}

	out := make([]api.AdminSession, 0, len(sessions))
	for _, sess := range sessions {
		msgs, err := g.store.ListMessages(r.Context(), sess.ID, 0)
		if err != nil {
			g.sendStoreError(w, err, "messages")
			return
		}
		out = append(out, api.AdminSession{
			Session:      api.FromSession(sess),
			MessageCount: len(msgs),
		})
	}
	g.writeJSON(w, http.StatusOK, api.AdminSessionList{Sessions: out})
}

func (g *Gateway) handleAdminGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := g.store.GetSession(r.Context(), id)
	if err != nil {
		g.sendStoreError(w, err, "session")
		return
	}
	msgs, err := g.store.ListMessages(r.Context(), id, 0)
	if err != nil {
		g.sendStoreError(w, err, "messages")
		return
	}
	g.writeJSON(w, http.StatusOK, api.AdminSessionDetail{
		Session:  api.FromSession(sess),
		Messages: api.FromMessages(msgs),
	})
}

// handleTranscript renders the conversation, HTML by default or markdown
// with ?format=md.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	format := r.URL.Query().Get("format")
	if format != "" && format != "html" && format != "md" {
		g.sendJSONError(w, http.StatusBadRequest, "format must be html or md")
		return
	}

	sess, err := g.store.GetSession(r.Context(), id)
	if err != nil {
		g.sendStoreError(w, err, "session")
		return
	}
	msgs, err := g.store.ListMessages(r.Context(), id, 0)
	if err != nil {
		g.sendStoreError(w, err, "messages")
		return
	}

	if format == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		err = transcript.RenderMarkdown(w, sess, msgs)
	} else {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err = transcript.RenderHTML(w, sess, msgs)
	}
	if err != nil {
		g.logger.Error("failed to render transcript", "session_id", id, "error", err)
	}
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	out, err := stats.Compute(r.Context(), g.store, stats.Options{Now: g.now()})
	if err != nil {
		g.sendStoreError(w, err, "stats")
		return
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleAgentMessage injects an operator reply into a live conversation.
func (g *Gateway) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	op := auth.FromContext(r.Context())
	if op == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req api.AgentMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := g.bridge.SendAgentMessage(r.Context(), r.PathValue("id"), req.Content, intervention.Agent{
		ID:    op.ID,
		Email: op.Email,
	})
	if err != nil {
		switch {
		case errors.Is(err, intervention.ErrEmptyMessage), errors.Is(err, intervention.ErrMissingAgent):
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, intervention.ErrSessionNotActive):
			g.sendJSONError(w, http.StatusConflict, err.Error())
		default:
			g.sendStoreError(w, err, "session")
		}
		return
	}

	g.logger.Info("agent intervention",
		"session_id", msg.SessionID,
		"message_id", msg.ID,
		"agent_id", op.ID)
	g.writeJSON(w, http.StatusCreated, api.FromMessages([]*store.Message{msg})[0])
}
