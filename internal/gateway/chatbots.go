// ABOUTME: HTTP handlers for the chatbot registry
// ABOUTME: Public lookup for widgets plus operator CRUD with usage counts

package gateway

import (
	"net/http"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/auth"
)

// handleGetChatbot lets a widget read its bot's webhook and settings.
func (g *Gateway) handleGetChatbot(w http.ResponseWriter, r *http.Request) {
	bot, err := g.store.GetChatbot(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendStoreError(w, err, "chatbot")
		return
	}
	g.writeJSON(w, http.StatusOK, api.FromChatbot(bot))
}

// handleAdminListChatbots lists chatbots newest first with session counts
// and last activity.
func (g *Gateway) handleAdminListChatbots(w http.ResponseWriter, r *http.Request) {
	bots, err := g.store.ListChatbots(r.Context())
	if err != nil {
		g.sendStoreError(w, err, "chatbots")
		return
	}
	usage, err := g.store.ChatbotUsage(r.Context())
	if err != nil {
		g.sendStoreError(w, err, "chatbot usage")
		return
	}

	out := make([]api.AdminChatbot, 0, len(bots))
	for _, bot := range bots {
		row := api.AdminChatbot{Chatbot: api.FromChatbot(bot)}
		if u, ok := usage[bot.ID]; ok {
			row.ChatCount = u.SessionCount
			last := u.LastActivity
			row.LastActivity = &last
		}
		out = append(out, row)
	}
	g.writeJSON(w, http.StatusOK, api.AdminChatbotList{Chatbots: out})
}

func (g *Gateway) handleAdminGetChatbot(w http.ResponseWriter, r *http.Request) {
	bot, err := g.store.GetChatbot(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendStoreError(w, err, "chatbot")
		return
	}
	g.writeJSON(w, http.StatusOK, api.FromChatbot(bot))
}

func (g *Gateway) handleAdminCreateChatbot(w http.ResponseWriter, r *http.Request) {
	var req api.CreateChatbotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var ownerID string
	if op := auth.FromContext(r.Context()); op != nil {
		ownerID = op.ID
	}

	bot := req.Chatbot(ownerID)
	if err := g.store.CreateChatbot(r.Context(), bot); err != nil {
		g.sendStoreError(w, err, "chatbot")
		return
	}

	g.logger.Info("chatbot created", "chatbot_id", bot.ID, "owner_id", ownerID)
	g.writeJSON(w, http.StatusCreated, api.FromChatbot(bot))
}

func (g *Gateway) handleAdminPatchChatbot(w http.ResponseWriter, r *http.Request) {
	var req api.PatchChatbotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	bot, err := g.store.UpdateChatbot(r.Context(), r.PathValue("id"), req.Patch())
	if err != nil {
		g.sendStoreError(w, err, "chatbot")
		return
	}
	g.writeJSON(w, http.StatusOK, api.FromChatbot(bot))
}

// handleAdminDeleteChatbot removes the bot. Its sessions stay for transcripts.
func (g *Gateway) handleAdminDeleteChatbot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.store.DeleteChatbot(r.Context(), id); err != nil {
		g.sendStoreError(w, err, "chatbot")
		return
	}
	g.logger.Info("chatbot deleted", "chatbot_id", id)
	w.WriteHeader(http.StatusNoContent)
}
