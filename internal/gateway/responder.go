// ABOUTME: HTTP handlers used by the automation engine
// ABOUTME: Async reply callbacks with idempotency-key dedupe and the per-session context window

package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/metrics"
	"github.com/2389/supportchat/internal/responder"
	"github.com/2389/supportchat/internal/store"
)

// handleResponderCallback persists a reply the engine produced after the
// webhook call returned. The reply is published on the session feed so open
// widgets pick it up. A repeated Idempotency-Key or message id is answered
// with 200 and not stored again.
func (g *Gateway) handleResponderCallback(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(api.HeaderIdempotencyKey)

	var body responder.Response
	if err := decodeJSON(w, r, &body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	body.Response = strings.TrimSpace(body.Response)
	if body.SessionID == "" || body.Response == "" {
		g.sendJSONError(w, http.StatusBadRequest, "sessionId and response are required")
		return
	}

	if key != "" && g.callbacks.CheckAndMark(key) {
		g.duplicateCallback(w, body.SessionID, key)
		return
	}

	stored, err := g.storeReply(r, &body)
	if err != nil {
		if key != "" {
			// Let the engine retry with the same key
			g.callbacks.Forget(key)
		}
		if errors.Is(err, store.ErrDuplicateMessage) {
			g.duplicateCallback(w, body.SessionID, body.MessageID)
			return
		}
		g.sendStoreError(w, err, "session")
		return
	}

	g.logger.Info("responder reply stored",
		"session_id", stored.SessionID,
		"message_id", stored.ID)
	g.writeJSON(w, http.StatusCreated, api.FromMessages([]*store.Message{stored})[0])
}

func (g *Gateway) storeReply(r *http.Request, body *responder.Response) (*store.Message, error) {
	if _, err := g.store.GetSession(r.Context(), body.SessionID); err != nil {
		return nil, err
	}

	meta := store.MessageMetadata{Source: store.SourceResponder}
	if body.Metadata != nil {
		meta.Sources = body.Metadata.Sources
		meta.Confidence = body.Metadata.Confidence
		meta.HandoffRequired = body.Metadata.HandoffRequired
	}

	stored, err := g.messages.InsertMessage(r.Context(), &store.Message{
		ID:        body.MessageID,
		SessionID: body.SessionID,
		Role:      store.RoleAssistant,
		Content:   body.Response,
		Metadata:  meta,
	})
	if err != nil {
		return nil, err
	}

	g.appendHistory(r.Context(), stored)
	return stored, nil
}

func (g *Gateway) duplicateCallback(w http.ResponseWriter, sessionID, key string) {
	metrics.ResponderCallbackDuplicates.Inc()
	g.logger.Debug("duplicate responder callback", "session_id", sessionID, "key", key)
	g.writeJSON(w, http.StatusOK, api.Status{Status: "duplicate"})
}

// handleListHistory returns the session's automation context window.
func (g *Gateway) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := g.store.ListHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendStoreError(w, err, "history")
		return
	}
	g.writeJSON(w, http.StatusOK, api.HistoryList{Entries: api.FromHistory(entries)})
}

// handleAppendHistory records one turn in the context window.
func (g *Gateway) handleAppendHistory(w http.ResponseWriter, r *http.Request) {
	var entry api.HistoryEntry
	if err := decodeJSON(w, r, &entry); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !entry.Role.Valid() || entry.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "role and content are required")
		return
	}

	err := g.store.AppendHistory(r.Context(), &store.HistoryEntry{
		SessionID: r.PathValue("id"),
		Role:      entry.Role,
		Content:   entry.Content,
		CreatedAt: entry.CreatedAt,
	})
	if err != nil {
		g.sendStoreError(w, err, "history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePurgeHistory drops the context window. Purging an empty history
// succeeds.
func (g *Gateway) handlePurgeHistory(w http.ResponseWriter, r *http.Request) {
	if err := g.store.PurgeHistory(r.Context(), r.PathValue("id")); err != nil {
		g.sendStoreError(w, err, "history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
