// ABOUTME: HTTP handlers for the widget session and message API
// ABOUTME: Exposes the store contract and server-side resolve/end over JSON

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/lifecycle"
	"github.com/2389/supportchat/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// errEmptyBody is returned by decodeJSON when the body is absent.
var errEmptyBody = errors.New("request body is empty")

// decodeJSON reads one JSON value from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// writeJSON writes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, api.Error{Error: message})
}

// sendStoreError maps store errors to HTTP status codes.
func (g *Gateway) sendStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrDuplicateSession), errors.Is(err, store.ErrDuplicateMessage),
		errors.Is(err, store.ErrDuplicateChatbot):
		g.sendJSONError(w, http.StatusConflict, what+" already exists")
	case errors.Is(err, store.ErrInvalidChatbot):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("store operation failed", "what", what, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// queryLimit parses ?limit=, returning 0 when absent.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// handleResolve runs ResolveOrCreate for a widget that is opening.
// Concurrent resolves for the same identity share one result.
func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req api.ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resolve := func() (any, error) {
		// Detached so one caller hanging up does not fail the others
		return g.lifecycle.ResolveOrCreate(context.WithoutCancel(r.Context()), lifecycle.ResolveRequest{
			SessionID: req.SessionID,
			VisitorID: req.VisitorID,
			ChatbotID: req.ChatbotID,
			Platform:  req.Platform,
			Metadata:  req.Metadata,
		})
	}

	var v any
	var err error
	if req.SessionID == "" && req.VisitorID == "" {
		v, err = resolve()
	} else {
		key := strings.Join([]string{req.SessionID, req.VisitorID, req.ChatbotID}, "\x00")
		v, err, _ = g.resolves.Do(key, resolve)
	}

	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrInvalidRequest):
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, lifecycle.ErrUnknownChatbot):
			g.sendJSONError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, lifecycle.ErrSessionConflict):
			g.sendJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, lifecycle.ErrSessionAbandoned), errors.Is(err, lifecycle.ErrChatbotInactive):
			g.sendJSONError(w, http.StatusGone, err.Error())
		default:
			g.sendStoreError(w, err, "session")
		}
		return
	}

	res := v.(*lifecycle.Resolution)
	status := http.StatusOK
	if res.Outcome == lifecycle.OutcomeCreated {
		status = http.StatusCreated
	}
	g.writeJSON(w, status, api.ResolveResponse{
		Session: api.FromSession(res.Session),
		Outcome: string(res.Outcome),
	})
}

// handleCreateSession is the store contract insert.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body api.Session
	if err := decodeJSON(w, r, &body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if body.ID == "" || body.ChatbotID == "" || body.VisitorID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "id, chatbot_id and visitor_id are required")
		return
	}
	if body.Status == "" {
		body.Status = store.SessionStatusActive
	}
	if !body.Status.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "invalid status")
		return
	}

	sess := body.Store()
	if err := g.store.CreateSession(r.Context(), sess); err != nil {
		g.sendStoreError(w, err, "session")
		return
	}

	created, err := g.store.GetSession(r.Context(), sess.ID)
	if err != nil {
		g.sendStoreError(w, err, "session")
		return
	}
	g.writeJSON(w, http.StatusCreated, api.FromSession(created))
}

// handleListSessions queries a visitor's sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.SessionFilter{
		VisitorID: q.Get("visitor_id"),
		ChatbotID: q.Get("chatbot_id"),
		Status:    store.SessionStatus(q.Get("status")),
	}
	if filter.VisitorID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "visitor_id is required")
		return
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
	filter.Limit = limit

	sessions, err := g.store.ListSessions(r.Context(), filter)
	if err != nil {
		g.sendStoreError(w, err, "sessions")
		return
	}
	g.writeJSON(w, http.StatusOK, api.SessionList{Sessions: api.FromSessions(sessions)})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendStoreError(w, err, "session")
		return
	}
	g.writeJSON(w, http.StatusOK, api.FromSession(sess))
}

// handlePatchSession applies a partial update. Status changes must follow
// the session status graph.
func (g *Gateway) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req api.PatchSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Status != nil {
		if !req.Status.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "invalid status")
			return
		}
		current, err := g.store.GetSession(r.Context(), id)
		if err != nil {
			g.sendStoreError(w, err, "session")
			return
		}
		if !current.Status.CanTransition(*req.Status) {
			g.sendJSONError(w, http.StatusConflict,
				fmt.Sprintf("cannot move session from %s to %s", current.Status, *req.Status))
			return
		}
	}

	updated, err := g.store.UpdateSession(r.Context(), id, req.Patch())
	if err != nil {
		g.sendStoreError(w, err, "session")
		return
	}
	g.writeJSON(w, http.StatusOK, api.FromSession(updated))
}

// handleEndSession accepts an unload-time end and finishes it in the
// background. Browsers send it with sendBeacon, so the body may be empty
// and is read whatever the content type.
func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	reason := lifecycle.ReasonBrowserClosed
	var req api.EndSessionRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason != "" {
		reason = lifecycle.Reason(req.Reason)
		if !reason.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "invalid reason")
			return
		}
	}

	g.lifecycle.TerminateDetached(id, reason)
	g.writeJSON(w, http.StatusAccepted, api.Status{Status: "accepted"})
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit, err := queryLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := g.store.GetSession(r.Context(), id); err != nil {
		g.sendStoreError(w, err, "session")
		return
	}

	msgs, err := g.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		g.sendStoreError(w, err, "messages")
		return
	}
	g.writeJSON(w, http.StatusOK, api.MessageList{Messages: api.FromMessages(msgs)})
}

// handleInsertMessage stores a visitor message, publishes it and records
// the turn in the automation history. Only user messages are accepted here;
// replies arrive through the responder callback and agents use the admin API.
func (g *Gateway) handleInsertMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req api.InsertMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Role == "" {
		req.Role = store.RoleUser
	}
	if req.Role != store.RoleUser {
		g.sendJSONError(w, http.StatusForbidden, "only user messages may be posted here")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	sess, err := g.store.GetSession(r.Context(), id)
	if err != nil {
		g.sendStoreError(w, err, "session")
		return
	}
	if sess.Status != store.SessionStatusActive {
		g.sendJSONError(w, http.StatusConflict, "session is not active")
		return
	}

	meta := req.Metadata
	meta.AgentIntervention = false
	meta.AgentID, meta.AgentEmail = "", ""
	if meta.Source == "" {
		meta.Source = store.SourceWidget
	}

	stored, err := g.messages.InsertMessage(r.Context(), &store.Message{
		SessionID: id,
		Role:      store.RoleUser,
		Content:   req.Content,
		Metadata:  meta,
	})
	if err != nil {
		g.sendStoreError(w, err, "session")
		return
	}

	g.appendHistory(r.Context(), stored)
	g.writeJSON(w, http.StatusCreated, api.FromMessages([]*store.Message{stored})[0])
}

// appendHistory mirrors a stored message into the automation context window.
// Failures are logged; the message itself is already persisted.
func (g *Gateway) appendHistory(ctx context.Context, msg *store.Message) {
	err := g.store.AppendHistory(ctx, &store.HistoryEntry{
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		g.logger.Warn("failed to append automation history",
			"session_id", msg.SessionID,
			"message_id", msg.ID,
			"error", err)
	}
}
