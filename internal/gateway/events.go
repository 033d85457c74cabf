// ABOUTME: Realtime insert feed endpoints for widgets and operator consoles
// ABOUTME: Server-Sent Events and WebSocket streams over the session feed

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/feed"
)

const wsWriteWait = 10 * time.Second

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
	return err
}

// handleEvents streams every message inserted into the session as SSE.
// A ready event is sent once the subscription is live.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if _, err := g.store.GetSession(ctx, id); err != nil {
		g.sendStoreError(w, err, "session")
		return
	}

	sub, err := g.feed.Subscribe(ctx, id)
	if err != nil {
		g.logger.Error("feed subscribe failed", "session_id", id, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "feed unavailable")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := g.writeSSEEvent(w, api.EventReady, api.Frame{Type: api.EventReady, SessionID: id}); err != nil {
		return
	}
	flusher.Flush()

	g.logger.Debug("SSE feed opened", "session_id", id, "sub_id", sub.ID)

	ticker := time.NewTicker(g.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("SSE client disconnected", "session_id", id)
			return
		case <-g.done:
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := g.writeSSEEvent(w, api.EventMessage, feed.ToWire(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket streams the same feed as handleEvents over a WebSocket.
// Client frames are read and discarded; a read error ends the stream.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := g.store.GetSession(r.Context(), id); err != nil {
		g.sendStoreError(w, err, "session")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sub, err := g.feed.Subscribe(ctx, id)
	if err != nil {
		g.logger.Error("feed subscribe failed", "session_id", id, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "feed unavailable"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer sub.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					g.logger.Debug("WebSocket closed unexpectedly", "session_id", id, "error", err)
				}
				return
			}
		}
	}()

	write := func(frame api.Frame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(frame)
	}

	if err := write(api.Frame{Type: api.EventReady, SessionID: id}); err != nil {
		return
	}

	ticker := time.NewTicker(g.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			wire := feed.ToWire(msg)
			if err := write(api.Frame{Type: api.EventMessage, SessionID: id, Message: &wire}); err != nil {
				g.logger.Debug("WebSocket write failed", "session_id", id, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
