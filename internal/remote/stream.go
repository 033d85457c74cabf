// ABOUTME: Session insert feed over the gateway's SSE or WebSocket endpoint
// ABOUTME: Subscribe returns once the gateway has confirmed the subscription with a ready event

package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/feed"
	"github.com/2389/supportchat/internal/store"
)

const readyTimeout = 10 * time.Second

// ErrStreamClosed is returned when a stream ends before the ready event.
var ErrStreamClosed = errors.New("stream closed before ready")

// Subscribe opens the insert feed for a session. The subscription ends when
// ctx ends, Close is called or the gateway goes away; C is closed in all
// three cases.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (*feed.Subscription, error) {
	if c.useWS {
		return c.subscribeWS(ctx, sessionID)
	}
	return c.subscribeSSE(ctx, sessionID)
}

type sseEvent struct {
	name string
	data string
}

// readEvent reads one SSE event, skipping comment lines.
func readEvent(r *bufio.Reader) (sseEvent, error) {
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if ev.data != "" {
				ev.data += "\n"
			}
			ev.data += data
		}
	}
}

func (c *Client) subscribeSSE(ctx context.Context, sessionID string) (*feed.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	resp, err := c.stream.R().
		SetContext(subCtx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetPathParam("id", sessionID).
		Get("/api/sessions/{id}/events")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening event stream: %w", err)
	}
	body := resp.RawBody()

	if resp.StatusCode() != http.StatusOK {
		defer body.Close()
		defer cancel()
		var apiErr api.Error
		data, _ := io.ReadAll(io.LimitReader(body, 4096))
		msg := truncate(string(data), 256)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return nil, fmt.Errorf("opening event stream: %w", &StatusError{StatusCode: resp.StatusCode(), Message: msg})
	}

	reader := bufio.NewReader(body)
	ready := make(chan error, 1)
	go func() {
		ev, err := readEvent(reader)
		if err == nil && ev.name != api.EventReady {
			err = fmt.Errorf("unexpected first event %q", ev.name)
		}
		ready <- err
	}()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			cancel()
			body.Close()
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			return nil, fmt.Errorf("waiting for ready: %w", err)
		}
	case <-timer.C:
		cancel()
		body.Close()
		<-ready
		return nil, fmt.Errorf("waiting for ready: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		cancel()
		body.Close()
		<-ready
		return nil, ctx.Err()
	}

	out := make(chan *store.Message)
	logger := c.logger.With("session_id", sessionID, "transport", "sse")

	go func() {
		defer close(out)
		defer body.Close()
		for {
			ev, err := readEvent(reader)
			if err != nil {
				if subCtx.Err() == nil {
					logger.Debug("event stream ended", "error", err)
				}
				return
			}
			if ev.name != api.EventMessage {
				continue
			}
			msg, err := feed.DecodeMessage([]byte(ev.data))
			if err != nil {
				logger.Warn("dropping undecodable event", "error", err)
				continue
			}
			select {
			case out <- msg:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return feed.NewSubscription(sessionID, out, cancel), nil
}

func (c *Client) wsURL(sessionID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/sessions/" + sessionID + "/ws"
}

func (c *Client) subscribeWS(ctx context.Context, sessionID string) (*feed.Subscription, error) {
	header := http.Header{}
	header.Set("User-Agent", "supportchat/1.0")
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: readyTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.wsURL(sessionID), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("opening websocket: %w", &StatusError{StatusCode: resp.StatusCode, Message: err.Error()})
		}
		return nil, fmt.Errorf("opening websocket: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(readyTimeout))
	var ready api.Frame
	if err := conn.ReadJSON(&ready); err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for ready: %w", err)
	}
	if ready.Type != api.EventReady {
		conn.Close()
		return nil, fmt.Errorf("waiting for ready: unexpected frame %q", ready.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan *store.Message)
	logger := c.logger.With("session_id", sessionID, "transport", "websocket")

	// ReadJSON does not watch ctx, so closing the conn is what unblocks it.
	go func() {
		<-subCtx.Done()
		conn.Close()
	}()

	go func() {
		defer close(out)
		defer cancel()
		for {
			var frame api.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				if subCtx.Err() == nil {
					logger.Debug("websocket ended", "error", err)
				}
				return
			}
			if frame.Type != api.EventMessage || frame.Message == nil {
				continue
			}
			select {
			case out <- frame.Message.Message():
			case <-subCtx.Done():
				return
			}
		}
	}()

	return feed.NewSubscription(sessionID, out, cancel), nil
}
