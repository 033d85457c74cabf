// ABOUTME: Operator calls against the gateway admin API
// ABOUTME: Requires a bearer token from WithToken

package remote

import (
	"context"
	"net/http"
	"strconv"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/stats"
	"github.com/2389/supportchat/internal/store"
)

// AdminSessions lists sessions with their message counts, newest first.
func (c *Client) AdminSessions(ctx context.Context, filter store.SessionFilter) ([]api.AdminSession, error) {
	req := c.request(ctx)
	if filter.VisitorID != "" {
		req.SetQueryParam("visitor_id", filter.VisitorID)
	}
	if filter.ChatbotID != "" {
		req.SetQueryParam("chatbot_id", filter.ChatbotID)
	}
	if filter.Status != "" {
		req.SetQueryParam("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(filter.Limit))
	}

	var out api.AdminSessionList
	resp, err := req.SetResult(&out).Get("/api/admin/sessions")
	if err := check(resp, err, "listing sessions"); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// AdminSession returns a session and its full conversation.
func (c *Client) AdminSession(ctx context.Context, id string) (*api.AdminSessionDetail, error) {
	var out api.AdminSessionDetail
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/api/admin/sessions/{id}")
	if err := check(resp, err, "getting session"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transcript renders a conversation. format is "html" or "md".
func (c *Client) Transcript(ctx context.Context, id, format string) (string, error) {
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetQueryParam("format", format).
		Get("/api/admin/sessions/{id}/transcript")
	if err := check(resp, err, "rendering transcript"); err != nil {
		return "", err
	}
	return resp.String(), nil
}

// Stats fetches the dashboard summary.
func (c *Client) Stats(ctx context.Context) (*stats.Stats, error) {
	var out stats.Stats
	resp, err := c.request(ctx).SetResult(&out).Get("/api/admin/stats")
	if err := check(resp, err, "fetching stats"); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendAgentMessage posts an operator reply into a live conversation.
func (c *Client) SendAgentMessage(ctx context.Context, sessionID, text string) (*store.Message, error) {
	var out api.Message
	resp, err := c.request(ctx).
		SetPathParam("id", sessionID).
		SetBody(api.AgentMessageRequest{Content: text}).
		SetResult(&out).
		Post("/api/admin/sessions/{id}/messages")
	if err := check(resp, err, "sending agent message"); err != nil {
		return nil, err
	}
	return out.Message(), nil
}

// Chatbots lists the registry with per-bot session counts, newest first.
func (c *Client) Chatbots(ctx context.Context) ([]api.AdminChatbot, error) {
	var out api.AdminChatbotList
	resp, err := c.request(ctx).SetResult(&out).Get("/api/admin/chatbots")
	if err := check(resp, err, "listing chatbots"); err != nil {
		return nil, err
	}
	return out.Chatbots, nil
}

// CreateChatbot registers a chatbot. A 409 maps to store.ErrDuplicateChatbot.
func (c *Client) CreateChatbot(ctx context.Context, req api.CreateChatbotRequest) (*store.Chatbot, error) {
	var out api.Chatbot
	resp, err := c.request(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/api/admin/chatbots")
	if err == nil && resp.StatusCode() == http.StatusConflict {
		return nil, store.ErrDuplicateChatbot
	}
	if err := check(resp, err, "creating chatbot"); err != nil {
		return nil, err
	}
	return out.Store(), nil
}

// UpdateChatbot applies a partial update.
func (c *Client) UpdateChatbot(ctx context.Context, id string, patch api.PatchChatbotRequest) (*store.Chatbot, error) {
	var out api.Chatbot
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetBody(patch).
		SetResult(&out).
		Patch("/api/admin/chatbots/{id}")
	if err := check(resp, err, "updating chatbot"); err != nil {
		return nil, err
	}
	return out.Store(), nil
}

// DeleteChatbot removes a chatbot. Its sessions stay.
func (c *Client) DeleteChatbot(ctx context.Context, id string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		Delete("/api/admin/chatbots/{id}")
	return check(resp, err, "deleting chatbot")
}
