// ABOUTME: Tests for the automation webhook client against an httptest server
// ABOUTME: Covers request shape, reply decoding, status errors and timeouts

package responder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Respond(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "s3cret", r.Header.Get("X-Webhook-Secret"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"response": "Hi, how can I help?",
			"sessionId": "s1",
			"messageId": "m1",
			"metadata": {"sources": ["faq.md"], "confidence": 0.9, "handoffRequired": true}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHeader("X-Webhook-Secret", "s3cret"))
	resp, err := c.Respond(t.Context(), &Request{
		Message:          "help",
		SessionID:        "s1",
		ChatbotID:        "bot-1",
		UserIdentifier:   "visitor-1",
		KnowledgeBaseIDs: []string{"kb-1"},
		Metadata:         RequestMetadata{Platform: "web"},
	})
	require.NoError(t, err)

	assert.Equal(t, "help", got["message"])
	assert.Equal(t, "s1", got["sessionId"])
	assert.Equal(t, "visitor-1", got["userIdentifier"])
	assert.Equal(t, []any{"kb-1"}, got["knowledgeBaseIds"])
	md, _ := got["metadata"].(map[string]any)
	assert.NotEmpty(t, md["timestamp"], "timestamp is filled in")

	assert.Equal(t, "Hi, how can I help?", resp.Response)
	assert.Equal(t, "m1", resp.MessageID)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, []string{"faq.md"}, resp.Metadata.Sources)
	assert.True(t, resp.Metadata.HandoffRequired)
}

func TestClient_Respond_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow crashed", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Respond(t.Context(), &Request{Message: "x", SessionID: "s1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponder)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "workflow crashed")
}

func TestClient_Respond_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, WithTimeout(50*time.Millisecond)).
		Respond(t.Context(), &Request{Message: "x", SessionID: "s1"})
	assert.ErrorIs(t, err, ErrResponder)
}

func TestClient_Respond_NoURL(t *testing.T) {
	_, err := NewClient("").Respond(t.Context(), &Request{Message: "x"})
	assert.ErrorIs(t, err, ErrResponder)
}
