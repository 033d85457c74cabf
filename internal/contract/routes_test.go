// ABOUTME: Contract tests for the HTTP surface to detect removed or renamed routes.
// ABOUTME: Every route must be matched by the mux, whatever its handler answers.

package contract

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/supportchat/internal/config"
	"github.com/2389/supportchat/internal/gateway"
)

// expectedRoutes is the surface the widget, the automation engine and the
// operator tools call.
var expectedRoutes = []string{
	"GET /health",
	"GET /health/ready",
	"GET /api/chatbots/{id}",
	"POST /api/sessions/resolve",
	"POST /api/sessions",
	"GET /api/sessions",
	"GET /api/sessions/{id}",
	"PATCH /api/sessions/{id}",
	"POST /api/sessions/{id}/end",
	"PATCH /api/sessions/{id}/end",
	"GET /api/sessions/{id}/messages",
	"POST /api/sessions/{id}/messages",
	"GET /api/sessions/{id}/events",
	"GET /api/sessions/{id}/ws",
	"GET /api/sessions/{id}/history",
	"POST /api/sessions/{id}/history",
	"DELETE /api/sessions/{id}/history",
	"POST /api/responder/messages",
	"GET /api/admin/sessions",
	"GET /api/admin/sessions/{id}",
	"GET /api/admin/sessions/{id}/transcript",
	"GET /api/admin/stats",
	"POST /api/admin/sessions/{id}/messages",
	"GET /api/admin/chatbots",
	"POST /api/admin/chatbots",
	"GET /api/admin/chatbots/{id}",
	"PATCH /api/admin/chatbots/{id}",
	"DELETE /api/admin/chatbots/{id}",
	"GET /metrics",
}

func setupGateway(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0", ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "routes.db")},
		Auth:     config.AuthConfig{JWTSecret: "contract-secret-that-is-at-least-32-bytes"},
		Metrics:  config.MetricsConfig{Enabled: true},
	}
	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw.Handler()
}

// TestRouteSurface fails when the mux itself answers: a plain-text 404 for
// an unknown path or a 405 for a missing method.
func TestRouteSurface(t *testing.T) {
	handler := setupGateway(t)

	for _, route := range expectedRoutes {
		t.Run(route, func(t *testing.T) {
			method, path, _ := strings.Cut(route, " ")
			path = strings.ReplaceAll(path, "{id}", "no-such-session")

			var body io.Reader
			if method != http.MethodGet && method != http.MethodDelete {
				body = strings.NewReader("{}")
			}
			ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
			defer cancel()
			req := httptest.NewRequestWithContext(ctx, method, path, body)
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code, "method not routed")
			assert.NotEqual(t, "404 page not found\n", rec.Body.String(), "path not routed")
		})
	}
}
