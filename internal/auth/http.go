// ABOUTME: HTTP middleware for JWT authentication on operator endpoints
// ABOUTME: Extracts JWT from Authorization header and adds the operator to context

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPMiddleware validates the bearer token and stores the Operator in the
// request context. Requests without a valid token get 401.
func HTTPMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			op, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected operator token", "error", err, "path", r.URL.Path)
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
		})
	}
}

// RequireRole creates an HTTP middleware that admits operators whose role
// passes allow. Must be used after HTTPMiddleware.
func RequireRole(allow func(Role) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := FromContext(r.Context())
			if op == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			if !allow(op.Role) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireViewer admits roles that can read chats.
func RequireViewer() func(http.Handler) http.Handler {
	return RequireRole(Role.CanViewChats)
}

// RequireIntervener admits roles that can write into sessions.
func RequireIntervener() func(http.Handler) http.Handler {
	return RequireRole(Role.CanIntervene)
}

// RequireChatbotManager admits roles that can change the chatbot registry.
func RequireChatbotManager() func(http.Handler) http.Handler {
	return RequireRole(Role.CanManageChatbots)
}
