// ABOUTME: HTTP middleware for request metrics, CORS and the responder shared secret
// ABOUTME: The status recorder keeps Flush and Hijack working for SSE and WebSocket routes

package gateway

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/supportchat/internal/api"
	"github.com/2389/supportchat/internal/metrics"
)

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// instrument records request count and latency per route pattern.
func (g *Gateway) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		// The mux records the matched pattern on r
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}

		metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// originAllowed reports whether a browser origin may use the widget API.
// An empty allow list or "*" admits every origin.
func (g *Gateway) originAllowed(origin string) bool {
	if origin == "" || len(g.origins) == 0 || g.origins["*"] {
		return true
	}
	return g.origins[origin]
}

// cors answers preflights and sets CORS headers for allowed origins.
func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && g.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+api.HeaderIdempotencyKey)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if origin != "" && !g.originAllowed(origin) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireResponder checks the automation engine's shared secret header.
// With no secret configured the route is open.
func (g *Gateway) requireResponder(next http.HandlerFunc) http.HandlerFunc {
	secret := []byte(g.config.Auth.ResponderSecret)
	return func(w http.ResponseWriter, r *http.Request) {
		if len(secret) > 0 {
			got := []byte(r.Header.Get(api.HeaderResponderSecret))
			if subtle.ConstantTimeCompare(got, secret) != 1 {
				g.sendJSONError(w, http.StatusUnauthorized, "invalid responder secret")
				return
			}
		}
		next(w, r)
	}
}
