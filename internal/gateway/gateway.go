// ABOUTME: Gateway orchestrator that owns the store, realtime feed and HTTP server
// ABOUTME: Wires lifecycle, intervention and auth into routes and manages startup and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/2389/supportchat/internal/auth"
	"github.com/2389/supportchat/internal/config"
	"github.com/2389/supportchat/internal/dedupe"
	"github.com/2389/supportchat/internal/feed"
	"github.com/2389/supportchat/internal/intervention"
	"github.com/2389/supportchat/internal/lifecycle"
	"github.com/2389/supportchat/internal/store"
)

// callbackCacheSize caps tracked responder idempotency keys.
const callbackCacheSize = 100_000

// Gateway serves the session store, realtime feed and operator API over HTTP.
type Gateway struct {
	config     *config.Config
	store      store.Store
	feed       feed.Feed
	httpServer *http.Server
	logger     *slog.Logger

	// messages publishes every insert on the feed
	messages *feed.PublishingStore

	lifecycle *lifecycle.Manager
	bridge    *intervention.Bridge

	// verifier is nil when no JWT secret is configured
	verifier auth.TokenVerifier

	// callbacks remembers responder idempotency keys
	callbacks *dedupe.Cache

	// resolves collapses concurrent resolves of the same session
	resolves singleflight.Group

	origins  map[string]bool
	upgrader websocket.Upgrader

	// keepalive is the SSE comment and WebSocket ping interval
	keepalive time.Duration

	// done is closed on shutdown to end open feed streams
	done     chan struct{}
	doneOnce sync.Once

	now func() time.Time
}

// initStore opens the SQLite store named by config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initFeed picks Redis pub/sub when configured, the in-process broadcaster otherwise.
func initFeed(cfg *config.Config, logger *slog.Logger) (feed.Feed, error) {
	if cfg.Realtime.RedisURL == "" {
		return feed.NewBroadcaster(logger), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f, err := feed.NewRedisFeed(ctx, cfg.Realtime.RedisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing redis feed: %w", err)
	}
	return f, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	f, err := initFeed(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	gw, err := newGateway(cfg, s, f, logger)
	if err != nil {
		f.Close()
		s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway assembles a gateway around an already opened store and feed.
func newGateway(cfg *config.Config, s store.Store, f feed.Feed, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		config:    cfg,
		store:     s,
		feed:      f,
		logger:    logger,
		messages:  feed.NewPublishingStore(s, f, logger),
		callbacks: dedupe.New(callbackTTL(cfg), callbackCacheSize),
		origins:   make(map[string]bool),
		keepalive: 25 * time.Second,
		done:      make(chan struct{}),
		now:       time.Now,
	}

	gw.lifecycle = lifecycle.NewManager(s, lifecycle.Config{
		RetryDelay:    cfg.Widget.RetryDelay,
		UnloadTimeout: cfg.Widget.UnloadTimeout,
		Chatbots:      s,
	}, logger)
	gw.bridge = intervention.NewBridge(s, gw.messages, logger)

	for _, origin := range cfg.Widget.AllowedOrigins {
		gw.origins[origin] = true
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return gw.originAllowed(r.Header.Get("Origin"))
		},
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.callbacks.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
	} else {
		logger.Warn("auth.jwt_secret not set, operator API disabled")
	}

	if cfg.Auth.ResponderSecret == "" {
		logger.Warn("auth.responder_secret not set, responder routes are unauthenticated")
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.instrument(gw.cors(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

func callbackTTL(cfg *config.Config) time.Duration {
	if cfg.Responder.CallbackTTL > 0 {
		return cfg.Responder.CallbackTTL
	}
	return 10 * time.Minute
}

// registerRoutes attaches every HTTP route to mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	// Widget and store contract
	mux.HandleFunc("GET /api/chatbots/{id}", g.handleGetChatbot)
	mux.HandleFunc("POST /api/sessions/resolve", g.handleResolve)
	mux.HandleFunc("POST /api/sessions", g.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", g.handlePatchSession)
	mux.HandleFunc("POST /api/sessions/{id}/end", g.handleEndSession)
	mux.HandleFunc("PATCH /api/sessions/{id}/end", g.handleEndSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", g.handleListMessages)
	mux.HandleFunc("POST /api/sessions/{id}/messages", g.handleInsertMessage)
	mux.HandleFunc("GET /api/sessions/{id}/events", g.handleEvents)
	mux.HandleFunc("GET /api/sessions/{id}/ws", g.handleWebSocket)

	// Automation engine
	mux.HandleFunc("GET /api/sessions/{id}/history", g.requireResponder(g.handleListHistory))
	mux.HandleFunc("POST /api/sessions/{id}/history", g.requireResponder(g.handleAppendHistory))
	mux.HandleFunc("DELETE /api/sessions/{id}/history", g.handlePurgeHistory)
	mux.HandleFunc("POST /api/responder/messages", g.requireResponder(g.handleResponderCallback))

	if g.verifier != nil {
		g.registerAdminRoutes(mux)
	}
}

// Handler returns the instrumented HTTP handler. Tests serve it through httptest.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Lifecycle exposes the session manager.
func (g *Gateway) Lifecycle() *lifecycle.Manager {
	return g.lifecycle
}

// startServer starts the HTTP server in a goroutine, returning error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run listens on the configured address and serves until ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, waits for detached session ends and
// releases the feed and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.doneOnce.Do(func() { close(g.done) })

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "lifecycle flush", g.lifecycle.Flush(ctx))
	errs = appendCloseError(errs, "feed close", g.feed.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.callbacks.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
