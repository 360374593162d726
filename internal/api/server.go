// Package api serves the relay's HTTP API: JSON endpoints, server-sent
// event streams and WebSocket connections per live stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/graaaaa/livecast/internal/app"
	"github.com/graaaaa/livecast/internal/layout"
	"github.com/graaaaa/livecast/internal/metrics"
	"github.com/graaaaa/livecast/internal/session"
)

// defaultHeartbeat is the keepalive period of SSE and WebSocket streams.
const defaultHeartbeat = 20 * time.Second

// Sessions opens or returns the session of a stream.
type Sessions interface {
	Get(ctx context.Context, streamID string) (*session.Session, error)
}

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger

	// Use case dependencies
	health   app.HealthUsecase
	sessions Sessions
	streams  app.StreamsUsecase
	history  app.HistoryUsecase
	stats    app.StatsUsecase
	cfg      app.ConfigUsecase
	metrics  *metrics.Metrics
	layout   *layout.Engine

	// Auth configuration
	authEnabled  bool
	authUsername string
	authPassword string
	tokenSecret  []byte
	authFailures *AuthFailureLimiter
	rateLimiter  *RateLimiter
	origins      []string

	heartbeat time.Duration
	now       func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSessions enables the per-stream endpoints.
func WithSessions(sessions Sessions) ServerOption {
	return func(s *Server) { s.sessions = sessions }
}

// WithStreamsUsecase enables GET /api/v1/streams.
func WithStreamsUsecase(streams app.StreamsUsecase) ServerOption {
	return func(s *Server) { s.streams = streams }
}

// WithHistoryUsecase enables paged chat history.
func WithHistoryUsecase(history app.HistoryUsecase) ServerOption {
	return func(s *Server) { s.history = history }
}

// WithStatsUsecase enables persisted stream stats.
func WithStatsUsecase(stats app.StatsUsecase) ServerOption {
	return func(s *Server) { s.stats = stats }
}

// WithConfigUsecase enables the config endpoints.
func WithConfigUsecase(cfg app.ConfigUsecase) ServerOption {
	return func(s *Server) { s.cfg = cfg }
}

// WithMetrics serves /metrics and instruments every route.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithBasicAuth enables HTTP Basic Auth.
func WithBasicAuth(username, password string) ServerOption {
	return func(s *Server) {
		if username != "" && password != "" {
			s.authEnabled = true
			s.authUsername = username
			s.authPassword = password
		}
	}
}

// WithTokenSecret enables viewer tokens signed with secret.
func WithTokenSecret(secret []byte) ServerOption {
	return func(s *Server) { s.tokenSecret = secret }
}

// WithRateLimiter limits requests per client address.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithAuthFailureLimiter locks out addresses after failed logins.
func WithAuthFailureLimiter(afl *AuthFailureLimiter) ServerOption {
	return func(s *Server) { s.authFailures = afl }
}

// WithAllowedOrigins sets the browser origins allowed for CORS, CSRF and
// WebSocket checks. Loopback origins are always allowed.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// WithHeartbeat sets the keepalive period of streaming endpoints.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow sets the time source for token checks.
func WithNow(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer creates a new API server with the given dependencies.
func NewServer(addr string, health app.HealthUsecase, opts ...ServerOption) *Server {
	mux := http.NewServeMux()
	s := &Server{
		mux:       mux,
		logger:    slog.Default(),
		health:    health,
		layout:    layout.NewEngine(),
		heartbeat: defaultHeartbeat,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // streaming endpoints are long-lived
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the mux wrapped in the global middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.rateLimiter != nil {
		h = s.rateLimiter.Middleware(h)
	}
	h = csrfMiddleware(originHosts(s.origins))(h)
	h = corsMiddleware(CORSConfig{AllowedOrigins: s.origins, AllowCredentials: s.authEnabled})(h)
	return securityHeadersMiddleware(h)
}

// handle registers h under pattern, instrumented as route.
func (s *Server) handle(pattern, route string, h http.Handler) {
	if s.metrics != nil {
		h = s.metrics.Middleware(route, h)
	}
	s.mux.Handle(pattern, h)
}

// registerRoutes sets up the API routes.
func (s *Server) registerRoutes() {
	fn := func(f http.HandlerFunc) http.Handler { return f }

	// Health endpoint (no auth required)
	s.handle("GET /api/v1/health", "health", fn(s.handleHealth))

	s.handle("GET /api/v1/layout", "layout", s.authenticate(fn(s.handleLayout)))

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.operatorOnly(s.metrics.Handler()))
	}
	if len(s.tokenSecret) > 0 {
		s.handle("POST /api/v1/auth/token", "auth_token", s.operatorOnly(fn(s.handleAuthToken)))
	}
	if s.cfg != nil {
		s.handle("GET /api/v1/config", "config", s.operatorOnly(fn(s.handleGetConfig)))
		s.handle("PUT /api/v1/config", "config", s.operatorOnly(fn(s.handlePutConfig)))
	}
	if s.streams != nil {
		s.handle("GET /api/v1/streams", "streams", s.operatorOnly(fn(s.handleListStreams)))
	}
	if s.history != nil {
		s.handle("GET /api/v1/streams/{id}/chat/history", "chat_history", s.authenticate(fn(s.handleChatHistory)))
	}
	if s.stats != nil {
		s.handle("GET /api/v1/streams/{id}/stats", "stats", s.authenticate(fn(s.handleStats)))
	}

	if s.sessions == nil {
		return
	}
	s.handle("GET /api/v1/streams/{id}/chat", "chat", s.authenticate(fn(s.handleGetChat)))
	s.handle("POST /api/v1/streams/{id}/chat", "chat_send", s.authenticate(fn(s.handlePostChat)))
	s.handle("GET /api/v1/streams/{id}/gifts", "gifts", s.authenticate(fn(s.handleGetGifts)))
	s.handle("POST /api/v1/streams/{id}/gifts", "gift_send", s.authenticate(fn(s.handlePostGift)))
	s.handle("POST /api/v1/streams/{id}/likes", "likes", s.authenticate(fn(s.handlePostLikes)))
	s.handle("GET /api/v1/streams/{id}/viewers", "viewers", s.authenticate(fn(s.handleGetViewers)))
	s.handle("GET /api/v1/streams/{id}/snapshot", "snapshot", s.authenticate(fn(s.handleSnapshot)))
	s.handle("GET /api/v1/streams/{id}/events", "events", s.authenticate(fn(s.handleEvents)))
	s.handle("GET /api/v1/streams/{id}/ws", "ws", s.authenticate(fn(s.handleWebSocket)))
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	result, err := s.health.Handle(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", err)
		return
	}
	status := http.StatusOK
	if result.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Hijacked WebSocket
// connections end when their sessions close.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
