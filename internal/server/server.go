package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/metrics"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/orchestrator"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/session"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
)

// Config holds server configuration
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8000")
	ListenAddr string

	// AllowedOrigins lists browser origins allowed by CORS; "*" allows any
	AllowedOrigins []string

	// Heartbeat is the idle interval after which a stream gets a heartbeat
	Heartbeat time.Duration

	// RateLimitRequests is the max chat requests per client address per
	// window (0 = unlimited)
	RateLimitRequests int

	// RateLimitWindow is the rate limit window duration
	RateLimitWindow time.Duration

	// Logger for server operations
	Logger *slog.Logger
}

// Runner executes chat requests. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request, out chan<- stream.Event)
}

// Sessions resolves and closes sessions. *session.Registry implements it.
type Sessions interface {
	Lookup(id string) (session.Session, bool)
	Close(ctx context.Context, id string) error
}

// HealthChecker builds the /health report. *health.Checker implements it.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Server is the orchestrator's HTTP surface.
type Server struct {
	config      *Config
	runner      Runner
	sessions    Sessions
	health      HealthChecker
	metrics     *metrics.Metrics
	rateLimiter *rateLimiter
	handler     http.Handler
	server      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics counts stream events and serves GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a server. The returned value is also an http.Handler.
func New(cfg *Config, runner Runner, sessions Sessions, checker HealthChecker, opts ...Option) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 14 * time.Second
	}

	s := &Server{
		config:   cfg,
		runner:   runner,
		sessions: sessions,
		health:   checker,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.RateLimitRequests > 0 {
		s.rateLimiter = newRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	router := mux.NewRouter()
	router.HandleFunc("/chat", s.limit(s.handleChat)).Methods(http.MethodPost)
	router.HandleFunc("/chat/{session_id}", s.limit(s.handleChat)).Methods(http.MethodPost)
	router.HandleFunc("/sandbox/{id}", s.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})

	// CORS wraps the router so preflight requests never reach method matching.
	s.handler = s.cors(s.logRequests(router))

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: streams are bounded by the request timeout
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start starts the server. It blocks until the server stops and returns nil
// after Stop.
func (s *Server) Start() error {
	s.config.Logger.Info("starting server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops accepting requests and waits for open streams until ctx ends,
// then closes remaining connections.
func (s *Server) Stop(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.stop()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.config.Logger.Warn("graceful shutdown incomplete", "error", err)
		return s.server.Close()
	}
	return nil
}
