package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fuzzbed/fuzzbed/internal/auth"
	"github.com/fuzzbed/fuzzbed/internal/events"
	"github.com/fuzzbed/fuzzbed/internal/jobs"
	"github.com/fuzzbed/fuzzbed/internal/journal"
	"github.com/fuzzbed/fuzzbed/internal/orchestrator"
	"github.com/fuzzbed/fuzzbed/internal/workspace"
)

// Orchestrator is the request surface served over HTTP.
// *orchestrator.Service implements it.
type Orchestrator interface {
	Init(ctx context.Context, req orchestrator.InitRequest) (orchestrator.InitResult, error)
	Start(ctx context.Context, req orchestrator.StartRequest) (jobs.Record, error)
	Stop(ctx context.Context, jobName string) (jobs.Record, error)
	Job(jobName string) (jobs.Record, error)
	Jobs(filter *jobs.State) []jobs.Record
	History(ctx context.Context, jobName string) ([]journal.Transition, error)
	Workspaces() []workspace.Handle
	Harnesses(name string) ([]string, error)
	Health() orchestrator.Health
}

// EventSource feeds the SSE endpoint. *events.Hub implements it.
type EventSource interface {
	SubscribeSince(lastID int64) events.Subscription
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Auth is nil or open when the API is served without credentials.
	Auth *auth.Authenticator
	// ShutdownTimeout bounds graceful shutdown. Defaults to 5s.
	ShutdownTimeout time.Duration
	// KeepAlive is the SSE comment interval. Defaults to 15s.
	KeepAlive time.Duration
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	svc       Orchestrator
	events    EventSource
	auth      *auth.Authenticator
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, svc Orchestrator, events EventSource, logger *slog.Logger) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		svc:       svc,
		events:    events,
		auth:      config.Auth,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /api/events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.auth != nil && !s.auth.Open())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) keepAlive() time.Duration {
	if s.config.KeepAlive > 0 {
		return s.config.KeepAlive
	}
	return 15 * time.Second
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeWorkspaces)).Post("/init", s.handleInit)
		r.With(s.requireScopes(auth.ScopeWorkspacesRead)).Get("/workspaces", s.handleListWorkspaces)
		r.With(s.requireScopes(auth.ScopeWorkspacesRead)).Get("/workspaces/{name}/tests", s.handleListTests)

		r.With(s.requireScopes(auth.ScopeJobs)).Post("/start", s.handleStart)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs", s.handleListJobs)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs/{job_name}", s.handleGetJob)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs/{job_name}/history", s.handleJobHistory)
		r.With(s.requireScopes(auth.ScopeJobs)).Post("/jobs/{job_name}/stop", s.handleStop)

		r.With(s.requireScopes(auth.ScopeEvents)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
