// Package status serves a read-only HTTP view of a farm agent: health,
// counters, recent task history and the live event stream.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/farmhand/internal/coordinator"
	"github.com/mattjoyce/farmhand/internal/dispatch"
	"github.com/mattjoyce/farmhand/internal/events"
	"github.com/mattjoyce/farmhand/internal/history"
)

// CoordinatorStats reports coordinator counters.
type CoordinatorStats interface {
	Stats() coordinator.Stats
}

// DispatchStats reports dispatch policy counters.
type DispatchStats interface {
	Stats() dispatch.Stats
}

// TaskLister returns recent task history, newest first.
type TaskLister interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 1000
)

// Server is the status HTTP server.
type Server struct {
	listen      string
	coordinator CoordinatorStats
	dispatch    DispatchStats
	tasks       TaskLister
	hub         *events.Hub
	token       string
	logger      *slog.Logger
	startedAt   time.Time
	server      *http.Server
}

// Option configures a Server.
type Option func(*Server)

func WithCoordinator(c CoordinatorStats) Option { return func(s *Server) { s.coordinator = c } }

func WithDispatch(d DispatchStats) Option { return func(s *Server) { s.dispatch = d } }

func WithHistory(t TaskLister) Option { return func(s *Server) { s.tasks = t } }

func WithEvents(hub *events.Hub) Option { return func(s *Server) { s.hub = hub } }

// WithToken requires a bearer token on everything except /healthz.
func WithToken(token string) Option { return func(s *Server) { s.token = token } }

// New creates a status server that will listen on listen.
func New(listen string, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		listen:    listen,
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("status server starting", "listen", s.listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("status server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/stats", s.handleStats)
		r.Get("/tasks", s.handleTasks)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
