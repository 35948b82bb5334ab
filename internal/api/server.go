// Package api serves the taskd HTTP surface: task admission, listing and
// cancellation, live status streams over WebSocket and SSE, and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/seantiz/taskd/internal/engine"
	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/notify"
	"github.com/seantiz/taskd/internal/ratelimit"
	"github.com/seantiz/taskd/internal/task"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Waker is notified when new work may be admitted.
type Waker interface {
	Wake()
}

// WorkerLister reports live worker processes.
type WorkerLister interface {
	Workers(ctx context.Context) []model.WorkerInfo
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Tasks     *task.Manager
	Queue     *engine.Queue
	Scheduler Waker
	Workers   WorkerLister
	Limiter   *ratelimit.Limiter
	Notifier  *notify.Notifier
	IDs       *model.IDGenerator
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	deps     Deps
	logger   *slog.Logger
	addr     string
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger,
		addr:   addr,
		upgrader: websocket.Upgrader{
			// Any origin may subscribe, matching the CORS policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	srv.router.Use(middleware.StripSlashes)

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	// Liveness and scraping are never throttled.
	s.router.Get("/tasks/health", s.handleHealth)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/getid", s.handleGetID)
			r.Post("/start/{task_id}", s.handleStartTask)
			r.Post("/stop/{task_id}", s.handleStopTask)
			r.Get("/list", s.handleListTasks)
			r.Get("/workers", s.handleListWorkers)
			r.Get("/events/{task_id}", s.handleStatusEvents)
		})
		r.Get("/ws/{task_id}", s.handleStatusWebSocket)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
// Request contexts derive from ctx, so open status streams end with a
// going-away close when shutdown begins. onReady, if set, is called once
// the listener is bound.
func (s *Server) Run(ctx context.Context, onReady func(net.Addr)) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if onReady != nil {
		onReady(ln.Addr())
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
