package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/metrics"
	"github.com/shardline/shardline/internal/observability"
	"github.com/shardline/shardline/internal/server/handlers"
	servermw "github.com/shardline/shardline/internal/server/middleware"
)

// Options configures the status server. Nil components leave their routes
// answering 503.
type Options struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Version string
	Pprof   bool

	Shards    handlers.ShardController
	RateLimit *handlers.RateLimitHandler
	Health    *handlers.HealthManager
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	opts   Options
	health *handlers.HealthManager
}

// New creates a new HTTP server instance
func New(opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	health := opts.Health
	if health == nil {
		health = handlers.NewHealthManager(opts.Version)
	}
	if opts.Shards != nil {
		health.RegisterReadinessChecker("shards", handlers.ShardsChecker{Shards: opts.Shards})
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)

	// RequestID → Metrics → Recovery
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	s := &Server{
		router: r,
		opts:   opts,
		health: health,
	}

	s.server = &http.Server{
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}

	handlers.SetErrorResponder(HandleError)
	s.registerRoutes()

	return s
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Starting HTTP server",
			zap.String("addr", ln.Addr().String()),
			zap.Bool("shards", s.opts.Shards != nil),
			zap.Bool("ratelimit", s.opts.RateLimit != nil))
	}
	metrics.SetServerStartTime(time.Now().Unix())

	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Shutting down HTTP server")
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
}

// Health returns the manager behind the /health endpoints.
func (s *Server) Health() *handlers.HealthManager {
	return s.health
}
