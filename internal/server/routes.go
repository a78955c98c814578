package server

import (
	"context"
	"net/http"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/appid"
	apperrors "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/observability"
	"github.com/shardline/shardline/internal/server/handlers"
)

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	s.router.Route("/shards", func(r chi.Router) {
		if s.opts.Shards == nil {
			r.HandleFunc("/*", notConfigured("gateway is not running in this process"))
			r.HandleFunc("/", notConfigured("gateway is not running in this process"))
			return
		}
		handlers.NewShardHandler(s.opts.Shards).Routes(r)
	})

	rl := s.opts.RateLimit
	if rl == nil {
		rl = &handlers.RateLimitHandler{}
	}
	s.router.Route("/ratelimit", rl.Routes)

	if s.opts.Pprof {
		s.router.Mount("/debug", middleware.Profiler())
	}

	s.registerAdminEndpoint()
}

func notConfigured(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		HandleError(w, r, apperrors.NewServiceUnavailableError(msg))
	}
}

// registerAdminEndpoint mounts /admin/signal when <PREFIX>ADMIN_TOKEN is set.
func (s *Server) registerAdminEndpoint() {
	envPrefix := "SHARDLINE_"
	if identity, _ := appid.Get(context.Background()); identity != nil && identity.EnvPrefix != "" {
		envPrefix = identity.EnvPrefix
	}

	adminToken := os.Getenv(envPrefix + "ADMIN_TOKEN")
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10, // per minute
		RateBurst: 5,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
	}
}
