// Package api exposes the HTTP surface: template/instance/enrollment CRUD,
// live metrics, webhook intake, and DLQ administration.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/cadencehq/cadence/internal/auth"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/intake"
	"github.com/cadencehq/cadence/internal/pkg/httputil"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/resilience"
	"github.com/cadencehq/cadence/internal/store"
)

// Server wires handlers, middleware, and dependencies.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	providers *provider.Registry
	pipeline  *intake.Pipeline
	breakers  *resilience.BreakerRegistry

	keyring  *auth.Keyring
	csrf     *auth.CSRF
	keyLimit *KeyRateLimiter // nil when Redis is disabled
	redis    *redis.Client   // nil when Redis is disabled

	router chi.Router
}

// replayLockRedis returns the Redis client for the bulk-replay lock, or
// nil to fall back to a PG advisory lock.
func (s *Server) replayLockRedis() *redis.Client { return s.redis }

// NewServer builds the HTTP server.
func NewServer(cfg *config.Config, st *store.Store, providers *provider.Registry,
	pipeline *intake.Pipeline, breakers *resilience.BreakerRegistry, redisClient *redis.Client) *Server {

	s := &Server{
		cfg:       cfg,
		store:     st,
		providers: providers,
		pipeline:  pipeline,
		breakers:  breakers,
		keyring:   auth.NewKeyring(cfg.Auth),
		csrf:      auth.NewCSRF(cfg.Auth.CSRFSecret),
		redis:     redisClient,
	}
	if redisClient != nil {
		s.keyLimit = NewKeyRateLimiter(redisClient, cfg.Auth.KeyRateLimit)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", "X-Csrf-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Unauthenticated: liveness and signature-verified webhook intake.
	r.Get("/health", s.handleHealth)
	r.Post("/api/campaigns/events/webhook", s.handleWebhook)

	// Authenticated API.
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Use(s.rateLimitByKey)
		r.Use(s.requireCSRF)

		r.Get("/auth/csrf", s.handleIssueCSRF)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/templates", s.handleCreateTemplate)
			r.Get("/templates", s.handleListTemplates)
			r.Get("/templates/{id}", s.handleGetTemplate)
			r.Delete("/templates/{id}", s.handleDeactivateTemplate)

			r.Post("/instances", s.handleCreateInstance)
			r.Get("/instances", s.handleListInstances)
			r.Get("/instances/{id}", s.handleGetInstance)
			r.Post("/instances/{id}/start", s.transitionHandler("active"))
			r.Post("/instances/{id}/pause", s.transitionHandler("paused"))
			r.Post("/instances/{id}/resume", s.transitionHandler("active"))
			r.Post("/instances/{id}/complete", s.transitionHandler("completed"))
			r.Get("/instances/{id}/metrics", s.handleInstanceMetrics)

			r.Post("/enrollments", s.handleCreateEnrollments)
			r.Get("/enrollments/{id}", s.handleGetEnrollment)
			r.Get("/enrollments/{id}/events", s.handleEnrollmentEvents)
		})

		r.Route("/admin/dlq", func(r chi.Router) {
			r.Get("/", s.handleDLQList)
			r.Get("/stats", s.handleDLQStats)
			r.Post("/{id}/replay", s.handleDLQReplay)
			r.Post("/{id}/ignore", s.handleDLQIgnore)
			r.Post("/replay-all", s.handleDLQReplayAll)
		})
	})

	s.router = r
}

// Handler returns the root handler for http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until ctx is cancelled, then drains with
// a 10s grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.GetHost(), s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleHealth reports liveness plus breaker states and orphan depth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.Orphans.Depth(r.Context())
	if err != nil {
		depth = -1
	}
	httputil.OK(w, map[string]any{
		"status":       "ok",
		"breakers":     s.breakers.States(),
		"orphan_depth": depth,
	})
}

// handleIssueCSRF mints a CSRF token for browser sessions.
func (s *Server) handleIssueCSRF(w http.ResponseWriter, r *http.Request) {
	token, err := s.csrf.Issue()
	if err != nil {
		httputil.Error(w, http.StatusServiceUnavailable, "csrf not configured")
		return
	}
	httputil.OK(w, map[string]string{"csrf_token": token})
}

// fail writes a sanitized error. Production mode hides internals on 5xx;
// development returns the underlying message.
func (s *Server) fail(w http.ResponseWriter, status int, err error, publicMsg string) {
	if status >= 500 {
		logger.Error("api error", "status", fmt.Sprintf("%d", status), "error", err.Error())
		if s.cfg.Server.Production() {
			httputil.Error(w, status, publicMsg)
			return
		}
		httputil.ErrorDetails(w, status, publicMsg, err.Error())
		return
	}
	httputil.Error(w, status, err.Error())
}
