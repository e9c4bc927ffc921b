// Package admin serves the operator HTTP API: rate-limit and breaker
// configuration, budget and incident management, health overview, telemetry
// ingest for business services, and the Prometheus scrape endpoint.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-guard/internal/budget"
	"github.com/polisai/polis-guard/internal/gateway"
	"github.com/polisai/polis-guard/internal/governance"
	"github.com/polisai/polis-guard/internal/incident"
	"github.com/polisai/polis-guard/internal/signals"
	"github.com/polisai/polis-guard/pkg/config"
	"github.com/polisai/polis-guard/pkg/storage"
	"github.com/polisai/polis-guard/pkg/telemetry"
)

// Config wires the admin server to the guard components. Store, Policies
// and Metrics are optional. Without a Gateway the admission and breaker
// ticket routes are not mounted.
type Config struct {
	Limiter    *governance.RateLimiter
	Breakers   *governance.CircuitBreakerRegistry
	Collector  *signals.Collector
	Aggregator *signals.Aggregator
	Thresholds signals.Thresholds
	Budgets    *budget.Guard
	Incidents  *incident.Manager
	Gateway    *gateway.Gateway
	Store      storage.Store
	Policies   *config.FileProvider
	Metrics    *telemetry.Metrics

	// Token, when set, is required as a bearer token on mutating routes.
	Token  string
	Logger *slog.Logger
	Now    func() time.Time
}

// Server is the admin HTTP API.
type Server struct {
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
	handler  http.Handler
}

// New creates the admin server.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Limiter == nil:
		return nil, errors.New("admin: rate limiter is required")
	case cfg.Breakers == nil:
		return nil, errors.New("admin: breaker registry is required")
	case cfg.Collector == nil || cfg.Aggregator == nil:
		return nil, errors.New("admin: signal collector and aggregator are required")
	case cfg.Budgets == nil:
		return nil, errors.New("admin: budget guard is required")
	case cfg.Incidents == nil:
		return nil, errors.New("admin: incident manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:      cfg,
		validate: newValidator(),
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	if s.cfg.Metrics != nil {
		r.Use(s.cfg.Metrics.Middleware(routePattern))
	}

	r.Get("/healthz", s.healthz)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.getHealth)

		r.Get("/ratelimits", s.listRateLimits)
		r.Get("/ratelimits/stats", s.rateLimitStats)
		r.Post("/ratelimits/test", s.testRateLimit)

		r.Get("/breakers", s.listBreakers)
		r.Get("/breakers/{service}/{provider}", s.getBreaker)

		r.Get("/budgets", s.getBudgetStatus)

		r.Get("/incidents", s.listIncidents)
		r.Get("/incidents/{id}", s.getIncident)

		r.Get("/signals/{service}", s.getSignals)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)

			r.Put("/ratelimits", s.configureRateLimit)
			r.Put("/breakers", s.configureBreaker)
			r.Post("/breakers/{service}/{provider}/{action}", s.overrideBreaker)
			r.Put("/budgets", s.configureBudget)
			r.Delete("/budgets/{name}", s.deactivateBudget)
			r.Post("/incidents", s.declareIncident)
			r.Post("/incidents/{id}/escalate", s.escalateIncident)
			r.Post("/incidents/{id}/resolve", s.resolveIncident)
			r.Post("/usage", s.recordUsage)
			r.Post("/signals", s.recordSignals)
			r.Post("/policies/reload", s.reloadPolicies)

			if s.cfg.Gateway != nil {
				r.Post("/admit", s.admit)
				r.Post("/breakers/{service}/{provider}/acquire", s.acquireBreaker)
				r.Post("/breakers/{service}/{provider}/result", s.recordBreakerResult)
			}
		})
	})

	return otelhttp.NewHandler(r, "polis.guard.admin",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// routePattern reports the matched chi pattern so metrics stay low-cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			s.writeStatus(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.ErrorContext(r.Context(), "Admin handler panic", "path", r.URL.Path, "panic", fmt.Sprint(rec))
				s.writeStatus(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin server listening", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return <-errCh
}
