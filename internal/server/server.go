// Package server assembles the HTTP surface of subsyncd.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	WebhookPath  = "/api/billing/webhook"
	shutdownWait = 10 * time.Second
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config lists the handlers the router mounts.
type Config struct {
	// Webhook serves POST /api/billing/webhook with the raw request body.
	Webhook http.Handler

	// API serves the session-authenticated subscription endpoints.
	API *api.Handler

	// Session resolves the authenticated user for API requests.
	Session func(http.Handler) http.Handler

	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Health checks run by GET /healthz, keyed by dependency name.
	Health map[string]HealthCheck

	// TrustProxyHeaders rewrites RemoteAddr from X-Forwarded-For and
	// X-Real-IP before any handler runs.
	TrustProxyHeaders bool

	Logger subsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Webhook == nil {
		return fmt.Errorf("webhook handler is required")
	}
	if c.API == nil {
		return fmt.Errorf("api handler is required")
	}
	if c.Session == nil {
		return fmt.Errorf("session middleware is required")
	}
	return nil
}

// NewRouter builds the chi router.
func NewRouter(cfg Config) (http.Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = &subsync.NoopLogger{}
	}

	r := chi.NewRouter()
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(cfg.Logger))

	r.Method(http.MethodPost, WebhookPath, cfg.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(cfg.Session)
		r.Post("/subscription/create", cfg.API.CreateSubscription)
		r.Get("/subscription", cfg.API.GetSubscription)
		r.Post("/subscription/cancel", cfg.API.CancelSubscription)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", healthHandler(cfg.Health))

	return r, nil
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = "unavailable"
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, map[string]interface{}{
			"status": http.StatusText(status),
			"checks": results,
		})
	}
}

func requestLogger(logger subsync.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				subsync.Field{Key: "method", Value: r.Method},
				subsync.Field{Key: "path", Value: r.URL.Path},
				subsync.Field{Key: "status", Value: ww.Status()},
				subsync.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
				subsync.Field{Key: "request_id", Value: middleware.GetReqID(r.Context())},
			)
		})
	}
}

// Server runs the router until its context is cancelled.
type Server struct {
	http   *http.Server
	logger subsync.Logger
}

// New creates a Server listening on addr.
func New(addr string, handler http.Handler, logger subsync.Logger) *Server {
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		logger: logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", subsync.Field{Key: "addr", Value: s.http.Addr})
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
