// Package http provides HTTP handlers and routing for the preflight service.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gatekeeper/internal/audit"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/display"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/preflight"
	"gatekeeper/internal/registry"
	"gatekeeper/internal/types"
)

// Preflighter runs the check pipeline.
type Preflighter interface {
	Run(ctx context.Context, userID string, input preflight.Input, ip, userAgent string, opts *preflight.Options) *types.PreflightResult
}

// AbuseAdmin is the abuse state surface exposed to operators.
type AbuseAdmin interface {
	GetStatus(ctx context.Context, ip string) (*types.AbuseStatus, error)
	ClearTimeout(ctx context.Context, ip string) error
	DenyIP(ctx context.Context, ip string) error
	AllowIP(ctx context.Context, ip string) error
	IsIPDenied(ctx context.Context, ip string) (bool, error)
	ListDenied(ctx context.Context) ([]string, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router wraps chi.Router with service-specific configuration.
type Router struct {
	*chi.Mux
	cfg RouterConfig
}

// RouterConfig holds configuration for creating a router.
type RouterConfig struct {
	Logger          *zap.Logger
	Preflight       Preflighter
	Registry        *registry.Registry
	Abuse           AbuseAdmin
	Audit           audit.Store
	Display         *display.Mapper
	Store           Pinger
	Auth            *auth.Authenticator
	Metrics         *metrics.Collector
	Gatherer        prometheus.Gatherer
	EnforceDenyList bool
	MaxBodyBytes    int64
	RequestTimeout  time.Duration
	Version         string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.NewAuthenticator(auth.KeyConfig{})
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopStore{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := &Router{
		Mux: chi.NewRouter(),
		cfg: cfg,
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(Metrics(cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// Health endpoints (no auth)
	r.Get("/healthz", r.handleHealthz)
	r.Get("/readyz", r.handleReadyz)
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// API v1
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(cfg.Auth.Middleware)

		v1.With(auth.RequireScope(auth.ScopePreflightRun)).Post("/preflight", r.handlePreflight)
		v1.With(auth.RequireScope(auth.ScopeChecksRead)).Get("/checks", r.handleListChecks)

		v1.Route("/abuse/{ip}", func(ab chi.Router) {
			ab.With(auth.RequireScope(auth.ScopeAbuseRead)).Get("/", r.handleAbuseStatus)
			ab.With(auth.RequireScope(auth.ScopeAbuseWrite)).Delete("/timeout", r.handleClearTimeout)
		})

		v1.Route("/denylist", func(dl chi.Router) {
			dl.With(auth.RequireScope(auth.ScopeDenyListRead)).Get("/", r.handleListDenied)
			dl.With(auth.RequireScope(auth.ScopeDenyListWrite)).Put("/{ip}", r.handleDenyIP)
			dl.With(auth.RequireScope(auth.ScopeDenyListWrite)).Delete("/{ip}", r.handleAllowIP)
		})

		v1.Route("/audit", func(au chi.Router) {
			au.Use(auth.RequireScope(auth.ScopeAuditRead))
			au.Get("/", r.handleListAudit)
			au.Get("/{auditId}", r.handleGetAudit)
		})
	})

	return r
}

// RequestLogger returns a middleware that logs requests.
func RequestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Metrics returns a middleware that records request counts and latency by
// route pattern. A nil collector disables it.
func Metrics(c *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			c.ObserveHTTP(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}
