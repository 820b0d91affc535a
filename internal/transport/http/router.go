// Package httptransport is the thin HTTP layer. Handlers delegate to
// domain services and stay free of business logic so transport concerns
// remain isolated.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clavis/internal/platform/metrics"
	"clavis/internal/platform/middleware"
	"clavis/pkg/platform/httputil"
)

// Handler bundles the service surfaces the HTTP layer exposes.
type Handler struct {
	flow     AuthFlow
	tokens   TokenVerifier
	keys     KeyManager
	sessions SessionAdmin
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type HandlerOption func(*Handler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

func NewHandler(flow AuthFlow, tokens TokenVerifier, keys KeyManager, sessions SessionAdmin, opts ...HandlerOption) *Handler {
	h := &Handler{
		flow:     flow,
		tokens:   tokens,
		keys:     keys,
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter wires all endpoints with the middleware chain.
func NewRouter(h *Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(h.instrument)

	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/refresh", h.handleRefresh)
	r.Post("/auth/logout", h.handleLogout)
	r.Post("/auth/introspect", h.handleIntrospect)

	r.Get("/applications/{app_id}/jwks.json", h.handleJWKS)

	// Admin surface. Deployed behind the gateway's operator auth, not
	// exposed publicly.
	r.Post("/applications/{app_id}/keys/rotate", h.handleKeyRotate)
	r.Delete("/applications/{app_id}/keys/{kid}", h.handleKeyRevoke)
	r.Get("/principals/{type}/{id}/sessions", h.handleSessionList)
	r.Post("/principals/{type}/{id}/sessions/revoke", h.handleSessionRevokeAll)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// instrument records per-route latency using the chi route pattern so
// path parameters do not explode the label set.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		if route := chi.RouteContext(r.Context()); route != nil {
			h.metrics.ObserveEndpointLatency(route.RoutePattern(), time.Since(start).Seconds())
		}
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
