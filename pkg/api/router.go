package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/kestrel/pkg/auth"
	"github.com/psantana5/kestrel/pkg/metrics"
	"github.com/psantana5/kestrel/pkg/middleware"
	"github.com/psantana5/kestrel/pkg/ratelimit"
	"github.com/psantana5/kestrel/pkg/tracing"
)

// RouterConfig collects what the router serves and guards. Only Jobs and
// Killer are required.
type RouterConfig struct {
	Jobs    JobService
	Killer  Killer
	Health  func() error
	Version string

	Metrics *metrics.Registry
	Tracer  *tracing.Provider
	Limiter *ratelimit.Limiter
	APIKeys *auth.APIKeyManager
}

// NewRouter builds the server router with its middleware chain
func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.Recover)
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	if cfg.Tracer != nil {
		r.Use(mux.MiddlewareFunc(tracing.HTTPMiddleware(cfg.Tracer)))
	}
	if cfg.Limiter != nil {
		r.Use(mux.MiddlewareFunc(cfg.Limiter.Middleware(ratelimit.IPKeyFunc)))
	}

	var protect mux.MiddlewareFunc
	if cfg.APIKeys != nil {
		protect = cfg.APIKeys.Middleware
	}
	NewJobsHandler(cfg.Jobs, cfg.Killer, cfg.Health, cfg.Version).RegisterRoutes(r, protect)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Kind: "NotFound", Message: "no route for " + r.URL.Path})
	})
	return r
}
