package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/buildxl/distproxy/internal/events"
	"github.com/buildxl/distproxy/internal/graphcache"
)

// Config collects the dependencies the admin router needs.
type Config struct {
	Registry *Registry
	Resolver *graphcache.Resolver
	Hub      *events.Hub
	Logger   *zap.Logger
}

// NewRouter builds the fully configured admin HTTP handler. Routes are
// registered under /admin/v1; /metrics is mounted at the root for the
// standard Prometheus scrape convention.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(0)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/healthz", healthHandler)
		r.Get("/calls", callsHandler(cfg.Registry))
		r.Get("/graphcache/stats", graphCacheStatsHandler(cfg.Resolver))

		if cfg.Hub != nil {
			ws := newWSHandler(cfg.Hub, cfg.Logger)
			r.Get("/events", ws.ServeHTTP)
			r.Get("/events/stats", eventsStatsHandler(cfg.Hub))
		}
	})

	return r
}
