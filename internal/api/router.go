// Package api serves the worker's operations port: liveness and metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/churnguard/internal/api/handler"
	mw "github.com/kiranshivaraju/churnguard/internal/api/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies holds everything the operations router serves.
type Dependencies struct {
	// Checks are pinged by /healthz, keyed by the name reported.
	Checks       map[string]handler.Pinger
	ModelVersion string
	Draining     func() bool
	Gatherer     prometheus.Gatherer
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/healthz", handler.Health(deps.Checks, deps.ModelVersion, deps.Draining))

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}
