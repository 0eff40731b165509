// Package handler holds the HTTP handlers of the worker's operations port.
package handler

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/kiranshivaraju/churnguard/internal/api/response"
)

// checkTimeout bounds all dependency pings of one health request.
const checkTimeout = 2 * time.Second

// Pinger is a dependency pinged by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports ok while every dependency answers its ping and the worker
// is not draining. draining may be nil.
func Health(checks map[string]Pinger, modelVersion string, draining func() bool) http.HandlerFunc {
	names := slices.Sorted(maps.Keys(checks))

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		services := make(map[string]string, len(names))
		degraded := false
		for _, name := range names {
			services[name] = "ok"
			if err := checks[name].Ping(ctx); err != nil {
				services[name] = "degraded"
				degraded = true
				slog.Warn("health check failed", "service", name, "error", err)
			}
		}

		if draining != nil && draining() {
			response.Error(w, http.StatusServiceUnavailable, "DRAINING",
				"Worker is shutting down", services)
			return
		}
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", services)
			return
		}

		response.JSON(w, map[string]any{
			"status":        "ok",
			"model_version": modelVersion,
			"services":      services,
		})
	}
}
