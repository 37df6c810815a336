// Package httpx serves the operational endpoints of the analytics core: health and
// Prometheus metrics. Query and ingestion APIs are served elsewhere.
package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCheckTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// Router exposes /healthz and /metrics.
type Router struct {
	mux    *mux.Router
	checks map[string]Check
	logger *slog.Logger
	now    func() time.Time
}

// NewRouter builds the ops router. checks are keyed by component name.
func NewRouter(logger *slog.Logger, gatherer prometheus.Gatherer, checks map[string]Check) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    mux.NewRouter(),
		checks: checks,
		logger: logger,
		now:    time.Now,
	}
	r.mux.HandleFunc("/healthz", r.handleHealthz).Methods(http.MethodGet)
	r.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(map[string]any, len(names))
	status := "ok"
	for _, name := range names {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := r.checks[name](ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			r.logger.Warn("health check failed", "component", name, "error", err)
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	})
}
