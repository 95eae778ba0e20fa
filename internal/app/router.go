// Package app wires the HTTP router: middleware chain, routes, and the
// generic Prometheus HTTP-surface handler.
package app

import (
	"time"

	"github.com/go-chi/chi/v5"

	httpserver "github.com/agyc/orchestrator/internal/adapter/httpserver"
	"github.com/agyc/orchestrator/internal/adapter/observability"
)

// requestTimeoutMargin is added on top of task_timeout_seconds so the
// dispatcher's own precise per-task timeout (spec.md §8) always has a chance
// to fire and populate its error/metrics path before the generic HTTP-layer
// deadline would.
const requestTimeoutMargin = 15 * time.Second

// BuildRouter constructs the HTTP handler with all middleware and routes.
// taskTimeout is the dispatcher's configured task_timeout_seconds; the
// request-level deadline is derived from it rather than fixed, so a
// legitimately long-running task is never cut off by the HTTP layer ahead of
// the dispatcher's own timeout.
func BuildRouter(srv *httpserver.Server, taskTimeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(taskTimeout + requestTimeoutMargin))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/metrics", srv.MetricsHandler())
	r.Get("/metrics/http", observability.Handler().ServeHTTP)
	r.Post("/v1/messages", srv.MessagesHandler())

	return r
}
