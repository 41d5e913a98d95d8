// Package app wires configuration, adapters and background goroutines
// into runnable server and worker processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medialens/inference/internal/adapter/httpserver"
	"github.com/medialens/inference/internal/auth"
	"github.com/medialens/inference/internal/config"
	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/observability"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means allow everything.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter assembles the full HTTP surface with all middleware.
func BuildRouter(cfg config.Config, srv *httpserver.Server, verifier auth.Verifier, ready *Readiness) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating routes: rate limited per IP and capability gated.
	r.Group(func(mr chi.Router) {
		mr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		mr.Use(httpserver.RequireCapability(verifier, domain.CapabilityInference))
		mr.Post("/job/{task_type}", srv.SubmitJob)
		mr.Delete("/job/{job_id}", srv.DeleteJob)
	})

	// The job id is unguessable and acts as the read capability.
	r.Get("/job/{job_id}", srv.GetJob)

	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.RequireAdmin(verifier))
		ar.Get("/admin/stats", srv.AdminStats)
		ar.Delete("/admin/cleanup", srv.AdminCleanup)
	})

	r.Get("/health", srv.Health)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) { promhttp.Handler().ServeHTTP(w, req) })
	r.Get("/readyz", ready.Handler())

	return httpserver.SecurityHeaders(r)
}
