package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// Readiness aggregates dependency probes for /readyz. Unlike /health this
// dials every dependency on each call; orchestration uses it to gate
// traffic, so it must reflect reality, not a sample.
type Readiness struct {
	checks map[string]Check
	// Timeout bounds each individual probe.
	Timeout time.Duration
}

// NewReadiness constructs an empty probe set.
func NewReadiness() *Readiness {
	return &Readiness{checks: map[string]Check{}, Timeout: 2 * time.Second}
}

// Add registers a named probe. Nil checks are ignored so optional
// dependencies can be wired unconditionally.
func (r *Readiness) Add(name string, c Check) *Readiness {
	if c != nil {
		r.checks[name] = c
	}
	return r
}

// Handler serves 200 with per-dependency status, or 503 when any probe
// fails.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		type result struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}
		results := make(map[string]result, len(r.checks))
		healthy := true
		for name, check := range r.checks {
			ctx, cancel := context.WithTimeout(req.Context(), r.Timeout)
			err := check(ctx)
			cancel()
			if err != nil {
				healthy = false
				results[name] = result{Status: "down", Error: err.Error()}
				continue
			}
			results[name] = result{Status: "up"}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ready":        healthy,
			"dependencies": results,
		})
	}
}
