package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/medialens/inference/internal/domain"
)

type statsResponse struct {
	Jobs        map[string]int64 `json:"jobs"`
	QueueDepth  int64            `json:"queue_depth"`
	QueueLeased int64            `json:"queue_leased"`
	SyncBacklog int64            `json:"sync_backlog"`
	SampledAtMS int64            `json:"sampled_at_ms"`
}

// AdminStats handles GET /admin/stats with fresh counts, unlike /health
// which serves the sampler's snapshot.
func (s *Server) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Jobs.Stats(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}
	jobs := make(map[string]int64, len(stats.Jobs))
	for status, n := range stats.Jobs {
		jobs[string(status)] = n
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Jobs:        jobs,
		QueueDepth:  stats.QueueDepth,
		QueueLeased: stats.QueueLeased,
		SyncBacklog: stats.SyncBacklog,
		SampledAtMS: stats.SampledAt.UnixMilli(),
	})
}

type cleanupRequest struct {
	OlderThanSeconds int64    `json:"older_than_seconds" validate:"min=0"`
	Statuses         []string `json:"statuses" validate:"omitempty,dive,oneof=pending processing completed sync_failed error"`
}

type cleanupResponse struct {
	Deleted          int64    `json:"deleted"`
	OlderThanSeconds int64    `json:"older_than_seconds"`
	Statuses         []string `json:"statuses"`
}

// AdminCleanup handles DELETE /admin/cleanup. An empty body means the
// default scope: terminal jobs of any age.
func (s *Server) AdminCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, fmt.Errorf("op=http.cleanup: bad json body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, fmt.Errorf("op=http.cleanup: %w", domain.ErrInvalidArgument), validationDetails(err))
		return
	}
	filter := domain.CleanupFilter{
		OlderThan: time.Duration(req.OlderThanSeconds) * time.Second,
	}
	for _, st := range req.Statuses {
		filter.Statuses = append(filter.Statuses, domain.JobStatus(st))
	}
	deleted, err := s.Jobs.Cleanup(r.Context(), filter)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	effective := filter.EffectiveStatuses()
	statuses := make([]string, 0, len(effective))
	for _, st := range effective {
		statuses = append(statuses, string(st))
	}
	writeJSON(w, http.StatusOK, cleanupResponse{
		Deleted:          deleted,
		OlderThanSeconds: req.OlderThanSeconds,
		Statuses:         statuses,
	})
}
