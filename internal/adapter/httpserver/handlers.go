package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/medialens/inference/internal/domain"
)

// JobAPI is the slice of the job service the transport needs.
type JobAPI interface {
	Submit(ctx domain.Context, taskType, mediaID string, priority *int, createdBy string) (domain.Job, error)
	Get(ctx domain.Context, jobID string) (domain.Job, error)
	Delete(ctx domain.Context, jobID string) error
	Stats(ctx domain.Context) (domain.Stats, error)
	Cleanup(ctx domain.Context, f domain.CleanupFilter) (int64, error)
}

// StatsSource supplies the last sampled stats snapshot. /health reads
// this instead of probing dependencies per call.
type StatsSource interface {
	Latest() domain.Stats
}

// Server holds the HTTP handlers.
type Server struct {
	Jobs      JobAPI
	Stats     StatsSource
	StartedAt time.Time

	validate *validator.Validate
}

// NewServer constructs the handler set.
func NewServer(jobs JobAPI, stats StatsSource) *Server {
	return &Server{
		Jobs:      jobs,
		Stats:     stats,
		StartedAt: time.Now().UTC(),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

type submitRequest struct {
	MediaID  string `json:"media_id" validate:"required,max=256"`
	Priority *int   `json:"priority" validate:"omitempty,min=0,max=10"`
}

// jobResponse is the wire form of a job. Timestamps are millisecond
// integers.
type jobResponse struct {
	JobID        string            `json:"job_id"`
	TaskType     string            `json:"task_type"`
	MediaID      string            `json:"media_id"`
	Status       string            `json:"status"`
	Priority     int               `json:"priority"`
	CreatedAt    int64             `json:"created_at"`
	StartedAt    *int64            `json:"started_at,omitempty"`
	CompletedAt  *int64            `json:"completed_at,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Result       *domain.JobResult `json:"result,omitempty"`
	CreatedBy    string            `json:"created_by,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	resp := jobResponse{
		JobID:        j.ID,
		TaskType:     string(j.TaskType),
		MediaID:      j.MediaID,
		Status:       string(j.Status),
		Priority:     j.Priority,
		CreatedAt:    j.CreatedAt.UnixMilli(),
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ErrorMessage: j.ErrorMessage,
		Result:       j.Result,
		CreatedBy:    j.CreatedBy,
	}
	if j.StartedAt != nil {
		ms := j.StartedAt.UnixMilli()
		resp.StartedAt = &ms
	}
	if j.CompletedAt != nil {
		ms := j.CompletedAt.UnixMilli()
		resp.CompletedAt = &ms
	}
	return resp
}

// SubmitJob handles POST /job/{task_type}.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("op=http.submit: bad json body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, fmt.Errorf("op=http.submit: %w", domain.ErrInvalidArgument), validationDetails(err))
		return
	}
	var createdBy string
	if id, ok := IdentityFrom(r.Context()); ok {
		createdBy = id.Subject
	}
	job, err := s.Jobs.Submit(r.Context(), chi.URLParam(r, "task_type"), req.MediaID, req.Priority, createdBy)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// GetJob handles GET /job/{job_id}. Unauthenticated: the unguessable job
// id is the read capability.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// DeleteJob handles DELETE /job/{job_id}.
func (s *Server) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Jobs.Delete(r.Context(), chi.URLParam(r, "job_id")); err != nil {
		writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status         string `json:"status"`
	QueueSize      int64  `json:"queue_size"`
	JobsPending    int64  `json:"jobs_pending"`
	JobsProcessing int64  `json:"jobs_processing"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// Health handles GET /health from the sampler's last-known snapshot; it
// never probes dependencies itself.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	snap := s.Stats.Latest()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		QueueSize:      snap.QueueDepth,
		JobsPending:    snap.Jobs[domain.JobPending],
		JobsProcessing: snap.Jobs[domain.JobProcessing],
		UptimeSeconds:  int64(time.Since(s.StartedAt).Seconds()),
	})
}

func validationDetails(err error) any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, map[string]string{
			"field": fe.Field(),
			"rule":  fe.Tag(),
		})
	}
	return details
}
