package domain

import "time"

// EventKind selects the terminal broadcast channel for a job.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// CompletedPayload is the body published on
// inference/job/{job_id}/completed. Field names are part of the wire
// contract consumed by downstream services.
func CompletedPayload(j Job, now time.Time) map[string]any {
	summary := map[string]any{}
	if j.Result != nil {
		summary = j.Result.Summary()
	}
	return map[string]any{
		"job_id":         j.ID,
		"task_type":      string(j.TaskType),
		"status":         string(JobCompleted),
		"result_summary": summary,
		"timestamp_ms":   now.UnixMilli(),
	}
}

// FailedPayload is the body published on inference/job/{job_id}/failed.
func FailedPayload(j Job, now time.Time) map[string]any {
	return map[string]any{
		"job_id":        j.ID,
		"status":        string(JobError),
		"error_message": j.ErrorMessage,
		"retry_count":   j.RetryCount,
		"timestamp_ms":  now.UnixMilli(),
	}
}
