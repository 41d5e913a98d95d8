// Package domain holds the inference backend's entities, error taxonomy and
// the ports its adapters implement. It imports nothing above the standard
// library so every layer can depend on it.
package domain

import (
	"fmt"
	"time"
)

// TaskType enumerates the closed set of inference tasks.
type TaskType string

const (
	TaskImageEmbedding TaskType = "image_embedding"
	TaskFaceDetection  TaskType = "face_detection"
	TaskFaceEmbedding  TaskType = "face_embedding"
)

// TaskTypes lists all valid task types in a stable order.
func TaskTypes() []TaskType {
	return []TaskType{TaskImageEmbedding, TaskFaceDetection, TaskFaceEmbedding}
}

// ParseTaskType validates a wire-level task type string.
func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(s); t {
	case TaskImageEmbedding, TaskFaceDetection, TaskFaceEmbedding:
		return t, nil
	default:
		return "", fmt.Errorf("op=task.parse: unknown task_type %q: %w", s, ErrInvalidArgument)
	}
}

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobSyncFailed JobStatus = "sync_failed"
	JobError      JobStatus = "error"
)

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// jobTransitions is the full transition table; absence means illegal.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobError},
	JobProcessing: {JobCompleted, JobPending, JobSyncFailed, JobError},
	JobSyncFailed: {JobCompleted, JobError},
}

// CanTransition reports whether from -> to is a legal status change.
// Self-transitions are not legal; terminal states have no successors.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority bounds. Requests outside the range are rejected, never clamped.
const (
	PriorityMin     = 0
	PriorityMax     = 10
	PriorityDefault = 5
)

// ValidatePriority enforces the inclusive scheduling range.
func ValidatePriority(p int) error {
	if p < PriorityMin || p > PriorityMax {
		return fmt.Errorf("op=job.priority: %d outside [%d,%d]: %w", p, PriorityMin, PriorityMax, ErrInvalidArgument)
	}
	return nil
}

// Job is one unit of inference work against a single media item.
// Invariants: Status moves only along jobTransitions; Result is set only in
// completed; ErrorMessage only in error and sync_failed; CompletedAt, when
// set, is never before StartedAt.
type Job struct {
	ID           string
	TaskType     TaskType
	MediaID      string
	Status       JobStatus
	Priority     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	Result       *JobResult
	CreatedBy    string
}

// RetriesExhausted reports whether another soft retry is still allowed.
func (j Job) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// JobPatch is the restricted field set update_job may change. Identity
// fields (id, task type, media id, priority, created_by) are immutable.
type JobPatch struct {
	Status       *JobStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   *int
	ErrorMessage *string
	Result       *JobResult
}

// QueueEntry is the scheduling record for one pending job. JobID is unique
// in the queue; an entry is invisible to lease calls while LeasedUntil is
// in the future.
type QueueEntry struct {
	EntryID     string
	JobID       string
	Priority    int
	EnqueuedAt  time.Time
	LeaseHolder string
	LeasedUntil *time.Time
}

// SyncState tracks the media-metadata confirmation of a finished result.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

// SyncStatus is one row of the result-sync backlog, keyed by job.
type SyncStatus struct {
	JobID       string
	State       SyncState
	RetryCount  int
	NextRetryAt *time.Time
	LastError   string
	UpdatedAt   time.Time
}

// Stats is the admin snapshot: job counts per status plus queue and sync
// depth. Sampled, not transactionally consistent.
type Stats struct {
	Jobs        map[JobStatus]int64
	QueueDepth  int64
	QueueLeased int64
	SyncBacklog int64
	SampledAt   time.Time
}

// CleanupFilter selects jobs for bulk deletion. An empty Statuses set means
// the terminal states only; non-terminal states are deleted only when named
// explicitly.
type CleanupFilter struct {
	OlderThan time.Duration
	Statuses  []JobStatus
}

// EffectiveStatuses resolves the default terminal-only scope.
func (f CleanupFilter) EffectiveStatuses() []JobStatus {
	if len(f.Statuses) == 0 {
		return []JobStatus{JobCompleted, JobError}
	}
	return f.Statuses
}
