// Package usecase holds the pure business logic between the HTTP surface
// and the storage adapters.
package usecase

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/observability"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.
)

func newJobID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// JobService creates, reads and deletes inference jobs over the store and
// queue ports. It owns input validation and the create-and-enqueue
// transaction; everything downstream trusts its output.
type JobService struct {
	Store domain.JobStore
	Queue domain.Queue
	// DefaultMaxRetries is frozen onto each job at submit time.
	DefaultMaxRetries int
}

// NewJobService constructs a JobService.
func NewJobService(store domain.JobStore, queue domain.Queue, defaultMaxRetries int) JobService {
	if defaultMaxRetries < 0 {
		defaultMaxRetries = 0
	}
	return JobService{Store: store, Queue: queue, DefaultMaxRetries: defaultMaxRetries}
}

// Submit validates the request and creates a pending job together with its
// queue entry in one transaction. priority nil means the default; a second
// live job for the same (media_id, task_type) is ErrDuplicateJob.
func (s JobService) Submit(ctx domain.Context, taskType, mediaID string, priority *int, createdBy string) (domain.Job, error) {
	task, err := domain.ParseTaskType(taskType)
	if err != nil {
		return domain.Job{}, err
	}
	if mediaID == "" {
		return domain.Job{}, fmt.Errorf("op=job.submit: media_id required: %w", domain.ErrInvalidArgument)
	}
	p := domain.PriorityDefault
	if priority != nil {
		if err := domain.ValidatePriority(*priority); err != nil {
			return domain.Job{}, err
		}
		p = *priority
	}

	j := domain.Job{
		ID:         newJobID(),
		TaskType:   task,
		MediaID:    mediaID,
		Status:     domain.JobPending,
		Priority:   p,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: s.DefaultMaxRetries,
		CreatedBy:  createdBy,
	}
	err = s.Store.WithinTx(ctx, func(ctx domain.Context) error {
		if err := s.Store.CreateJob(ctx, j); err != nil {
			return err
		}
		return s.Queue.Enqueue(ctx, j.ID, j.Priority)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			// Name the conflicting job so the caller can poll it instead
			// of resubmitting.
			if existing, lookupErr := s.Store.FindJobByMedia(ctx, mediaID, task); lookupErr == nil {
				return domain.Job{}, fmt.Errorf("op=job.submit: media %s already has job %s for task %s: %w",
					mediaID, existing.ID, task, domain.ErrDuplicateJob)
			}
		}
		return domain.Job{}, err
	}
	observability.JobEnqueued(string(task))
	return j, nil
}

// Get loads a job by id. No capability check: the job id itself is the
// read capability.
func (s JobService) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	if jobID == "" {
		return domain.Job{}, fmt.Errorf("op=job.get: id required: %w", domain.ErrInvalidArgument)
	}
	return s.Store.GetJob(ctx, jobID)
}

// Delete removes a job; its queue entry and sync row go with it. Safe to
// call while a worker holds the job's lease (the worker detects the gone
// row at commit time and discards its result).
func (s JobService) Delete(ctx domain.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("op=job.delete: id required: %w", domain.ErrInvalidArgument)
	}
	return s.Store.DeleteJob(ctx, jobID)
}

// Stats snapshots job counts and queue depth for the admin surface. The
// numbers come from separate queries and may be mutually inconsistent for
// an instant; the admin surface tolerates that.
func (s JobService) Stats(ctx domain.Context) (domain.Stats, error) {
	counts, err := s.Store.CountJobs(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	depth, err := s.Queue.Depth(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	leased, err := s.Queue.LeasedCount(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	backlog, err := s.Store.SyncBacklog(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	return domain.Stats{
		Jobs:        counts,
		QueueDepth:  depth,
		QueueLeased: leased,
		SyncBacklog: backlog,
		SampledAt:   time.Now().UTC(),
	}, nil
}

// Cleanup bulk-deletes terminal jobs matching the filter. Deleting
// non-terminal jobs requires naming their status explicitly.
func (s JobService) Cleanup(ctx domain.Context, f domain.CleanupFilter) (int64, error) {
	if f.OlderThan < 0 {
		return 0, fmt.Errorf("op=job.cleanup: negative age: %w", domain.ErrInvalidArgument)
	}
	for _, st := range f.Statuses {
		switch st {
		case domain.JobPending, domain.JobProcessing, domain.JobCompleted, domain.JobSyncFailed, domain.JobError:
		default:
			return 0, fmt.Errorf("op=job.cleanup: unknown status %q: %w", st, domain.ErrInvalidArgument)
		}
	}
	return s.Store.CleanupJobs(ctx, f)
}
