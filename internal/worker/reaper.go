package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/observability"
)

// Reaper recovers jobs whose worker died mid-attempt: it clears expired
// leases and moves the orphaned processing jobs back to pending, or to
// error once their retries are spent. Exactly one reaper per deployment
// is enough, but running several is safe because every write is
// conditional on current state.
type Reaper struct {
	Store     domain.JobStore
	Queue     domain.Queue
	Broadcast domain.Broadcaster
	Interval  time.Duration
}

// NewReaper constructs a reaper. Interval defaults to one minute.
func NewReaper(store domain.JobStore, queue domain.Queue, broadcast domain.Broadcaster, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{Store: store, Queue: queue, Broadcast: broadcast, Interval: interval}
}

// Run sweeps on a ticker until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: reap expired leases and recover every affected
// job inside one transaction, so a reaped entry is never schedulable while
// its job still says processing. An aborted attempt consumes a retry like
// any other failure, otherwise a crash-looping input would retry forever.
// Broadcasts go out strictly after the commit.
func (r *Reaper) Sweep(ctx context.Context) {
	var failed, retried []domain.Job
	err := r.Store.WithinTx(ctx, func(ctx domain.Context) error {
		failed, retried = failed[:0], retried[:0]
		expired, err := r.Queue.ReapExpired(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		for _, entry := range expired {
			job, terminal, err := r.recover(ctx, entry)
			if err != nil {
				return err
			}
			switch {
			case terminal:
				failed = append(failed, job)
			case job.ID != "":
				retried = append(retried, job)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("lease reap failed", slog.Any("error", err))
		return
	}
	for _, job := range retried {
		observability.JobRetried(string(job.TaskType))
		slog.Warn("expired job returned to queue",
			slog.String("job_id", job.ID), slog.Int("retry_count", job.RetryCount))
	}
	for _, job := range failed {
		observability.JobFailed(string(job.TaskType))
		slog.Warn("expired job failed terminally",
			slog.String("job_id", job.ID), slog.Int("retry_count", job.RetryCount))
		_ = r.Broadcast.Publish(ctx, job.ID, domain.EventFailed, domain.FailedPayload(job, time.Now().UTC()))
	}
}

// recover moves one reaped entry's job back to pending, or to error when
// its retries are spent. Runs inside the sweep transaction; the returned
// job is zero when no recovery was needed.
func (r *Reaper) recover(ctx domain.Context, entry domain.QueueEntry) (domain.Job, bool, error) {
	job, err := r.Store.GetJob(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, false, r.Queue.Remove(ctx, entry.EntryID)
		}
		return domain.Job{}, false, err
	}
	if job.Status != domain.JobProcessing {
		// Pending again (worker nacked after the lease lapsed) or already
		// terminal; the cleared entry is all the recovery needed.
		return domain.Job{}, false, nil
	}

	if job.RetriesExhausted() {
		now := time.Now().UTC()
		failed := domain.JobError
		msg := "worker lease expired and retries are exhausted"
		updated, err := r.Store.UpdateJob(ctx, job.ID, domain.JobPatch{
			Status:       &failed,
			CompletedAt:  &now,
			ErrorMessage: &msg,
		})
		if err != nil {
			return domain.Job{}, false, err
		}
		if err := r.Queue.Remove(ctx, entry.EntryID); err != nil {
			return domain.Job{}, false, err
		}
		return updated, true, nil
	}

	pending := domain.JobPending
	retries := job.RetryCount + 1
	updated, err := r.Store.UpdateJob(ctx, job.ID, domain.JobPatch{Status: &pending, RetryCount: &retries})
	if err != nil {
		return domain.Job{}, false, err
	}
	return updated, false, nil
}
