package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/observability"
)

// syncBatchSize bounds one retry pass so a large backlog cannot starve
// the ticker.
const syncBatchSize = 50

// Syncer re-drives result confirmations for jobs parked in sync_failed.
// A confirmed job finally becomes completed; one that exhausts its sync
// retries becomes error. Only runs when result sync is enabled.
type Syncer struct {
	Store      domain.JobStore
	Confirmer  domain.ResultConfirmer
	Broadcast  domain.Broadcaster
	Interval   time.Duration
	MaxRetries int
	// Backoff spaces consecutive confirm attempts for one job.
	Backoff time.Duration
}

// NewSyncer constructs a syncer with sane defaults for zero fields.
func NewSyncer(store domain.JobStore, confirmer domain.ResultConfirmer, broadcast domain.Broadcaster, interval time.Duration, maxRetries int, backoff time.Duration) *Syncer {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	return &Syncer{
		Store:      store,
		Confirmer:  confirmer,
		Broadcast:  broadcast,
		Interval:   interval,
		MaxRetries: maxRetries,
		Backoff:    backoff,
	}
}

// Run retries due confirmations on a ticker until the context is
// cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep retries every due sync row once.
func (s *Syncer) Sweep(ctx context.Context) {
	due, err := s.Store.DueSyncRetries(ctx, time.Now().UTC(), syncBatchSize)
	if err != nil {
		slog.Error("sync retry query failed", slog.Any("error", err))
		return
	}
	for _, row := range due {
		s.retry(ctx, row)
	}
}

func (s *Syncer) retry(ctx context.Context, row domain.SyncStatus) {
	lg := slog.Default().With(slog.String("job_id", row.JobID))
	job, err := s.Store.GetJob(ctx, row.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Job deleted; its sync row went with it.
			return
		}
		lg.Error("sync job load failed", slog.Any("error", err))
		return
	}
	if job.Status != domain.JobSyncFailed {
		return
	}

	confirmErr := s.Confirmer.ConfirmResult(ctx, job)
	now := time.Now().UTC()
	if confirmErr == nil {
		completed := domain.JobCompleted
		// The confirm-failure text must not survive on a completed job.
		noErr := ""
		var updated domain.Job
		err := s.Store.WithinTx(ctx, func(ctx domain.Context) error {
			var err error
			updated, err = s.Store.UpdateJob(ctx, job.ID, domain.JobPatch{
				Status:       &completed,
				CompletedAt:  &now,
				ErrorMessage: &noErr,
			})
			if err != nil {
				return err
			}
			return s.Store.UpsertSyncStatus(ctx, domain.SyncStatus{
				JobID:      job.ID,
				State:      domain.SyncSynced,
				RetryCount: row.RetryCount + 1,
				UpdatedAt:  now,
			})
		})
		if err != nil {
			lg.Error("sync completion commit failed", slog.Any("error", err))
			return
		}
		observability.JobCompleted(string(job.TaskType))
		lg.Info("delayed result sync succeeded", slog.Int("sync_retries", row.RetryCount+1))
		_ = s.Broadcast.Publish(ctx, job.ID, domain.EventCompleted, domain.CompletedPayload(updated, time.Now().UTC()))
		return
	}

	retries := row.RetryCount + 1
	if retries >= s.MaxRetries {
		failed := domain.JobError
		msg := "result sync retries exhausted: " + confirmErr.Error()
		var updated domain.Job
		err := s.Store.WithinTx(ctx, func(ctx domain.Context) error {
			var err error
			updated, err = s.Store.UpdateJob(ctx, job.ID, domain.JobPatch{
				Status:       &failed,
				CompletedAt:  &now,
				ErrorMessage: &msg,
			})
			if err != nil {
				return err
			}
			return s.Store.UpsertSyncStatus(ctx, domain.SyncStatus{
				JobID:      job.ID,
				State:      domain.SyncFailed,
				RetryCount: retries,
				LastError:  confirmErr.Error(),
				UpdatedAt:  now,
			})
		})
		if err != nil {
			lg.Error("sync exhaustion commit failed", slog.Any("error", err))
			return
		}
		observability.JobFailed(string(job.TaskType))
		lg.Error("result sync exhausted, job failed", slog.Any("error", confirmErr))
		_ = s.Broadcast.Publish(ctx, job.ID, domain.EventFailed, domain.FailedPayload(updated, time.Now().UTC()))
		return
	}

	next := now.Add(RetryDelay(s.Backoff, 10*s.Backoff, retries-1))
	if err := s.Store.UpsertSyncStatus(ctx, domain.SyncStatus{
		JobID:       job.ID,
		State:       domain.SyncPending,
		RetryCount:  retries,
		NextRetryAt: &next,
		LastError:   confirmErr.Error(),
		UpdatedAt:   now,
	}); err != nil {
		lg.Error("sync reschedule failed", slog.Any("error", err))
		return
	}
	lg.Warn("result sync retry failed, rescheduled",
		slog.Int("sync_retries", retries),
		slog.Time("next_retry_at", next),
		slog.Any("error", confirmErr))
}
