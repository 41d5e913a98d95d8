// Package worker drives leased queue entries through the job lifecycle:
// fetch media, run inference, persist vectors, commit the terminal state,
// broadcast. One Worker is one goroutine; horizontal scale comes from
// running more instances, which coordinate only through the queue's lease
// protocol.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medialens/inference/internal/adapter/vector/qdrant"
	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/observability"
)

// errLeaseLost aborts an attempt whose lease another worker may now hold.
// Nothing is committed past it.
var errLeaseLost = errors.New("lease lost")

// Config bounds one worker instance's loop.
type Config struct {
	PollInterval     time.Duration
	LeaseDuration    time.Duration
	MediaTimeout     time.Duration
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	// InferConcurrency bounds in-flight inference calls so the loop stays
	// responsive for lease renewal.
	InferConcurrency int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.MediaTimeout <= 0 {
		c.MediaTimeout = 30 * time.Second
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 2 * time.Second
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = time.Minute
	}
	if c.InferConcurrency <= 0 {
		c.InferConcurrency = 1
	}
}

// Worker leases queue entries and executes their jobs.
type Worker struct {
	ID        string
	Store     domain.JobStore
	Queue     domain.Queue
	Media     domain.MediaFetcher
	Engine    domain.InferenceEngine
	Vectors   domain.VectorSink
	Broadcast domain.Broadcaster
	// Confirmer is non-nil only when result sync is enabled; it gates the
	// processing -> completed transition behind a confirm call.
	Confirmer domain.ResultConfirmer
	Cfg       Config

	inferSlots chan struct{}
}

// New constructs a worker with a generated id.
func New(store domain.JobStore, queue domain.Queue, media domain.MediaFetcher,
	engine domain.InferenceEngine, vectors domain.VectorSink, broadcast domain.Broadcaster,
	confirmer domain.ResultConfirmer, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		ID:         "worker-" + uuid.New().String(),
		Store:      store,
		Queue:      queue,
		Media:      media,
		Engine:     engine,
		Vectors:    vectors,
		Broadcast:  broadcast,
		Confirmer:  confirmer,
		Cfg:        cfg,
		inferSlots: make(chan struct{}, cfg.InferConcurrency),
	}
}

// Run loops until the context is cancelled: lease, execute, repeat. An
// empty queue sleeps one poll interval.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker starting",
		slog.String("worker_id", w.ID),
		slog.Duration("poll_interval", w.Cfg.PollInterval),
		slog.Duration("lease_duration", w.Cfg.LeaseDuration))
	for {
		if ctx.Err() != nil {
			slog.Info("worker stopping", slog.String("worker_id", w.ID))
			return
		}
		entry, err := w.Queue.Lease(ctx, w.ID, w.Cfg.LeaseDuration)
		if err != nil {
			slog.Error("lease failed", slog.String("worker_id", w.ID), slog.Any("error", err))
			w.sleep(ctx, w.Cfg.PollInterval)
			continue
		}
		if entry == nil {
			w.sleep(ctx, w.Cfg.PollInterval)
			continue
		}
		w.ProcessEntry(ctx, *entry)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// ProcessEntry drives one leased entry to an outcome: commit, soft retry,
// terminal failure, or abandonment on lease loss. It never returns an
// error; every failure is classified and absorbed here.
func (w *Worker) ProcessEntry(ctx context.Context, entry domain.QueueEntry) {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "worker.ProcessEntry")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue.entry_id", entry.EntryID),
		attribute.String("job.id", entry.JobID),
	)
	lg := slog.Default().With(slog.String("worker_id", w.ID), slog.String("job_id", entry.JobID))

	job, err := w.Store.GetJob(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Job deleted after enqueue; drop the orphan entry.
			_ = w.Queue.Remove(ctx, entry.EntryID)
			return
		}
		lg.Error("job load failed", slog.Any("error", err))
		_, _ = w.Queue.Nack(ctx, entry.EntryID, w.ID, w.Cfg.RetryBackoffBase)
		return
	}
	if job.Status == domain.JobProcessing {
		// A previous attempt's lease lapsed before the reaper recovered
		// the job. That recovery is the reaper's to finish; release the
		// entry instead of consuming it, or the job would stay processing
		// with no entry left to reap.
		_, _ = w.Queue.Nack(ctx, entry.EntryID, w.ID, w.Cfg.RetryBackoffBase)
		return
	}
	if job.Status != domain.JobPending {
		// Stale entry: the job already moved on (admin action or a
		// previous attempt that lost its ack race).
		_, _ = w.Queue.Ack(ctx, entry.EntryID, w.ID)
		return
	}

	now := time.Now().UTC()
	processing := domain.JobProcessing
	job, err = w.Store.UpdateJob(ctx, job.ID, domain.JobPatch{Status: &processing, StartedAt: &now})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			_ = w.Queue.Remove(ctx, entry.EntryID)
			return
		}
		lg.Error("start transition failed", slog.Any("error", err))
		_, _ = w.Queue.Nack(ctx, entry.EntryID, w.ID, w.Cfg.RetryBackoffBase)
		return
	}
	observability.JobStarted(string(job.TaskType))
	lg.Info("job started",
		slog.String("task_type", string(job.TaskType)),
		slog.Int("retry_count", job.RetryCount))

	result, err := w.executeLeased(ctx, entry, job)
	switch {
	case err == nil:
		w.commitSuccess(ctx, entry, job, result)
	case errors.Is(err, errLeaseLost):
		// Another worker may already own the entry; walk away without
		// committing anything.
		observability.JobAbandoned(string(job.TaskType))
		lg.Warn("lease lost mid-attempt, abandoning")
	case domain.IsRetryable(err) && !job.RetriesExhausted():
		w.softRetry(ctx, entry, job, err)
	default:
		w.commitFailure(ctx, entry, job, err)
	}
}

// executeLeased runs the task pipeline while a background ticker keeps the
// lease alive. A failed renewal cancels the attempt with errLeaseLost.
func (w *Worker) executeLeased(ctx context.Context, entry domain.QueueEntry, job domain.Job) (domain.JobResult, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewLost := make(chan struct{})
	renewDone := make(chan struct{})
	defer close(renewDone)
	go func() {
		ticker := time.NewTicker(w.Cfg.LeaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewDone:
				return
			case <-execCtx.Done():
				return
			case <-ticker.C:
				ok, err := w.Queue.ExtendLease(execCtx, entry.EntryID, w.ID, w.Cfg.LeaseDuration)
				if err == nil && ok {
					continue
				}
				if err != nil && execCtx.Err() != nil {
					return
				}
				close(renewLost)
				cancel()
				return
			}
		}
	}()

	result, err := w.executeTask(execCtx, job)
	select {
	case <-renewLost:
		return domain.JobResult{}, errLeaseLost
	default:
	}
	return result, err
}

// executeTask is the fetch -> infer -> upsert pipeline. The vector write
// always precedes the job's completed commit, so a completed job implies
// its points exist.
func (w *Worker) executeTask(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.Cfg.MediaTimeout)
	media, err := w.Media.Fetch(fetchCtx, job.MediaID)
	cancel()
	if err != nil {
		return domain.JobResult{}, err
	}

	result, err := w.infer(ctx, job.TaskType, media)
	if err != nil {
		return domain.JobResult{}, err
	}

	switch job.TaskType {
	case domain.TaskImageEmbedding:
		point := qdrant.ImagePoint(job, result.Image.Vector)
		if err := w.Vectors.UpsertPoints(ctx, domain.CollectionImageEmbeddings, []domain.VectorPoint{point}); err != nil {
			return domain.JobResult{}, err
		}
	case domain.TaskFaceEmbedding:
		points := qdrant.FacePoints(job, result.Faces.Faces)
		if err := w.Vectors.UpsertPoints(ctx, domain.CollectionFaceEmbeddings, points); err != nil {
			return domain.JobResult{}, err
		}
	case domain.TaskFaceDetection:
		// Detection produces no vectors.
	}
	return result, nil
}

// infer dispatches the model call onto the bounded pool so the calling
// goroutine stays free for lease renewal bookkeeping.
func (w *Worker) infer(ctx context.Context, task domain.TaskType, media domain.Media) (domain.JobResult, error) {
	select {
	case w.inferSlots <- struct{}{}:
	case <-ctx.Done():
		return domain.JobResult{}, fmt.Errorf("op=worker.infer: %v: %w", ctx.Err(), domain.ErrModelTransient)
	}

	type outcome struct {
		result domain.JobResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() { <-w.inferSlots }()
		r, err := w.Engine.Infer(ctx, task, media)
		ch <- outcome{result: r, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return domain.JobResult{}, fmt.Errorf("op=worker.infer: %v: %w", ctx.Err(), domain.ErrModelTransient)
	}
}

// commitSuccess writes the terminal completed state and the queue ack in
// one transaction, then broadcasts. With sync enabled the confirm call
// gates the completed transition; a refused confirm parks the job in
// sync_failed for the syncer.
func (w *Worker) commitSuccess(ctx context.Context, entry domain.QueueEntry, job domain.Job, result domain.JobResult) {
	lg := slog.Default().With(slog.String("worker_id", w.ID), slog.String("job_id", job.ID))

	if w.Confirmer != nil {
		withResult := job
		withResult.Result = &result
		if err := w.Confirmer.ConfirmResult(ctx, withResult); err != nil {
			w.parkSyncFailed(ctx, entry, job, result, err)
			return
		}
	}

	now := time.Now().UTC()
	completed := domain.JobCompleted
	var updated domain.Job
	err := w.Store.WithinTx(ctx, func(ctx domain.Context) error {
		var err error
		updated, err = w.Store.UpdateJob(ctx, job.ID, domain.JobPatch{
			Status:      &completed,
			CompletedAt: &now,
			Result:      &result,
		})
		if err != nil {
			return err
		}
		ok, err := w.Queue.Ack(ctx, entry.EntryID, w.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errLeaseLost
		}
		return nil
	})
	switch {
	case err == nil:
		observability.JobCompleted(string(job.TaskType))
		lg.Info("job completed", slog.String("task_type", string(job.TaskType)))
		// Broadcast strictly after the commit: a subscriber acting on this
		// event will find the job terminal.
		_ = w.Broadcast.Publish(ctx, job.ID, domain.EventCompleted, domain.CompletedPayload(updated, time.Now().UTC()))
	case errors.Is(err, domain.ErrNotFound):
		// Deleted while we worked: success-without-commit. The orphan
		// vector point is tolerated and reaped operationally.
		observability.JobAbandoned(string(job.TaskType))
		lg.Info("job deleted during execution, result discarded")
	case errors.Is(err, errLeaseLost):
		observability.JobAbandoned(string(job.TaskType))
		lg.Warn("lease lost at commit, result discarded")
	default:
		// Commit failed but the work is done; leave the entry to lease
		// expiry so a future attempt can re-run idempotently.
		observability.JobAbandoned(string(job.TaskType))
		lg.Error("completed commit failed", slog.Any("error", err))
	}
}

// parkSyncFailed stores the result under sync_failed and schedules the
// confirm retry. No broadcast: sync_failed is not terminal.
func (w *Worker) parkSyncFailed(ctx context.Context, entry domain.QueueEntry, job domain.Job, result domain.JobResult, cause error) {
	lg := slog.Default().With(slog.String("worker_id", w.ID), slog.String("job_id", job.ID))
	now := time.Now().UTC()
	syncFailed := domain.JobSyncFailed
	msg := cause.Error()
	err := w.Store.WithinTx(ctx, func(ctx domain.Context) error {
		if _, err := w.Store.UpdateJob(ctx, job.ID, domain.JobPatch{
			Status:       &syncFailed,
			Result:       &result,
			ErrorMessage: &msg,
		}); err != nil {
			return err
		}
		next := now.Add(w.Cfg.RetryBackoffBase)
		if err := w.Store.UpsertSyncStatus(ctx, domain.SyncStatus{
			JobID:       job.ID,
			State:       domain.SyncPending,
			NextRetryAt: &next,
			LastError:   msg,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		ok, err := w.Queue.Ack(ctx, entry.EntryID, w.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errLeaseLost
		}
		return nil
	})
	if err != nil {
		observability.JobAbandoned(string(job.TaskType))
		lg.Error("sync_failed park failed", slog.Any("error", err))
		return
	}
	observability.JobAbandoned(string(job.TaskType))
	lg.Warn("result confirm failed, parked for resync", slog.Any("error", cause))
}

// softRetry returns the job to pending with one more retry consumed and
// backs the entry's visibility off exponentially.
func (w *Worker) softRetry(ctx context.Context, entry domain.QueueEntry, job domain.Job, cause error) {
	lg := slog.Default().With(slog.String("worker_id", w.ID), slog.String("job_id", job.ID))
	pending := domain.JobPending
	retries := job.RetryCount + 1
	_, err := w.Store.UpdateJob(ctx, job.ID, domain.JobPatch{Status: &pending, RetryCount: &retries})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			_ = w.Queue.Remove(ctx, entry.EntryID)
			return
		}
		lg.Error("soft retry transition failed", slog.Any("error", err))
		return
	}
	delay := RetryDelay(w.Cfg.RetryBackoffBase, w.Cfg.RetryBackoffMax, job.RetryCount)
	if _, err := w.Queue.Nack(ctx, entry.EntryID, w.ID, delay); err != nil {
		lg.Error("nack failed", slog.Any("error", err))
	}
	observability.JobRetried(string(job.TaskType))
	lg.Warn("job soft-retried",
		slog.Int("retry_count", retries),
		slog.Duration("requeue_delay", delay),
		slog.Any("error", cause))
}

// commitFailure writes the terminal error state, acks, and broadcasts the
// failure.
func (w *Worker) commitFailure(ctx context.Context, entry domain.QueueEntry, job domain.Job, cause error) {
	lg := slog.Default().With(slog.String("worker_id", w.ID), slog.String("job_id", job.ID))
	now := time.Now().UTC()
	failed := domain.JobError
	msg := cause.Error()
	var updated domain.Job
	err := w.Store.WithinTx(ctx, func(ctx domain.Context) error {
		var err error
		updated, err = w.Store.UpdateJob(ctx, job.ID, domain.JobPatch{
			Status:       &failed,
			CompletedAt:  &now,
			ErrorMessage: &msg,
		})
		if err != nil {
			return err
		}
		ok, err := w.Queue.Ack(ctx, entry.EntryID, w.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errLeaseLost
		}
		return nil
	})
	switch {
	case err == nil:
		observability.JobFailed(string(job.TaskType))
		lg.Error("job failed terminally", slog.Any("error", cause), slog.Int("retry_count", updated.RetryCount))
		_ = w.Broadcast.Publish(ctx, job.ID, domain.EventFailed, domain.FailedPayload(updated, time.Now().UTC()))
	case errors.Is(err, domain.ErrNotFound):
		observability.JobAbandoned(string(job.TaskType))
		lg.Info("job deleted during execution, failure discarded")
	case errors.Is(err, errLeaseLost):
		observability.JobAbandoned(string(job.TaskType))
		lg.Warn("lease lost at failure commit")
	default:
		observability.JobAbandoned(string(job.TaskType))
		lg.Error("failure commit failed", slog.Any("error", err))
	}
}

// RetryDelay is the requeue backoff for the nth retry (0-based): base * 2^n
// capped at max.
func RetryDelay(base, max time.Duration, retry int) time.Duration {
	d := base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
