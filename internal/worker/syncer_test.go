package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/worker"
)

func syncFailedJob(id string) domain.Job {
	started := time.Now().UTC().Add(-10 * time.Minute)
	result := domain.NewImageEmbeddingResult([]float32{1, 2, 3})
	return domain.Job{
		ID:           id,
		TaskType:     domain.TaskImageEmbedding,
		MediaID:      "m-" + id,
		Status:       domain.JobSyncFailed,
		CreatedAt:    started,
		StartedAt:    &started,
		ErrorMessage: "media service refused the result",
		Result:       &result,
		MaxRetries:   3,
	}
}

func dueRow(jobID string, retries int) domain.SyncStatus {
	past := time.Now().UTC().Add(-time.Minute)
	return domain.SyncStatus{
		JobID:       jobID,
		State:       domain.SyncPending,
		RetryCount:  retries,
		NextRetryAt: &past,
		UpdatedAt:   past,
	}
}

func newSyncer(store *memStore, confirmer *confirmerStub, bc *broadcastStub, maxRetries int) *worker.Syncer {
	return worker.NewSyncer(store, confirmer, bc, time.Minute, maxRetries, time.Second)
}

func TestSweepCompletesJobOnConfirmSuccess(t *testing.T) {
	t.Parallel()
	job := syncFailedJob("j-s1")
	store := newMemStore(job)
	require.NoError(t, store.UpsertSyncStatus(context.Background(), dueRow(job.ID, 1)))
	confirmer := &confirmerStub{}
	bc := &broadcastStub{}

	newSyncer(store, confirmer, bc, 5).Sweep(context.Background())

	got := store.job(job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage, "confirm-failure text must not survive completion")

	row, err := store.GetSyncStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSynced, row.State)

	assert.Equal(t, 1, confirmer.calls)
	require.NotNil(t, confirmer.last.Result, "confirm must carry the stored result")
	require.Len(t, bc.events, 1)
	assert.Equal(t, domain.EventCompleted, bc.events[0].kind)
	assert.Equal(t, map[string]any{"dim": 3}, bc.events[0].payload["result_summary"])
}

func TestSweepReschedulesOnConfirmFailure(t *testing.T) {
	t.Parallel()
	job := syncFailedJob("j-s2")
	store := newMemStore(job)
	require.NoError(t, store.UpsertSyncStatus(context.Background(), dueRow(job.ID, 0)))
	confirmer := &confirmerStub{err: domain.ErrSyncFailed}
	bc := &broadcastStub{}

	newSyncer(store, confirmer, bc, 5).Sweep(context.Background())

	assert.Equal(t, domain.JobSyncFailed, store.job(job.ID).Status)

	row, err := store.GetSyncStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, row.State)
	assert.Equal(t, 1, row.RetryCount)
	require.NotNil(t, row.NextRetryAt)
	assert.True(t, row.NextRetryAt.After(time.Now()), "next retry must be in the future")
	assert.NotEmpty(t, row.LastError)
	assert.Empty(t, bc.events)
}

func TestSweepFailsJobWhenSyncRetriesExhausted(t *testing.T) {
	t.Parallel()
	job := syncFailedJob("j-s3")
	store := newMemStore(job)
	require.NoError(t, store.UpsertSyncStatus(context.Background(), dueRow(job.ID, 4)))
	confirmer := &confirmerStub{err: domain.ErrSyncFailed}
	bc := &broadcastStub{}

	newSyncer(store, confirmer, bc, 5).Sweep(context.Background())

	got := store.job(job.ID)
	assert.Equal(t, domain.JobError, got.Status)
	assert.Contains(t, got.ErrorMessage, "sync retries exhausted")
	require.NotNil(t, got.CompletedAt)

	row, err := store.GetSyncStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncFailed, row.State)

	require.Len(t, bc.events, 1)
	assert.Equal(t, domain.EventFailed, bc.events[0].kind)
}

func TestSweepSkipsRowsNotYetDue(t *testing.T) {
	t.Parallel()
	job := syncFailedJob("j-s4")
	store := newMemStore(job)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.UpsertSyncStatus(context.Background(), domain.SyncStatus{
		JobID:       job.ID,
		State:       domain.SyncPending,
		NextRetryAt: &future,
	}))
	confirmer := &confirmerStub{}

	newSyncer(store, confirmer, &broadcastStub{}, 5).Sweep(context.Background())

	assert.Zero(t, confirmer.calls)
	assert.Equal(t, domain.JobSyncFailed, store.job(job.ID).Status)
}

func TestSweepSkipsJobsNoLongerSyncFailed(t *testing.T) {
	t.Parallel()
	job := syncFailedJob("j-s5")
	job.Status = domain.JobCompleted
	store := newMemStore(job)
	require.NoError(t, store.UpsertSyncStatus(context.Background(), dueRow(job.ID, 0)))
	confirmer := &confirmerStub{}

	newSyncer(store, confirmer, &broadcastStub{}, 5).Sweep(context.Background())

	assert.Zero(t, confirmer.calls)
}

func TestSweepIgnoresRowsForDeletedJobs(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	require.NoError(t, store.UpsertSyncStatus(context.Background(), dueRow("gone", 0)))
	confirmer := &confirmerStub{}

	newSyncer(store, confirmer, &broadcastStub{}, 5).Sweep(context.Background())

	assert.Zero(t, confirmer.calls)
}
