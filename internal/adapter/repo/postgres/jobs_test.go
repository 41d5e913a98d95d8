package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	postgres "github.com/medialens/inference/internal/adapter/repo/postgres"
	"github.com/medialens/inference/internal/domain"
)

func pendingJob() domain.Job {
	return domain.Job{
		ID:         "01J5ZXA6BCD",
		TaskType:   domain.TaskImageEmbedding,
		MediaID:    "media-1",
		Status:     domain.JobPending,
		Priority:   5,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		MaxRetries: 3,
		CreatedBy:  "svc-gallery",
	}
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	s := postgres.NewStore(pool)

	require.NoError(t, s.CreateJob(context.Background(), pendingJob()))
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO jobs")
	require.Len(t, pool.execArgs[0], 13)
	assert.Equal(t, "01J5ZXA6BCD", pool.execArgs[0][0])
	assert.Equal(t, "image_embedding", pool.execArgs[0][1])
}

func TestCreateJobDuplicate(t *testing.T) {
	t.Parallel()
	pool := &fakePool{execResults: []execResult{{err: uniqueViolationErr()}}}
	s := postgres.NewStore(pool)

	err := s.CreateJob(context.Background(), pendingJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateJob)
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	want := pendingJob()
	res := domain.NewImageEmbeddingResult([]float32{1, 2, 3})
	want.Result = &res

	pool := &fakePool{rowQueue: []pgx.Row{jobRow(want)}}
	s := postgres.NewStore(pool)

	got, err := s.GetJob(context.Background(), want.ID)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.TaskType, got.TaskType)
	require.NotNil(t, got.Result)
	assert.Equal(t, []float32{1, 2, 3}, got.Result.Image.Vector)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	pool := &fakePool{rowQueue: []pgx.Row{errRow(pgx.ErrNoRows)}}
	s := postgres.NewStore(pool)

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindJobByMediaNotFound(t *testing.T) {
	t.Parallel()
	pool := &fakePool{rowQueue: []pgx.Row{errRow(pgx.ErrNoRows)}}
	s := postgres.NewStore(pool)

	_, err := s.FindJobByMedia(context.Background(), "media-1", domain.TaskFaceDetection)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateJobLegalTransition(t *testing.T) {
	t.Parallel()
	cur := pendingJob()
	updated := cur
	updated.Status = domain.JobProcessing
	started := time.Now().UTC()
	updated.StartedAt = &started

	pool := &fakePool{rowQueue: []pgx.Row{jobRow(cur), jobRow(updated)}}
	s := postgres.NewStore(pool)

	st := domain.JobProcessing
	got, err := s.UpdateJob(context.Background(), cur.ID, domain.JobPatch{Status: &st, StartedAt: &started})
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
	assert.Equal(t, 1, pool.commitCount)
}

func TestUpdateJobIllegalTransition(t *testing.T) {
	t.Parallel()
	cur := pendingJob() // pending -> completed is not legal
	pool := &fakePool{rowQueue: []pgx.Row{jobRow(cur)}}
	s := postgres.NewStore(pool)

	st := domain.JobCompleted
	_, err := s.UpdateJob(context.Background(), cur.ID, domain.JobPatch{Status: &st})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 0, pool.commitCount)
}

func TestUpdateJobTerminalIsFrozen(t *testing.T) {
	t.Parallel()
	cur := pendingJob()
	cur.Status = domain.JobCompleted
	pool := &fakePool{rowQueue: []pgx.Row{jobRow(cur)}}
	s := postgres.NewStore(pool)

	st := domain.JobPending
	_, err := s.UpdateJob(context.Background(), cur.ID, domain.JobPatch{Status: &st})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestUpdateJobDeletedConcurrently(t *testing.T) {
	t.Parallel()
	pool := &fakePool{rowQueue: []pgx.Row{errRow(pgx.ErrNoRows)}}
	s := postgres.NewStore(pool)

	st := domain.JobCompleted
	_, err := s.UpdateJob(context.Background(), "gone", domain.JobPatch{Status: &st})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateJobWithoutStatusSkipsTransitionCheck(t *testing.T) {
	t.Parallel()
	cur := pendingJob()
	updated := cur
	updated.RetryCount = 2

	pool := &fakePool{rowQueue: []pgx.Row{jobRow(cur), jobRow(updated)}}
	s := postgres.NewStore(pool)

	rc := 2
	got, err := s.UpdateJob(context.Background(), cur.ID, domain.JobPatch{RetryCount: &rc})
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	pool := &fakePool{execResults: []execResult{{tag: pgconn.NewCommandTag("DELETE 1")}}}
	s := postgres.NewStore(pool)
	require.NoError(t, s.DeleteJob(context.Background(), "01J5ZXA6BCD"))

	pool = &fakePool{execResults: []execResult{{tag: pgconn.NewCommandTag("DELETE 0")}}}
	s = postgres.NewStore(pool)
	err := s.DeleteJob(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCountJobsZeroFills(t *testing.T) {
	t.Parallel()
	rows := &rowsStub{rows: []func(dest ...any) error{
		func(dest ...any) error {
			*(dest[0].(*string)) = string(domain.JobPending)
			*(dest[1].(*int64)) = 4
			return nil
		},
		func(dest ...any) error {
			*(dest[0].(*string)) = string(domain.JobCompleted)
			*(dest[1].(*int64)) = 9
			return nil
		},
	}}
	pool := &fakePool{queryQueue: []pgx.Rows{rows}}
	s := postgres.NewStore(pool)

	counts, err := s.CountJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[domain.JobPending])
	assert.Equal(t, int64(9), counts[domain.JobCompleted])
	assert.Equal(t, int64(0), counts[domain.JobProcessing])
	assert.Equal(t, int64(0), counts[domain.JobError])
	assert.Equal(t, int64(0), counts[domain.JobSyncFailed])
}

func TestCleanupJobsDefaultsToTerminal(t *testing.T) {
	t.Parallel()
	pool := &fakePool{execResults: []execResult{{tag: pgconn.NewCommandTag("DELETE 12")}}}
	s := postgres.NewStore(pool)

	n, err := s.CleanupJobs(context.Background(), domain.CleanupFilter{OlderThan: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	require.Len(t, pool.execArgs, 1)
	statuses, ok := pool.execArgs[0][0].([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"completed", "error"}, statuses)

	cutoff, ok := pool.execArgs[0][1].(time.Time)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC().Add(-time.Hour), cutoff, 5*time.Second)
}

func TestCleanupJobsExplicitStatuses(t *testing.T) {
	t.Parallel()
	pool := &fakePool{execResults: []execResult{{tag: pgconn.NewCommandTag("DELETE 2")}}}
	s := postgres.NewStore(pool)

	_, err := s.CleanupJobs(context.Background(), domain.CleanupFilter{
		OlderThan: time.Minute,
		Statuses:  []domain.JobStatus{domain.JobPending},
	})
	require.NoError(t, err)
	statuses := pool.execArgs[0][0].([]string)
	assert.Equal(t, []string{"pending"}, statuses)
}

func TestCountJobsQueryError(t *testing.T) {
	t.Parallel()
	pool := &fakePool{queryErr: errors.New("conn reset")}
	s := postgres.NewStore(pool)
	_, err := s.CountJobs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.count")
}
