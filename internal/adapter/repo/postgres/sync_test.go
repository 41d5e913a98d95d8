package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	postgres "github.com/medialens/inference/internal/adapter/repo/postgres"
	"github.com/medialens/inference/internal/domain"
)

func syncScan(ss domain.SyncStatus) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = ss.JobID
		*(dest[1].(*domain.SyncState)) = ss.State
		*(dest[2].(*int)) = ss.RetryCount
		*(dest[3].(**time.Time)) = ss.NextRetryAt
		*(dest[4].(*string)) = ss.LastError
		*(dest[5].(*time.Time)) = ss.UpdatedAt
		return nil
	}
}

func TestUpsertSyncStatus(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	s := postgres.NewStore(pool)

	next := time.Now().UTC().Add(30 * time.Second)
	err := s.UpsertSyncStatus(context.Background(), domain.SyncStatus{
		JobID:       "01J5ZX",
		State:       domain.SyncPending,
		RetryCount:  1,
		NextRetryAt: &next,
		LastError:   "metadata service 503",
		UpdatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "ON CONFLICT (job_id) DO UPDATE")
	assert.Equal(t, "pending", pool.execArgs[0][1])
}

func TestGetSyncStatusNotFound(t *testing.T) {
	t.Parallel()
	pool := &fakePool{rowQueue: []pgx.Row{errRow(pgx.ErrNoRows)}}
	s := postgres.NewStore(pool)
	_, err := s.GetSyncStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDueSyncRetries(t *testing.T) {
	t.Parallel()
	due := domain.SyncStatus{JobID: "01J5ZX", State: domain.SyncPending, RetryCount: 2, UpdatedAt: time.Now().UTC()}
	rows := &rowsStub{rows: []func(dest ...any) error{syncScan(due)}}
	pool := &fakePool{queryQueue: []pgx.Rows{rows}}
	s := postgres.NewStore(pool)

	got, err := s.DueSyncRetries(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "01J5ZX", got[0].JobID)
	assert.Equal(t, 2, got[0].RetryCount)
}

func TestSyncBacklog(t *testing.T) {
	t.Parallel()
	pool := &fakePool{rowQueue: []pgx.Row{rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int64)) = 3
		return nil
	}}}}
	s := postgres.NewStore(pool)

	n, err := s.SyncBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
