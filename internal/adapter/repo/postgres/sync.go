package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/medialens/inference/internal/domain"
)

// UpsertSyncStatus records or advances the confirm state for a job result.
func (s *Store) UpsertSyncStatus(ctx domain.Context, ss domain.SyncStatus) error {
	tracer := otel.Tracer("repo.sync")
	ctx, span := tracer.Start(ctx, "sync.Upsert")
	defer span.End()

	q := `INSERT INTO sync_status (job_id, state, retry_count, next_retry_at, last_error, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state,
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`
	_, err := s.q(ctx).Exec(ctx, q,
		ss.JobID, string(ss.State), ss.RetryCount, ss.NextRetryAt, ss.LastError, ss.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=sync.upsert: %w", err)
	}
	return nil
}

// GetSyncStatus loads the sync row for a job.
func (s *Store) GetSyncStatus(ctx domain.Context, jobID string) (domain.SyncStatus, error) {
	tracer := otel.Tracer("repo.sync")
	ctx, span := tracer.Start(ctx, "sync.Get")
	defer span.End()

	row := s.q(ctx).QueryRow(ctx,
		`SELECT job_id, state, retry_count, next_retry_at, last_error, updated_at
		 FROM sync_status WHERE job_id=$1`, jobID)
	ss, err := scanSyncStatus(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SyncStatus{}, fmt.Errorf("op=sync.get: %w", domain.ErrNotFound)
		}
		return domain.SyncStatus{}, fmt.Errorf("op=sync.get: %w", err)
	}
	return ss, nil
}

// DueSyncRetries returns pending sync rows whose next attempt is due.
func (s *Store) DueSyncRetries(ctx domain.Context, now time.Time, limit int) ([]domain.SyncStatus, error) {
	tracer := otel.Tracer("repo.sync")
	ctx, span := tracer.Start(ctx, "sync.Due")
	defer span.End()

	rows, err := s.q(ctx).Query(ctx,
		`SELECT job_id, state, retry_count, next_retry_at, last_error, updated_at
		 FROM sync_status
		 WHERE state=$1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		 ORDER BY updated_at ASC
		 LIMIT $3`, string(domain.SyncPending), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=sync.due: %w", err)
	}
	defer rows.Close()

	var out []domain.SyncStatus
	for rows.Next() {
		ss, err := scanSyncStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("op=sync.due: %w", err)
		}
		out = append(out, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=sync.due: %w", err)
	}
	return out, nil
}

// SyncBacklog counts results still awaiting confirmation.
func (s *Store) SyncBacklog(ctx domain.Context) (int64, error) {
	var n int64
	err := s.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_status WHERE state=$1`, string(domain.SyncPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=sync.backlog: %w", err)
	}
	return n, nil
}

func scanSyncStatus(row pgx.Row) (domain.SyncStatus, error) {
	var ss domain.SyncStatus
	err := row.Scan(&ss.JobID, &ss.State, &ss.RetryCount, &ss.NextRetryAt, &ss.LastError, &ss.UpdatedAt)
	if err != nil {
		return domain.SyncStatus{}, err
	}
	return ss, nil
}
