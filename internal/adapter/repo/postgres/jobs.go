package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medialens/inference/internal/domain"
)

const jobColumns = `job_id, task_type, media_id, status, priority, created_at,
	started_at, completed_at, retry_count, max_retries,
	COALESCE(error_message,''), result, created_by`

// CreateJob inserts a new job row. A second live job for the same
// (media_id, task_type) pair violates the unique constraint and surfaces as
// ErrDuplicateJob.
func (s *Store) CreateJob(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.task_type", string(j.TaskType)),
	)

	var resultRaw []byte
	if j.Result != nil {
		var err error
		if resultRaw, err = json.Marshal(j.Result); err != nil {
			return fmt.Errorf("op=job.create: %w", err)
		}
	}
	q := `INSERT INTO jobs (job_id, task_type, media_id, status, priority, created_at,
		started_at, completed_at, retry_count, max_retries, error_message, result, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := s.q(ctx).Exec(ctx, q,
		j.ID, string(j.TaskType), j.MediaID, string(j.Status), j.Priority, j.CreatedAt.UTC(),
		j.StartedAt, j.CompletedAt, j.RetryCount, j.MaxRetries, nullIfEmpty(j.ErrorMessage), resultRaw, j.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=job.create: media=%s task=%s: %w", j.MediaID, j.TaskType, domain.ErrDuplicateJob)
		}
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	row := s.q(ctx).QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		return domain.Job{}, wrapJobErr("job.get", err)
	}
	return j, nil
}

// FindJobByMedia loads the job for a (media_id, task_type) pair.
func (s *Store) FindJobByMedia(ctx domain.Context, mediaID string, task domain.TaskType) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByMedia")
	defer span.End()

	row := s.q(ctx).QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE media_id=$1 AND task_type=$2`, mediaID, string(task))
	j, err := scanJob(row)
	if err != nil {
		return domain.Job{}, wrapJobErr("job.find_by_media", err)
	}
	return j, nil
}

// UpdateJob applies a restricted patch under the status transition table.
// It always runs transactionally: the row is locked, the transition is
// validated against the current status, then the patch is written.
func (s *Store) UpdateJob(ctx domain.Context, id string, p domain.JobPatch) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()

	var out domain.Job
	err := s.WithinTx(ctx, func(ctx domain.Context) error {
		row := s.q(ctx).QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=$1 FOR UPDATE`, id)
		cur, err := scanJob(row)
		if err != nil {
			return wrapJobErr("job.update", err)
		}
		if p.Status != nil && !domain.CanTransition(cur.Status, *p.Status) {
			return fmt.Errorf("op=job.update: illegal transition %s -> %s: %w", cur.Status, *p.Status, domain.ErrConflict)
		}

		var statusArg *string
		if p.Status != nil {
			v := string(*p.Status)
			statusArg = &v
		}
		var resultArg []byte
		if p.Result != nil {
			if resultArg, err = json.Marshal(p.Result); err != nil {
				return fmt.Errorf("op=job.update: %w", err)
			}
		}
		row = s.q(ctx).QueryRow(ctx, `UPDATE jobs SET
			status        = COALESCE($2, status),
			started_at    = COALESCE($3, started_at),
			completed_at  = COALESCE($4, completed_at),
			retry_count   = COALESCE($5, retry_count),
			error_message = COALESCE($6, error_message),
			result        = COALESCE($7, result)
			WHERE job_id = $1
			RETURNING `+jobColumns,
			id, statusArg, p.StartedAt, p.CompletedAt, p.RetryCount, p.ErrorMessage, resultArg)
		if out, err = scanJob(row); err != nil {
			return wrapJobErr("job.update", err)
		}
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return out, nil
}

// DeleteJob removes a job; queue entries and sync rows cascade with it.
func (s *Store) DeleteJob(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()

	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM jobs WHERE job_id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// CountJobs returns job counts per status, with zeroes for absent states.
func (s *Store) CountJobs(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Count")
	defer span.End()

	rows, err := s.q(ctx).Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.count: %w", err)
	}
	defer rows.Close()

	counts := map[domain.JobStatus]int64{
		domain.JobPending:    0,
		domain.JobProcessing: 0,
		domain.JobCompleted:  0,
		domain.JobSyncFailed: 0,
		domain.JobError:      0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=job.count: %w", err)
		}
		counts[domain.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.count: %w", err)
	}
	return counts, nil
}

// CleanupJobs bulk-deletes jobs matching the filter. Non-terminal jobs are
// touched only when the filter names their status explicitly.
func (s *Store) CleanupJobs(ctx domain.Context, f domain.CleanupFilter) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cleanup")
	defer span.End()

	statuses := make([]string, 0, len(f.EffectiveStatuses()))
	for _, st := range f.EffectiveStatuses() {
		statuses = append(statuses, string(st))
	}
	cutoff := time.Now().UTC().Add(-f.OlderThan)
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM jobs WHERE status = ANY($1) AND created_at < $2`, statuses, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=job.cleanup: %w", err)
	}
	span.SetAttributes(attribute.Int64("jobs.deleted", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var resultRaw []byte
	err := row.Scan(&j.ID, &j.TaskType, &j.MediaID, &j.Status, &j.Priority, &j.CreatedAt,
		&j.StartedAt, &j.CompletedAt, &j.RetryCount, &j.MaxRetries,
		&j.ErrorMessage, &resultRaw, &j.CreatedBy)
	if err != nil {
		return domain.Job{}, err
	}
	if len(resultRaw) > 0 {
		var r domain.JobResult
		if err := json.Unmarshal(resultRaw, &r); err != nil {
			return domain.Job{}, err
		}
		j.Result = &r
	}
	return j, nil
}

func wrapJobErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
