package postgres

import (
	"context"
	"fmt"
)

// schema is applied in order at startup; every statement is idempotent so
// restarts and horizontally scaled processes can all run it.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id        TEXT PRIMARY KEY,
		task_type     TEXT NOT NULL,
		media_id      TEXT NOT NULL,
		status        TEXT NOT NULL,
		priority      SMALLINT NOT NULL DEFAULT 5,
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ,
		retry_count   INT NOT NULL DEFAULT 0,
		max_retries   INT NOT NULL DEFAULT 3,
		error_message TEXT,
		result        JSONB,
		created_by    TEXT NOT NULL DEFAULT '',
		CONSTRAINT jobs_media_task_unique UNIQUE (media_id, task_type)
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status)`,
	`CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at)`,

	`CREATE TABLE IF NOT EXISTS queue_entries (
		entry_id     UUID PRIMARY KEY,
		job_id       TEXT NOT NULL UNIQUE REFERENCES jobs(job_id) ON DELETE CASCADE,
		priority     SMALLINT NOT NULL,
		enqueued_at  TIMESTAMPTZ NOT NULL,
		visible_at   TIMESTAMPTZ NOT NULL,
		lease_holder TEXT,
		leased_until TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS queue_entries_sched_idx ON queue_entries (priority DESC, enqueued_at ASC)`,
	`CREATE INDEX IF NOT EXISTS queue_entries_lease_idx ON queue_entries (leased_until) WHERE lease_holder IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS sync_status (
		job_id        TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
		state         TEXT NOT NULL,
		retry_count   INT NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		last_error    TEXT NOT NULL DEFAULT '',
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sync_status_due_idx ON sync_status (state, next_retry_at)`,
}

// Migrate applies the schema. Safe to call on every startup.
func Migrate(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=store.migrate: %w", err)
		}
	}
	return nil
}
