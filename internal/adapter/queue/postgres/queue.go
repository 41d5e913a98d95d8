// Package postgres implements the durable priority queue on the same
// PostgreSQL database the job store uses, so enqueues can join job-creating
// transactions.
//
// Scheduling order is priority DESC then enqueued_at ASC. A leased entry
// stays invisible even after its lease expires: only ReapExpired returns it
// to circulation, so job-level recovery always runs before another worker
// can claim the entry. Lease acquisition uses FOR UPDATE SKIP LOCKED so
// concurrent workers never block each other or double-lease.
package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	repopg "github.com/medialens/inference/internal/adapter/repo/postgres"
	"github.com/medialens/inference/internal/domain"
)

// Queue implements domain.Queue.
type Queue struct {
	Pool repopg.PgxPool
}

// NewQueue constructs a Queue on the given pool.
func NewQueue(p repopg.PgxPool) *Queue { return &Queue{Pool: p} }

func (q *Queue) q(ctx domain.Context) repopg.Querier {
	return repopg.QuerierFromContext(ctx, q.Pool)
}

// Enqueue inserts a queue entry for a job. Called inside the same
// transaction that creates the job row; the queue never holds an entry for
// a job that was not durably created.
func (q *Queue) Enqueue(ctx domain.Context, jobID string, priority int) error {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.Int("queue.priority", priority))

	now := time.Now().UTC()
	_, err := q.q(ctx).Exec(ctx,
		`INSERT INTO queue_entries (entry_id, job_id, priority, enqueued_at, visible_at)
		 VALUES ($1,$2,$3,$4,$4)`,
		uuid.New().String(), jobID, priority, now)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return nil
}

// Lease atomically claims the schedulable entry with the highest priority
// (FIFO within a priority). Returns (nil, nil) when nothing is available.
// Entries under a lease are never claimed here, expired or not; a crashed
// worker's entry comes back only through ReapExpired.
func (q *Queue) Lease(ctx domain.Context, workerID string, d time.Duration) (*domain.QueueEntry, error) {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Lease")
	defer span.End()

	now := time.Now().UTC()
	row := q.q(ctx).QueryRow(ctx,
		`UPDATE queue_entries SET lease_holder=$1, leased_until=$2
		 WHERE entry_id = (
			SELECT entry_id FROM queue_entries
			WHERE visible_at <= $3
			  AND lease_holder IS NULL
			ORDER BY priority DESC, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING entry_id, job_id, priority, enqueued_at, lease_holder, leased_until`,
		workerID, now.Add(d), now)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.lease: %w", err)
	}
	span.SetAttributes(attribute.String("queue.entry_id", entry.EntryID))
	return &entry, nil
}

// ExtendLease pushes the lease deadline out while work is still running.
// Reports false if the caller no longer holds the lease.
func (q *Queue) ExtendLease(ctx domain.Context, entryID, workerID string, d time.Duration) (bool, error) {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.ExtendLease")
	defer span.End()

	tag, err := q.q(ctx).Exec(ctx,
		`UPDATE queue_entries SET leased_until=$3
		 WHERE entry_id=$1 AND lease_holder=$2`,
		entryID, workerID, time.Now().UTC().Add(d))
	if err != nil {
		return false, fmt.Errorf("op=queue.extend: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Ack removes a completed entry, conditional on still holding the lease.
// A false return means another worker owns the entry now and the caller
// must not commit its outcome.
func (q *Queue) Ack(ctx domain.Context, entryID, workerID string) (bool, error) {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Ack")
	defer span.End()

	tag, err := q.q(ctx).Exec(ctx,
		`DELETE FROM queue_entries WHERE entry_id=$1 AND lease_holder=$2`,
		entryID, workerID)
	if err != nil {
		return false, fmt.Errorf("op=queue.ack: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Nack releases the lease and hides the entry for the requeue delay, so a
// soft-retried job does not spin hot on the same failure.
func (q *Queue) Nack(ctx domain.Context, entryID, workerID string, delay time.Duration) (bool, error) {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Nack")
	defer span.End()

	now := time.Now().UTC()
	tag, err := q.q(ctx).Exec(ctx,
		`UPDATE queue_entries SET lease_holder=NULL, leased_until=NULL, visible_at=$3
		 WHERE entry_id=$1 AND lease_holder=$2`,
		entryID, workerID, now.Add(delay))
	if err != nil {
		return false, fmt.Errorf("op=queue.nack: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Remove deletes an entry regardless of lease ownership. Reapers and
// cleanup paths use it; workers never do.
func (q *Queue) Remove(ctx domain.Context, entryID string) error {
	_, err := q.q(ctx).Exec(ctx, `DELETE FROM queue_entries WHERE entry_id=$1`, entryID)
	if err != nil {
		return fmt.Errorf("op=queue.remove: %w", err)
	}
	return nil
}

// ReapExpired clears expired leases so crashed workers' entries become
// schedulable again, and returns the affected entries for job-level
// recovery. A lease at exactly leased_until is still held.
func (q *Queue) ReapExpired(ctx domain.Context, now time.Time) ([]domain.QueueEntry, error) {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.ReapExpired")
	defer span.End()

	rows, err := q.q(ctx).Query(ctx,
		`UPDATE queue_entries SET lease_holder=NULL, leased_until=NULL
		 WHERE lease_holder IS NOT NULL AND leased_until < $1
		 RETURNING entry_id, job_id, priority, enqueued_at, lease_holder, leased_until`,
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=queue.reap: %w", err)
	}
	defer rows.Close()

	var reaped []domain.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("op=queue.reap: %w", err)
		}
		reaped = append(reaped, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.reap: %w", err)
	}
	span.SetAttributes(attribute.Int("queue.reaped", len(reaped)))
	return reaped, nil
}

// Depth counts all entries, leased or not.
func (q *Queue) Depth(ctx domain.Context) (int64, error) {
	var n int64
	if err := q.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=queue.depth: %w", err)
	}
	return n, nil
}

// LeasedCount counts entries under an unexpired lease.
func (q *Queue) LeasedCount(ctx domain.Context) (int64, error) {
	var n int64
	err := q.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE lease_holder IS NOT NULL AND leased_until >= $1`,
		time.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=queue.leased: %w", err)
	}
	return n, nil
}

func scanEntry(row pgx.Row) (domain.QueueEntry, error) {
	var e domain.QueueEntry
	var holder *string
	if err := row.Scan(&e.EntryID, &e.JobID, &e.Priority, &e.EnqueuedAt, &holder, &e.LeasedUntil); err != nil {
		return domain.QueueEntry{}, err
	}
	if holder != nil {
		e.LeaseHolder = *holder
	}
	return e, nil
}
