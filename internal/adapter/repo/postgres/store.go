// Package postgres persists jobs, queue entries and sync state in
// PostgreSQL.
//
// All writes that must be atomic run through Store.WithinTx, which opens a
// serializable transaction, carries it in the context, and retries
// serialization conflicts internally. Every method resolves its querier
// from the context first, so store and queue calls compose inside one
// transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/medialens/inference/internal/domain"
)

// PgxPool is the minimal subset of pgxpool used by the adapters, kept small
// for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Querier is the query surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type txContextKey struct{}

// ContextWithQuerier attaches an open transaction so nested store and queue
// calls join it instead of talking to the pool.
func ContextWithQuerier(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, txContextKey{}, q)
}

// QuerierFromContext resolves the active transaction, falling back to the
// given pool-backed querier.
func QuerierFromContext(ctx context.Context, fallback Querier) Querier {
	if v := ctx.Value(txContextKey{}); v != nil {
		if q, ok := v.(Querier); ok {
			return q
		}
	}
	return fallback
}

func inTx(ctx context.Context) bool {
	return ctx.Value(txContextKey{}) != nil
}

// Store implements domain.JobStore on PostgreSQL.
type Store struct {
	Pool PgxPool
	// txMaxRetries bounds the internal serialization-conflict retries.
	txMaxRetries uint64
}

// NewStore constructs a Store with the given pool.
func NewStore(p PgxPool) *Store {
	return &Store{Pool: p, txMaxRetries: 3}
}

func (s *Store) q(ctx context.Context) Querier {
	return QuerierFromContext(ctx, s.Pool)
}

// WithinTx runs fn inside a serializable transaction. A serialization
// failure (40001) or deadlock (40P01) rolls back and re-runs fn; any other
// error aborts immediately. Nested calls join the surrounding transaction.
func (s *Store) WithinTx(ctx domain.Context, fn func(ctx domain.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	tracer := otel.Tracer("repo.store")
	ctx, span := tracer.Start(ctx, "store.WithinTx")
	defer span.End()

	attempt := func() error {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=store.begin: %w", err))
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(ContextWithQuerier(ctx, tx)); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("op=store.commit: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, s.txMaxRetries), ctx))
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
