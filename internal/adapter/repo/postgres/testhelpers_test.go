package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medialens/inference/internal/domain"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func errRow(err error) rowStub {
	return rowStub{scan: func(_ ...any) error { return err }}
}

// rowsStub implements pgx.Rows over scripted scan funcs.
type rowsStub struct {
	idx  int
	rows []func(dest ...any) error
	err  error
}

func (r *rowsStub) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}
func (r *rowsStub) Scan(dest ...any) error                   { return r.rows[r.idx-1](dest...) }
func (r *rowsStub) Close()                                   {}
func (r *rowsStub) Err() error                               { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag            { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                   { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                      { return nil }
func (r *rowsStub) Conn() *pgx.Conn                          { return nil }

type execResult struct {
	tag pgconn.CommandTag
	err error
}

// fakePool scripts Exec/QueryRow/Query responses in call order and records
// every statement, so tests can assert both behavior and arguments.
type fakePool struct {
	execSQL     []string
	execArgs    [][]any
	execResults []execResult

	rowQueue   []pgx.Row
	queryQueue []pgx.Rows
	queryErr   error

	beginErr      error
	beginCount    int
	commitCount   int
	rollbackCount int
	commitErrs    []error
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	if len(p.execResults) == 0 {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	r := p.execResults[0]
	p.execResults = p.execResults[1:]
	return r.tag, r.err
}

func (p *fakePool) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if len(p.rowQueue) == 0 {
		return errRow(errors.New("no row scripted"))
	}
	row := p.rowQueue[0]
	p.rowQueue = p.rowQueue[1:]
	return row
}

func (p *fakePool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if len(p.queryQueue) == 0 {
		return &rowsStub{}, nil
	}
	rows := p.queryQueue[0]
	p.queryQueue = p.queryQueue[1:]
	return rows, nil
}

func (p *fakePool) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	p.beginCount++
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return &fakeTx{pool: p}, nil
}

// fakeTx routes queries back into the pool's scripts.
type fakeTx struct{ pool *fakePool }

func (t *fakeTx) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(_ context.Context) error {
	t.pool.commitCount++
	if len(t.pool.commitErrs) > 0 {
		err := t.pool.commitErrs[0]
		t.pool.commitErrs = t.pool.commitErrs[1:]
		return err
	}
	return nil
}
func (t *fakeTx) Rollback(_ context.Context) error {
	t.pool.rollbackCount++
	return nil
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.Exec(ctx, sql, args...)
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}
func (t *fakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

// jobScan fills scanJob's column order from a domain.Job.
func jobScan(j domain.Job) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = j.ID
		*(dest[1].(*domain.TaskType)) = j.TaskType
		*(dest[2].(*string)) = j.MediaID
		*(dest[3].(*domain.JobStatus)) = j.Status
		*(dest[4].(*int)) = j.Priority
		*(dest[5].(*time.Time)) = j.CreatedAt
		*(dest[6].(**time.Time)) = j.StartedAt
		*(dest[7].(**time.Time)) = j.CompletedAt
		*(dest[8].(*int)) = j.RetryCount
		*(dest[9].(*int)) = j.MaxRetries
		*(dest[10].(*string)) = j.ErrorMessage
		if j.Result != nil {
			b, err := json.Marshal(j.Result)
			if err != nil {
				return err
			}
			*(dest[11].(*[]byte)) = b
		}
		*(dest[12].(*string)) = j.CreatedBy
		return nil
	}
}

func jobRow(j domain.Job) rowStub { return rowStub{scan: jobScan(j)} }

func serializationErr() error { return &pgconn.PgError{Code: "40001"} }

func uniqueViolationErr() error { return &pgconn.PgError{Code: "23505"} }
