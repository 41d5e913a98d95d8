package worker_test

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medialens/inference/internal/domain"
)

// memStore is an in-memory JobStore that enforces the same transition
// rules as the real one, so lifecycle tests exercise genuine state
// machine behavior.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]domain.Job
	syncRows map[string]domain.SyncStatus

	updateErr error
	txErr     error
	txCalls   int
}

func newMemStore(jobs ...domain.Job) *memStore {
	s := &memStore{
		jobs:     map[string]domain.Job{},
		syncRows: map[string]domain.SyncStatus{},
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *memStore) WithinTx(ctx domain.Context, fn func(domain.Context) error) error {
	s.mu.Lock()
	s.txCalls++
	s.mu.Unlock()
	if s.txErr != nil {
		return s.txErr
	}
	return fn(ctx)
}

func (s *memStore) CreateJob(_ domain.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) GetJob(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *memStore) FindJobByMedia(domain.Context, string, domain.TaskType) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (s *memStore) UpdateJob(_ domain.Context, id string, patch domain.JobPatch) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return domain.Job{}, s.updateErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if patch.Status != nil && *patch.Status != j.Status {
		if !domain.CanTransition(j.Status, *patch.Status) {
			return domain.Job{}, fmt.Errorf("illegal transition %s -> %s: %w", j.Status, *patch.Status, domain.ErrConflict)
		}
		j.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		j.CompletedAt = patch.CompletedAt
	}
	if patch.RetryCount != nil {
		j.RetryCount = *patch.RetryCount
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	s.jobs[id] = j
	return j, nil
}

func (s *memStore) DeleteJob(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memStore) CountJobs(domain.Context) (map[domain.JobStatus]int64, error) {
	return nil, errors.New("not scripted")
}

func (s *memStore) CleanupJobs(domain.Context, domain.CleanupFilter) (int64, error) {
	return 0, errors.New("not scripted")
}

func (s *memStore) UpsertSyncStatus(_ domain.Context, row domain.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncRows[row.JobID] = row
	return nil
}

func (s *memStore) GetSyncStatus(_ domain.Context, jobID string) (domain.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.syncRows[jobID]
	if !ok {
		return domain.SyncStatus{}, domain.ErrNotFound
	}
	return row, nil
}

func (s *memStore) DueSyncRetries(_ domain.Context, now time.Time, limit int) ([]domain.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.SyncStatus
	for _, row := range s.syncRows {
		if row.State != domain.SyncPending {
			continue
		}
		if row.NextRetryAt != nil && row.NextRetryAt.After(now) {
			continue
		}
		due = append(due, row)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *memStore) SyncBacklog(domain.Context) (int64, error) { return 0, nil }

func (s *memStore) job(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// memQueue records lease-protocol calls; the outcomes are scripted.
type memQueue struct {
	mu        sync.Mutex
	acked     []string
	nacked    []string
	nackDelay time.Duration
	removed   []string
	extended  int

	ackOK    bool
	extendOK bool
	expired  []domain.QueueEntry
}

func newMemQueue() *memQueue {
	return &memQueue{ackOK: true, extendOK: true}
}

func (q *memQueue) Enqueue(domain.Context, string, int) error { return nil }

func (q *memQueue) Lease(domain.Context, string, time.Duration) (*domain.QueueEntry, error) {
	return nil, nil
}

func (q *memQueue) ExtendLease(_ domain.Context, _, _ string, _ time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended++
	return q.extendOK, nil
}

func (q *memQueue) Ack(_ domain.Context, entryID, _ string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ackOK {
		return false, nil
	}
	q.acked = append(q.acked, entryID)
	return true, nil
}

func (q *memQueue) Nack(_ domain.Context, entryID, _ string, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, entryID)
	q.nackDelay = delay
	return true, nil
}

func (q *memQueue) Remove(_ domain.Context, entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, entryID)
	return nil
}

func (q *memQueue) ReapExpired(domain.Context, time.Time) ([]domain.QueueEntry, error) {
	return q.expired, nil
}

func (q *memQueue) Depth(domain.Context) (int64, error)       { return 0, nil }
func (q *memQueue) LeasedCount(domain.Context) (int64, error) { return 0, nil }

type fetcherStub struct {
	media domain.Media
	err   error
	calls int
}

func (f *fetcherStub) Fetch(domain.Context, string) (domain.Media, error) {
	f.calls++
	if f.err != nil {
		return domain.Media{}, f.err
	}
	return f.media, nil
}

type engineStub struct {
	result domain.JobResult
	err    error
	calls  int
}

func (e *engineStub) Infer(_ domain.Context, _ domain.TaskType, _ domain.Media) (domain.JobResult, error) {
	e.calls++
	if e.err != nil {
		return domain.JobResult{}, e.err
	}
	return e.result, nil
}

func (e *engineStub) EmbeddingDim() int { return 4 }

type sinkStub struct {
	mu          sync.Mutex
	collections []string
	points      [][]domain.VectorPoint
	err         error
}

func (s *sinkStub) EnsureCollection(domain.Context, string, int) error { return nil }

func (s *sinkStub) UpsertPoints(_ domain.Context, collection string, points []domain.VectorPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.collections = append(s.collections, collection)
	s.points = append(s.points, points)
	return nil
}

type broadcastEvent struct {
	jobID   string
	kind    domain.EventKind
	payload map[string]any
}

type broadcastStub struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (b *broadcastStub) Publish(_ domain.Context, jobID string, kind domain.EventKind, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcastEvent{jobID: jobID, kind: kind, payload: payload})
	return nil
}

type confirmerStub struct {
	err   error
	calls int
	last  domain.Job
}

func (c *confirmerStub) ConfirmResult(_ domain.Context, j domain.Job) error {
	c.calls++
	c.last = j
	if c.err != nil {
		return c.err
	}
	return nil
}
