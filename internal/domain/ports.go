package domain

import (
	"context"
	"time"
)

// JobStore is the durable job record store (port).
//
// WithinTx runs fn atomically; Store and Queue calls made with the ctx it
// passes join the same transaction. Implementations retry serialization
// conflicts internally, so fn must be safe to re-run.
type JobStore interface {
	WithinTx(ctx Context, fn func(ctx Context) error) error
	CreateJob(ctx Context, j Job) error
	GetJob(ctx Context, id string) (Job, error)
	FindJobByMedia(ctx Context, mediaID string, task TaskType) (Job, error)
	// UpdateJob applies a restricted patch and enforces the status
	// transition table; illegal transitions return ErrConflict.
	UpdateJob(ctx Context, id string, patch JobPatch) (Job, error)
	DeleteJob(ctx Context, id string) error
	CountJobs(ctx Context) (map[JobStatus]int64, error)
	CleanupJobs(ctx Context, f CleanupFilter) (int64, error)

	UpsertSyncStatus(ctx Context, s SyncStatus) error
	GetSyncStatus(ctx Context, jobID string) (SyncStatus, error)
	DueSyncRetries(ctx Context, now time.Time, limit int) ([]SyncStatus, error)
	SyncBacklog(ctx Context) (int64, error)
}

// Queue is the durable priority queue with lease semantics (port).
//
// Lease returns (nil, nil) when nothing is schedulable. Ack, Nack and
// ExtendLease are conditional on the holder still owning the lease and
// report false when it does not; that check is what guarantees only the
// current lease holder ever commits an entry.
type Queue interface {
	Enqueue(ctx Context, jobID string, priority int) error
	Lease(ctx Context, workerID string, d time.Duration) (*QueueEntry, error)
	ExtendLease(ctx Context, entryID, workerID string, d time.Duration) (bool, error)
	Ack(ctx Context, entryID, workerID string) (bool, error)
	Nack(ctx Context, entryID, workerID string, delay time.Duration) (bool, error)
	// Remove deletes an entry regardless of lease state (reaper, cleanup).
	Remove(ctx Context, entryID string) error
	ReapExpired(ctx Context, now time.Time) ([]QueueEntry, error)
	Depth(ctx Context) (int64, error)
	LeasedCount(ctx Context) (int64, error)
}

// Media is raw image bytes plus the content type they were served with.
type Media struct {
	Bytes       []byte
	ContentType string
}

// MediaFetcher retrieves media bytes by id (port).
type MediaFetcher interface {
	Fetch(ctx Context, mediaID string) (Media, error)
}

// ResultConfirmer pushes a finished result to the media-metadata service
// (port). Only consulted when result sync is enabled.
type ResultConfirmer interface {
	ConfirmResult(ctx Context, j Job) error
}

// InferenceEngine runs one task against one media item (port).
// Implementations classify failures as ErrMalformedImage or
// ErrModelTransient; anything else is treated as non-retryable.
type InferenceEngine interface {
	Infer(ctx Context, task TaskType, media Media) (JobResult, error)
	EmbeddingDim() int
}

// Vector collections written by the worker.
const (
	CollectionImageEmbeddings = "image_embeddings"
	CollectionFaceEmbeddings  = "face_embeddings"
)

// VectorPoint is one upsert row for the vector store.
type VectorPoint struct {
	ID      uint64
	Vector  []float32
	Payload map[string]any
}

// VectorSink persists embedding vectors (port). UpsertPoints is idempotent
// per point id so re-executed attempts overwrite instead of duplicating.
type VectorSink interface {
	EnsureCollection(ctx Context, name string, dim int) error
	UpsertPoints(ctx Context, collection string, points []VectorPoint) error
}

// Broadcaster publishes terminal job events (port). Best effort: callers
// never fail a job on a broadcast error.
type Broadcaster interface {
	Publish(ctx Context, jobID string, kind EventKind, payload map[string]any) error
}

// Context is an alias so ports read uniformly; adapters pass
// context.Context straight through.
type Context = context.Context
