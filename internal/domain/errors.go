package domain

import "errors"

// Error taxonomy (sentinels). Adapters wrap these with op context; the HTTP
// layer and the worker classify exclusively via errors.Is.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrDuplicateJob     = errors.New("duplicate job")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInternal         = errors.New("internal error")
)

// Execution-stage sentinels. These never reach the HTTP surface directly;
// the worker turns them into retries or terminal error states.
var (
	// ErrMediaMissing: the media id does not exist upstream. Non-retryable.
	ErrMediaMissing = errors.New("media missing")
	// ErrMediaUnavailable: the media store cannot be reached right now.
	ErrMediaUnavailable = errors.New("media store unavailable")
	// ErrMalformedImage: the bytes are not a decodable image. Non-retryable.
	ErrMalformedImage = errors.New("malformed image")
	// ErrModelTransient: the model backend failed in a way worth retrying.
	ErrModelTransient = errors.New("model transient failure")
	// ErrVectorUnavailable: the vector store rejected or timed out an upsert.
	ErrVectorUnavailable = errors.New("vector store unavailable")
	// ErrSyncFailed: the media-metadata confirm step failed after the vectors
	// were written.
	ErrSyncFailed = errors.New("result sync failed")
)

// IsRetryable reports whether a job attempt that failed with err should be
// returned to the queue (consuming a retry) instead of failing terminally.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrMediaUnavailable) ||
		errors.Is(err, ErrModelTransient) ||
		errors.Is(err, ErrVectorUnavailable)
}
