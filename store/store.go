package store

import (
	"context"
	"io"

	"github.com/Yulian302/lfusys-services-ingest/health"
	"github.com/Yulian302/lfusys-services-ingest/models"
)

// TxResult is the outcome of a single compare-and-swap attempt.
type TxResult int

const (
	// TxCommitted means the mutation was written.
	TxCommitted TxResult = iota
	// TxConflict means the session changed between read and write. Nothing
	// was written and the attempt may be retried from a fresh read.
	TxConflict
	// TxFailure means the store could not be reached or refused the write.
	TxFailure
	// TxSkipped means the mutation declined to change the session, or
	// returned an error. Nothing was written.
	TxSkipped
)

func (r TxResult) String() string {
	switch r {
	case TxCommitted:
		return "committed"
	case TxConflict:
		return "conflict"
	case TxFailure:
		return "failure"
	case TxSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Mutation edits a private copy of the session. Returning false leaves the
// stored session untouched.
type Mutation func(s *models.UploadSession) (bool, error)

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.UploadSession) error
	GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error)
	// CompareAndSwap makes one optimistic attempt: read, mutate, and write
	// only if the session is unchanged since the read. The returned session
	// is the committed state for TxCommitted and the observed state for
	// TxSkipped.
	CompareAndSwap(ctx context.Context, uploadID string, mutate Mutation) (TxResult, *models.UploadSession, error)

	health.ReadinessCheck
}

// ChunkRef identifies a stored chunk.
type ChunkRef struct {
	Index int
	Size  int64
}

type ChunkStore interface {
	// PutChunk stores the payload of one chunk, replacing any previous
	// payload under the same index.
	PutChunk(ctx context.Context, uploadID string, index int, payload io.Reader) error
	// ListChunks returns the chunks of an upload ordered by numeric index.
	ListChunks(ctx context.Context, uploadID string) ([]ChunkRef, error)
	OpenChunk(ctx context.Context, uploadID string, index int) (io.ReadCloser, error)
	// DeleteChunks removes every chunk of an upload and its namespace.
	DeleteChunks(ctx context.Context, uploadID string) error

	health.ReadinessCheck
}

// CatalogLister is the read side of the catalog.
type CatalogLister interface {
	List(ctx context.Context, q models.ListQuery) ([]map[string]any, error)
}

type CatalogStore interface {
	// InsertBatch stores records, ignoring rows already ingested for the same
	// upload and row number. It returns the number of new rows.
	InsertBatch(ctx context.Context, records []models.CatalogRecord) (int64, error)
	CatalogLister

	health.ReadinessCheck
}
