package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []models.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Jobs() []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.Job(nil), q.jobs...)
}

type fakeCatalog struct {
	mu      sync.Mutex
	records []models.CatalogRecord
	calls   int
	// failOn lists 1-based InsertBatch calls that fail.
	failOn map[int]bool
	listed int
}

func (c *fakeCatalog) IsReady(context.Context) error { return nil }
func (c *fakeCatalog) Name() string                  { return "CatalogStore[fake]" }

func (c *fakeCatalog) InsertBatch(_ context.Context, records []models.CatalogRecord) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.failOn[c.calls] {
		return 0, errors.New("insert rejected")
	}

	var n int64
	for _, r := range records {
		dup := false
		for _, existing := range c.records {
			if existing.UploadID == r.UploadID && existing.RowNumber == r.RowNumber {
				dup = true
				break
			}
		}
		if !dup {
			c.records = append(c.records, r)
			n++
		}
	}
	return n, nil
}

func (c *fakeCatalog) List(_ context.Context, q models.ListQuery) ([]map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listed++
	var out []map[string]any
	for i, r := range c.records {
		if i < q.Offset() {
			continue
		}
		if len(out) == q.PerPage {
			break
		}
		out = append(out, r.Data)
	}
	return out, nil
}

func (c *fakeCatalog) Records() []models.CatalogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.CatalogRecord(nil), c.records...)
}

// conflictingStore loses every transaction.
type conflictingStore struct {
	store.SessionStore
	attempts int
}

func (s *conflictingStore) CompareAndSwap(context.Context, string, store.Mutation) (store.TxResult, *models.UploadSession, error) {
	s.attempts++
	return store.TxConflict, nil, nil
}

// staleReadStore answers the first GetSession as if the session were still
// uploading.
type staleReadStore struct {
	store.SessionStore
	reads int
}

func (s *staleReadStore) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	session, err := s.SessionStore.GetSession(ctx, uploadID)
	s.reads++
	if err == nil && s.reads == 1 {
		session.Status = models.StatusInProgress
	}
	return session, err
}

// flakyDeleteStore fails the first failures DeleteChunks calls.
type flakyDeleteStore struct {
	store.ChunkStore
	failures int
	calls    int
}

func (s *flakyDeleteStore) DeleteChunks(ctx context.Context, uploadID string) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("transient delete error")
	}
	return s.ChunkStore.DeleteChunks(ctx, uploadID)
}

type testEnv struct {
	sessions *store.MemorySessionStore
	chunks   *store.FSChunkStore
	queue    *fakeQueue
	catalog  *fakeCatalog

	sessionSvc *SessionServiceImpl
	chunkSvc   *ChunkServiceImpl
	updater    *MetadataUpdater
	merger     *Merger
	pipeline   *IngestPipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	l := logging.NewNopLogger()
	env := &testEnv{
		sessions: store.NewMemorySessionStore(),
		chunks:   store.NewFSChunkStore(t.TempDir(), l),
		queue:    &fakeQueue{},
		catalog:  &fakeCatalog{},
	}

	env.updater = NewMetadataUpdater(env.sessions, 50, time.Millisecond, l, nil)
	detector := NewCompletionDetector(env.sessions, env.queue, env.updater, 50, time.Millisecond, l, nil)
	env.sessionSvc = NewSessionServiceImpl(env.sessions, l)
	env.chunkSvc = NewChunkServiceImpl(env.sessions, env.chunks, detector, l, nil)
	env.merger = NewMerger(env.chunks, t.TempDir(), l)
	env.pipeline = NewIngestPipeline(
		env.sessions,
		env.merger,
		NewBatchProcessor(env.catalog, 2, []string{"date_added"}, l, nil),
		env.updater,
		nil,
		l,
		nil,
	)
	return env
}
