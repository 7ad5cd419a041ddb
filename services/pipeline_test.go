package services

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
)

func TestMerger_ConcatenatesInIndexOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, idx := range []int{2, 10, 0, 1} {
		require.NoError(t, env.chunks.PutChunk(ctx, "u1", idx, strings.NewReader(string(rune('a'+idx%26)))))
	}

	path, err := env.merger.Merge(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, env.merger.ArtifactPath("u1"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "abck", string(data))

	refs, err := env.chunks.ListChunks(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, refs)

	exists, err := env.merger.ArtifactExists("u1")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, env.merger.RemoveArtifact("u1"))
	require.NoError(t, env.merger.RemoveArtifact("u1"))
}

func TestMerger_NoChunks(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.merger.Merge(context.Background(), "u1")
	require.ErrorIs(t, err, apperror.ErrNoChunksFound)

	exists, err := env.merger.ArtifactExists("u1")
	require.NoError(t, err)
	require.False(t, exists)
}

func uploadAll(t *testing.T, env *testEnv, chunks map[int]string, order []int) *models.UploadSession {
	t.Helper()
	ctx := context.Background()

	s, err := env.sessionSvc.CreateSession(ctx, len(chunks))
	require.NoError(t, err)

	for _, idx := range order {
		_, err := env.chunkSvc.ReceiveChunk(ctx, s.ID, idx, strings.NewReader(chunks[idx]))
		require.NoError(t, err)
	}
	return s
}

func TestIngestPipeline_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s := uploadAll(t, env, map[int]string{
		0: "title,release_year\nFirst,2001\n",
		1: "title,release_year\nSecond,2002\n",
		2: "title,release_year\nThird,2003\n",
	}, []int{2, 0, 1})

	jobs := env.queue.Jobs()
	require.Len(t, jobs, 1)

	require.NoError(t, env.pipeline.Handle(ctx, jobs[0]))

	got, err := env.sessions.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Empty(t, got.Error)

	records := env.catalog.Records()
	require.Len(t, records, 3)
	for i, want := range []string{"First", "Second", "Third"} {
		require.Equal(t, i+1, records[i].RowNumber)
		require.Equal(t, want, records[i].Data["title"])
		require.Equal(t, int64(2001+i), records[i].Data["release_year"])
	}

	exists, err := env.merger.ArtifactExists(s.ID)
	require.NoError(t, err)
	require.False(t, exists)

	// redelivery after completion is a no-op
	require.NoError(t, env.pipeline.Handle(ctx, jobs[0]))
	require.Len(t, env.catalog.Records(), 3)
}

func TestIngestPipeline_ReusesArtifactFromPreviousAttempt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s := uploadAll(t, env, map[int]string{
		0: "id\n1\n",
		1: "2\n",
	}, []int{0, 1})

	// a previous delivery merged and then died before recording the outcome
	_, err := env.merger.Merge(ctx, s.ID)
	require.NoError(t, err)

	require.NoError(t, env.pipeline.Handle(ctx, env.queue.Jobs()[0]))

	got, err := env.sessions.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Len(t, env.catalog.Records(), 2)
}

func TestIngestPipeline_FailedBatchesMarkSessionFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.catalog.failOn = map[int]bool{2: true}

	s := uploadAll(t, env, map[int]string{
		0: "id\n1\n2\n",
		1: "3\n4\n5\n",
	}, []int{1, 0})

	require.NoError(t, env.pipeline.Handle(ctx, env.queue.Jobs()[0]))

	got, err := env.sessions.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, "1 of 3 batches failed", got.Error)
	require.Len(t, env.catalog.Records(), 3)

	// kept for inspection
	exists, err := env.merger.ArtifactExists(s.ID)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestIngestPipeline_NoChunksMarksSessionFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s := uploadAll(t, env, map[int]string{0: "id\n1\n"}, []int{0})
	require.NoError(t, env.chunks.DeleteChunks(ctx, s.ID))

	require.NoError(t, env.pipeline.Handle(ctx, env.queue.Jobs()[0]))

	got, err := env.sessions.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Contains(t, got.Error, apperror.ErrNoChunksFound.Error())
}

func TestIngestPipeline_DropsUnprocessableJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.pipeline.Handle(ctx, models.Job{Type: models.JobMergeChunks, UploadID: "missing"}))
	require.NoError(t, env.pipeline.Handle(ctx, models.Job{Type: "resize_images", UploadID: "missing"}))
	require.Empty(t, env.catalog.Records())
}

func TestIngestPipeline_ChunkCleanupFailureStillIngests(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		leftChunks int
	}{
		{"cleanup retried after outcome", 1, 0},
		{"cleanup keeps failing", 10, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			l := logging.NewNopLogger()

			s := uploadAll(t, env, map[int]string{
				0: "id\n1\n",
				1: "2\n",
			}, []int{0, 1})

			chunks := &flakyDeleteStore{ChunkStore: env.chunks, failures: tc.failures}
			merger := NewMerger(chunks, t.TempDir(), l)
			pipeline := NewIngestPipeline(env.sessions, merger, NewBatchProcessor(env.catalog, 2, nil, l, nil), env.updater, nil, l, nil)

			require.NoError(t, pipeline.Handle(ctx, env.queue.Jobs()[0]))

			got, err := env.sessions.GetSession(ctx, s.ID)
			require.NoError(t, err)
			require.Equal(t, models.StatusCompleted, got.Status)
			require.Len(t, env.catalog.Records(), 2)

			exists, err := merger.ArtifactExists(s.ID)
			require.NoError(t, err)
			require.False(t, exists)

			refs, err := env.chunks.ListChunks(ctx, s.ID)
			require.NoError(t, err)
			require.Len(t, refs, tc.leftChunks)
			require.Equal(t, 2, chunks.calls)
		})
	}
}

func TestIngestPipeline_DropsJobForUploadingSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.sessionSvc.CreateSession(ctx, 3)
	require.NoError(t, err)
	_, err = env.chunkSvc.ReceiveChunk(ctx, s.ID, 0, strings.NewReader("id\n1\n"))
	require.NoError(t, err)

	require.NoError(t, env.pipeline.Handle(ctx, models.Job{Type: models.JobMergeChunks, UploadID: s.ID}))

	got, err := env.sessions.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, got.Status)
	require.Equal(t, 1, got.ChunksUploaded)
	require.Empty(t, env.catalog.Records())

	refs, err := env.chunks.ListChunks(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestIngestPipeline_OutcomeRecordedByConcurrentDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s := uploadAll(t, env, map[int]string{0: "id\n1\n"}, []int{0})
	job := env.queue.Jobs()[0]

	// the other delivery finished while this one was ingesting
	path, err := env.merger.Merge(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, env.updater.SetStatus(ctx, s.ID, models.StatusFailed, "1 of 1 batches failed"))

	recorded, err := env.pipeline.finish(ctx, logging.NewNopLogger(), s.ID, models.StatusCompleted, "")
	require.NoError(t, err)
	require.False(t, recorded)

	got, err := env.sessions.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, "1 of 1 batches failed", got.Error)

	// the redelivered job leaves the outcome and the artifact alone
	require.NoError(t, env.pipeline.Handle(ctx, job))
	_, err = os.Stat(path)
	require.NoError(t, err)
}
