package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/metrics"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/queues"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

// CompletionDetector counts stored chunks and submits the merge job exactly
// once per session: only the attempt that commits the transition to
// Processing enqueues.
type CompletionDetector struct {
	sessions store.SessionStore
	queue    queues.JobQueue
	updater  *MetadataUpdater
	policy   casPolicy

	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewCompletionDetector(
	sessions store.SessionStore,
	queue queues.JobQueue,
	updater *MetadataUpdater,
	maxAttempts int,
	baseDelay time.Duration,
	l logging.Logger,
	m *metrics.Metrics,
) *CompletionDetector {
	return &CompletionDetector{
		sessions: sessions,
		queue:    queue,
		updater:  updater,
		policy:   casPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay}.withDefaults(),
		logger:   l,
		metrics:  m,
	}
}

// RecordChunk registers a stored chunk. A repeated index is acknowledged
// without touching the counter.
func (d *CompletionDetector) RecordChunk(ctx context.Context, uploadID string, index int) (*models.ChunkReceipt, error) {
	var shouldEnqueue, duplicate bool

	res, session, err := runCAS(ctx, d.sessions, uploadID, d.policy, d.metrics, func(s *models.UploadSession) (bool, error) {
		// decisions from a previous, conflicted attempt are void
		shouldEnqueue, duplicate = false, false

		if !s.Status.AcceptsChunks() {
			return false, fmt.Errorf("%w: status is %s", apperror.ErrSessionClosed, s.Status)
		}
		if !s.MarkReceived(index) {
			duplicate = true
			return false, nil
		}

		s.ChunksUploaded++
		if s.IsComplete() {
			s.Status = models.StatusProcessing
			shouldEnqueue = true
		} else {
			s.Status = models.StatusInProgress
		}
		return true, nil
	})
	if err != nil {
		if res == store.TxConflict {
			d.logger.Warn("session update gave up after conflicts", "upload_id", uploadID, "chunk_id", index)
		}
		return nil, err
	}

	receipt := &models.ChunkReceipt{
		FileID:         uploadID,
		ChunkID:        index,
		ChunksUploaded: session.ChunksUploaded,
		TotalChunks:    session.TotalChunks,
		Status:         session.Status,
		Duplicate:      duplicate,
	}

	if duplicate {
		d.metrics.ChunkReceived("duplicate")
		d.logger.Info("duplicate chunk overwritten, not counted", "upload_id", uploadID, "chunk_id", index)
		return receipt, nil
	}
	d.metrics.ChunkReceived("counted")

	if res == store.TxCommitted && shouldEnqueue {
		if err := d.enqueueMerge(ctx, uploadID); err != nil {
			return nil, err
		}
		d.logger.Info("all chunks received, merge job enqueued", "upload_id", uploadID, "total_chunks", session.TotalChunks)
	}

	return receipt, nil
}

func (d *CompletionDetector) enqueueMerge(ctx context.Context, uploadID string) error {
	job := models.Job{
		ID:       uuid.NewString(),
		Type:     models.JobMergeChunks,
		UploadID: uploadID,
	}

	err := d.queue.Enqueue(ctx, job)
	d.metrics.JobEnqueued(string(job.Type), err)
	if err == nil {
		return nil
	}

	d.logger.Error("failed to enqueue merge job", "upload_id", uploadID, "error", err)

	// no other request will ever enqueue for this session
	msg := fmt.Sprintf("enqueue merge job: %v", err)
	if setErr := d.updater.SetStatus(context.WithoutCancel(ctx), uploadID, models.StatusFailed, msg); setErr != nil {
		d.logger.Error("failed to mark session failed after enqueue error", "upload_id", uploadID, "error", setErr)
	}
	return apperror.Wrap(apperror.ErrStorage, err)
}
