package services

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/metrics"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

type ChunkService interface {
	ReceiveChunk(ctx context.Context, uploadID string, index int, payload io.Reader) (*models.ChunkReceipt, error)
}

type ChunkServiceImpl struct {
	sessionStore store.SessionStore
	chunkStore   store.ChunkStore
	detector     *CompletionDetector

	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewChunkServiceImpl(
	sessionStore store.SessionStore,
	chunkStore store.ChunkStore,
	detector *CompletionDetector,
	l logging.Logger,
	m *metrics.Metrics,
) *ChunkServiceImpl {
	return &ChunkServiceImpl{
		sessionStore: sessionStore,
		chunkStore:   chunkStore,
		detector:     detector,
		logger:       l,
		metrics:      m,
	}
}

// ReceiveChunk stores one chunk and then counts it. The session is checked
// before any byte is written.
func (svc *ChunkServiceImpl) ReceiveChunk(ctx context.Context, uploadID string, index int, payload io.Reader) (*models.ChunkReceipt, error) {
	if index < 0 {
		return nil, apperror.Validation("chunk id must be non-negative, got %d", index)
	}

	session, err := svc.sessionStore.GetSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if !session.Status.AcceptsChunks() {
		svc.metrics.ChunkReceived("rejected")
		return nil, fmt.Errorf("%w: status is %s", apperror.ErrSessionClosed, session.Status)
	}
	if index >= session.TotalChunks {
		return nil, apperror.Validation("chunk id %d out of range for %d chunks", index, session.TotalChunks)
	}

	if err := svc.chunkStore.PutChunk(ctx, uploadID, index, payload); err != nil {
		svc.logger.Error("failed to store chunk", "upload_id", uploadID, "chunk_id", index, "error", err)
		svc.metrics.ChunkReceived("storage_error")
		return nil, apperror.Wrap(apperror.ErrStorage, err)
	}

	receipt, err := svc.detector.RecordChunk(ctx, uploadID, index)
	if errors.Is(err, apperror.ErrSessionClosed) {
		svc.discardStray(ctx, uploadID, index)
	}
	return receipt, err
}

// discardStray handles a chunk written after the session closed. Once the
// session is Completed the merge has already removed the namespace, so the
// write recreated it and nothing else would delete it. While Processing the
// pipeline removes it after recording Completed. Failed sessions keep their
// chunks.
func (svc *ChunkServiceImpl) discardStray(ctx context.Context, uploadID string, index int) {
	ctx = context.WithoutCancel(ctx)

	session, err := svc.sessionStore.GetSession(ctx, uploadID)
	if err != nil || session.Status != models.StatusCompleted {
		return
	}
	if err := svc.chunkStore.DeleteChunks(ctx, uploadID); err != nil {
		svc.logger.Warn("failed to remove chunk written after completion", "upload_id", uploadID, "chunk_id", index, "error", err)
		return
	}
	svc.logger.Info("removed chunk written after completion", "upload_id", uploadID, "chunk_id", index)
}
