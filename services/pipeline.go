package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/caching"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/metrics"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store"
	"github.com/Yulian302/lfusys-services-ingest/tracing"
)

// IngestPipeline is the merge worker: it turns a Processing session into
// catalog rows and records the outcome.
type IngestPipeline struct {
	sessions store.SessionStore
	merger   *Merger
	batches  *BatchProcessor
	updater  *MetadataUpdater
	cache    caching.CachingService

	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewIngestPipeline(
	sessions store.SessionStore,
	merger *Merger,
	batches *BatchProcessor,
	updater *MetadataUpdater,
	cache caching.CachingService,
	l logging.Logger,
	m *metrics.Metrics,
) *IngestPipeline {
	if cache == nil {
		cache = caching.NewNullCachingService()
	}
	return &IngestPipeline{
		sessions: sessions,
		merger:   merger,
		batches:  batches,
		updater:  updater,
		cache:    cache,
		logger:   l,
		metrics:  m,
	}
}

// Handle is a queues.Handler. A returned error makes the broker redeliver
// the job, so it is only returned while the session outcome is not yet
// recorded.
func (p *IngestPipeline) Handle(ctx context.Context, job models.Job) (err error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.handle",
		trace.WithAttributes(
			attribute.String("upload.id", job.UploadID),
			attribute.String("job.id", job.ID),
			attribute.Int("job.attempt", job.Attempt),
		),
	)
	defer func() { tracing.EndSpan(span, err) }()

	log := p.logger.With("upload_id", job.UploadID, "job_id", job.ID)

	if job.Type != models.JobMergeChunks {
		log.Warn("dropping job of unknown type", "type", job.Type)
		p.metrics.JobProcessed("dropped")
		return nil
	}

	session, err := p.sessions.GetSession(ctx, job.UploadID)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		log.Warn("dropping job for unknown session")
		p.metrics.JobProcessed("dropped")
		return nil
	}
	if err != nil {
		return err
	}

	// redelivery after the outcome was already written
	if session.Status.IsTerminal() {
		log.Info("session already finished, skipping job", "status", session.Status)
		p.metrics.JobProcessed("skipped")
		return nil
	}
	if session.Status != models.StatusProcessing {
		log.Warn("dropping job for session still receiving chunks", "status", session.Status)
		p.metrics.JobProcessed("dropped")
		return nil
	}

	artifact, leftover, err := p.merge(ctx, job.UploadID)
	if err != nil {
		log.Error("merge stage failed", "error", err)
		_, err = p.finish(ctx, log, job.UploadID, models.StatusFailed, err.Error())
		return err
	}

	status, message := models.StatusCompleted, ""
	report, err := p.ingest(ctx, job.UploadID, artifact)
	switch {
	case err != nil:
		log.Error("ingest stage failed", "error", err)
		status, message = models.StatusFailed, err.Error()
	case report.Failed():
		status, message = models.StatusFailed, report.Summary()
	}

	recorded, err := p.finish(ctx, log, job.UploadID, status, message)
	if err != nil {
		return err
	}
	if !recorded {
		return nil
	}

	// a late duplicate chunk can recreate the namespace while Processing
	if leftover || status == models.StatusCompleted {
		p.discardChunks(ctx, log, job.UploadID)
	}
	if status == models.StatusCompleted {
		if err := p.merger.RemoveArtifact(job.UploadID); err != nil {
			log.Warn("failed to remove merged artifact", "error", err)
		}
	}
	return nil
}

// merge returns the artifact path. leftover is set when the artifact is
// complete but its chunks could not be removed.
func (p *IngestPipeline) merge(ctx context.Context, uploadID string) (path string, leftover bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.merge")
	defer func() { tracing.EndSpan(span, err) }()

	start := time.Now()
	defer func() { p.metrics.ObserveStage("merge", time.Since(start)) }()

	path, err = p.merger.Merge(ctx, uploadID)
	if errors.Is(err, ErrChunkCleanup) {
		p.logger.Warn("chunks left after merge, ingesting artifact", "upload_id", uploadID, "error", err)
		return path, true, nil
	}
	if !errors.Is(err, apperror.ErrNoChunksFound) {
		return path, false, err
	}

	// chunks are gone once a previous delivery merged them
	exists, statErr := p.merger.ArtifactExists(uploadID)
	if statErr != nil {
		return "", false, apperror.Wrap(apperror.ErrMergeFailed, statErr)
	}
	if !exists {
		return "", false, err
	}
	p.logger.Info("reusing merged artifact from previous attempt", "upload_id", uploadID)
	return p.merger.ArtifactPath(uploadID), false, nil
}

func (p *IngestPipeline) discardChunks(ctx context.Context, log logging.Logger, uploadID string) {
	if err := p.merger.DiscardChunks(ctx, uploadID); err != nil {
		log.Warn("chunks still not removed, leaving them for manual cleanup", "error", err)
	}
}

func (p *IngestPipeline) ingest(ctx context.Context, uploadID, path string) (report *BatchReport, err error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.batches")
	defer func() {
		if report != nil {
			span.SetAttributes(
				attribute.Int("ingest.rows", report.Rows),
				attribute.Int("ingest.batches", report.Batches),
				attribute.Int("ingest.failed_batches", report.FailedBatches),
			)
		}
		tracing.EndSpan(span, err)
	}()

	start := time.Now()
	defer func() { p.metrics.ObserveStage("ingest", time.Since(start)) }()

	return p.batches.Process(ctx, uploadID, path)
}

// finish records the outcome. recorded is false when another delivery of
// the same job already stored an outcome, in which case this one is dropped.
func (p *IngestPipeline) finish(ctx context.Context, log logging.Logger, uploadID string, status models.UploadStatus, message string) (recorded bool, err error) {
	err = p.updater.SetStatus(ctx, uploadID, status, message)
	if errors.Is(err, apperror.ErrInvalidTransition) {
		log.Warn("outcome already recorded by another delivery", "status", status, "error", err)
		p.metrics.JobProcessed("skipped")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record %s outcome: %w", status, err)
	}

	if err := p.cache.Delete(ctx, ListingCacheKey); err != nil {
		log.Warn("failed to invalidate listing cache", "error", err)
	}

	if status == models.StatusCompleted {
		p.metrics.JobProcessed("completed")
	} else {
		p.metrics.JobProcessed("failed")
	}
	log.Info("upload processed", "status", status, "message", message)
	return true, nil
}
