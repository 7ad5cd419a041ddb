package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/metrics"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

// MetadataUpdater records the outcome of the background pipeline on the
// session.
type MetadataUpdater struct {
	sessions store.SessionStore
	policy   casPolicy

	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewMetadataUpdater(sessions store.SessionStore, maxAttempts int, baseDelay time.Duration, l logging.Logger, m *metrics.Metrics) *MetadataUpdater {
	return &MetadataUpdater{
		sessions: sessions,
		policy:   casPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay}.withDefaults(),
		logger:   l,
		metrics:  m,
	}
}

// SetStatus records the outcome of a Processing session. Only Completed
// and Failed are accepted, and a session that already holds an outcome
// keeps it: repeating the same status is a no-op, a different one returns
// ErrInvalidTransition. message is kept as the failure summary when status
// is Failed and ignored otherwise.
func (u *MetadataUpdater) SetStatus(ctx context.Context, uploadID string, status models.UploadStatus, message string) error {
	if !status.IsTerminal() {
		return apperror.Validation("status %q is not an outcome", status)
	}

	res, _, err := runCAS(ctx, u.sessions, uploadID, u.policy, u.metrics, func(s *models.UploadSession) (bool, error) {
		switch {
		case s.Status == status:
			return false, nil
		case s.Status != models.StatusProcessing:
			return false, fmt.Errorf("%w: %s to %s", apperror.ErrInvalidTransition, s.Status, status)
		}
		s.Status = status
		if status == models.StatusFailed {
			s.Error = message
		}
		return true, nil
	})
	if err != nil {
		u.logger.Error("failed to update session status", "upload_id", uploadID, "status", status, "error", err)
		return err
	}

	if res == store.TxCommitted {
		u.logger.Info("session status updated", "upload_id", uploadID, "status", status)
	}
	return nil
}
