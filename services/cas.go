package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/metrics"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

const (
	DefaultCASAttempts  = 10
	DefaultCASBaseDelay = 5 * time.Millisecond
)

// casPolicy bounds the optimistic retry loop around SessionStore.CompareAndSwap.
type casPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

func (p casPolicy) withDefaults() casPolicy {
	if p.maxAttempts < 1 {
		p.maxAttempts = DefaultCASAttempts
	}
	if p.baseDelay <= 0 {
		p.baseDelay = DefaultCASBaseDelay
	}
	return p
}

// runCAS retries mutate on TxConflict with capped exponential backoff. It
// returns the result of the last attempt, which is never TxConflict unless
// the error is ErrConflictExceeded.
func runCAS(
	ctx context.Context,
	sessions store.SessionStore,
	uploadID string,
	policy casPolicy,
	m *metrics.Metrics,
	mutate store.Mutation,
) (store.TxResult, *models.UploadSession, error) {
	policy = policy.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.baseDelay
	b.MaxInterval = 20 * policy.baseDelay
	b.MaxElapsedTime = 0

	for attempt := 1; attempt <= policy.maxAttempts; attempt++ {
		res, session, err := sessions.CompareAndSwap(ctx, uploadID, mutate)
		m.CASAttempt(res.String())

		if res != store.TxConflict {
			return res, session, err
		}
		if attempt == policy.maxAttempts {
			break
		}

		t := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			return store.TxFailure, nil, apperror.Wrap(apperror.ErrStorage, ctx.Err())
		case <-t.C:
		}
	}

	return store.TxConflict, nil, apperror.ErrConflictExceeded
}
