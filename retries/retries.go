// Package retries wraps store calls that are safe to repeat in a bounded
// exponential backoff.
package retries

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 50 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 100 * time.Millisecond
)

// Retry calls fn until it succeeds, attempts are used up, ctx is done, or
// isRetriable reports false for the returned error. A nil isRetriable retries
// every error.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, isRetriable func(error) bool) error {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = 20 * baseDelay
	b.MaxElapsedTime = 0

	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isRetriable != nil && !isRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
}

var retriableAPICodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"TransactionConflictException":           true,
	"SlowDown":                               true,
}

// IsRetriableDbError reports whether a session store or queue error is
// transient. Domain errors and conditional-check failures are never retried.
func IsRetriableDbError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr) {
		return false
	}
	if apperror.KindOf(err) != apperror.ErrInternal && !errors.Is(err, apperror.ErrStorage) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retriableAPICodes[apiErr.ErrorCode()]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// connection resets and similar transport errors surface untyped
	return true
}
