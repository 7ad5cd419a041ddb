// Package apperror defines the closed set of error kinds used across the
// ingest service. Every error returned by a store or service wraps exactly one
// of these sentinels, so callers classify failures with errors.Is or KindOf.
package apperror

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is bad caller input. Never retried.
	ErrValidation = errors.New("validation error")

	ErrSessionNotFound = errors.New("upload session not found")

	// ErrSessionClosed is returned for chunks that arrive after the session
	// left the uploading states.
	ErrSessionClosed = errors.New("upload session no longer accepts chunks")

	// ErrConflictExceeded means the optimistic transaction lost every attempt.
	// The caller may retry the request.
	ErrConflictExceeded = errors.New("session update conflict: retries exhausted")

	// ErrInvalidTransition is a status change the session lifecycle forbids,
	// such as leaving a terminal state.
	ErrInvalidTransition = errors.New("invalid session status transition")

	// ErrStorage covers blob, session store and queue I/O failures.
	ErrStorage = errors.New("storage failure")

	ErrNoChunksFound     = errors.New("no chunks found")
	ErrMergeFailed       = errors.New("merge failed")
	ErrBatchInsertFailed = errors.New("batch insert failed")

	ErrInternal = errors.New("internal error")
)

var kinds = []error{
	ErrValidation,
	ErrSessionNotFound,
	ErrSessionClosed,
	ErrConflictExceeded,
	ErrInvalidTransition,
	ErrNoChunksFound,
	ErrMergeFailed,
	ErrBatchInsertFailed,
	ErrStorage,
	ErrInternal,
}

// Wrap tags err with kind while keeping err matchable.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Validation builds an ErrValidation with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// KindOf returns the first kind err matches, or ErrInternal.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}
