package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/models"
)

// MemorySessionStore is an in-process SessionStore. The mutation runs
// outside the lock, so concurrent writers observe real conflicts.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.UploadSession
	now      func() time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*models.UploadSession),
		now:      time.Now,
	}
}

func (s *MemorySessionStore) IsReady(context.Context) error { return nil }

func (s *MemorySessionStore) Name() string {
	return "SessionStore[memory]"
}

func (s *MemorySessionStore) CreateSession(_ context.Context, session *models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return apperror.Wrap(apperror.ErrStorage, fmt.Errorf("session %s already exists", session.ID))
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemorySessionStore) GetSession(_ context.Context, uploadID string) (*models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[uploadID]
	if !ok {
		return nil, apperror.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *MemorySessionStore) CompareAndSwap(ctx context.Context, uploadID string, mutate Mutation) (TxResult, *models.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return TxFailure, nil, apperror.Wrap(apperror.ErrStorage, err)
	}

	current, err := s.GetSession(ctx, uploadID)
	if err != nil {
		return TxSkipped, nil, err
	}

	next := current.Clone()
	changed, err := mutate(next)
	if err != nil {
		return TxSkipped, nil, err
	}
	if !changed {
		return TxSkipped, current, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[uploadID].Version != current.Version {
		return TxConflict, nil, nil
	}

	next.Version = current.Version + 1
	next.UpdatedAt = s.now()
	s.sessions[uploadID] = next

	return TxCommitted, next.Clone(), nil
}
