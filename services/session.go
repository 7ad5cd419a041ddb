package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

type SessionService interface {
	CreateSession(ctx context.Context, totalChunks int) (*models.UploadSession, error)
	GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error)
}

type SessionServiceImpl struct {
	sessionStore store.SessionStore
	now          func() time.Time

	logger logging.Logger
}

func NewSessionServiceImpl(sessionStore store.SessionStore, l logging.Logger) *SessionServiceImpl {
	return &SessionServiceImpl{
		sessionStore: sessionStore,
		now:          time.Now,
		logger:       l,
	}
}

func (svc *SessionServiceImpl) CreateSession(ctx context.Context, totalChunks int) (*models.UploadSession, error) {
	if totalChunks < 1 {
		return nil, apperror.Validation("total chunks must be at least 1, got %d", totalChunks)
	}

	session := models.NewUploadSession(uuid.NewString(), totalChunks, svc.now().UTC())
	if err := svc.sessionStore.CreateSession(ctx, session); err != nil {
		svc.logger.Error("failed to create upload session", "error", err)
		return nil, err
	}

	svc.logger.Info("upload session created", "upload_id", session.ID, "total_chunks", totalChunks)
	return session, nil
}

func (svc *SessionServiceImpl) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	return svc.sessionStore.GetSession(ctx, uploadID)
}
