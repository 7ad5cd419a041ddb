package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/retries"
)

const sessionKeyPrefix = "upload_session:"

// RedisSessionStore keeps each session in a hash and serializes concurrent
// writers with WATCH/MULTI/EXEC.
type RedisSessionStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		now:    time.Now,
	}
}

func sessionKey(uploadID string) string {
	return sessionKeyPrefix + uploadID
}

func (s *RedisSessionStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			return s.client.Ping(ctx).Err()
		},
		retries.IsRetriableDbError,
	)
}

func (s *RedisSessionStore) Name() string {
	return "SessionStore[redis]"
}

func (s *RedisSessionStore) CreateSession(ctx context.Context, session *models.UploadSession) error {
	key := sessionKey(session.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("session %s already exists", session.ID)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, session.ToHash())
			return nil
		})
		return err
	}, key)
	if err != nil {
		return apperror.Wrap(apperror.ErrStorage, err)
	}
	return nil
}

func (s *RedisSessionStore) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	var h map[string]string

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			var err error
			h, err = s.client.HGetAll(ctx, sessionKey(uploadID)).Result()
			return err
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrStorage, err)
	}
	if len(h) == 0 {
		return nil, apperror.ErrSessionNotFound
	}

	session, err := models.SessionFromHash(h)
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrInternal, err)
	}
	return session, nil
}

func (s *RedisSessionStore) CompareAndSwap(ctx context.Context, uploadID string, mutate Mutation) (TxResult, *models.UploadSession, error) {
	key := sessionKey(uploadID)

	var (
		result  = TxSkipped
		current *models.UploadSession
		mutErr  error
	)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(h) == 0 {
			mutErr = apperror.ErrSessionNotFound
			return nil
		}

		current, err = models.SessionFromHash(h)
		if err != nil {
			return err
		}

		next := current.Clone()
		changed, err := mutate(next)
		if err != nil {
			mutErr = err
			return nil
		}
		if !changed {
			return nil
		}

		next.Version++
		next.UpdatedAt = s.now()

		// EXEC fails with TxFailedErr if the key was touched after WATCH
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, next.ToHash())
			return nil
		})
		if err != nil {
			return err
		}

		current = next
		result = TxCommitted
		return nil
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return TxConflict, nil, nil
	case err != nil:
		return TxFailure, nil, apperror.Wrap(apperror.ErrStorage, err)
	case mutErr != nil:
		return TxSkipped, nil, mutErr
	}
	return result, current, nil
}
