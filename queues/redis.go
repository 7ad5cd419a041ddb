package queues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
)

const defaultBlockTimeout = 2 * time.Second

// RedisJobQueue is a reliable list queue. Received jobs move atomically to a
// processing list and leave it on ack, retry or dead-lettering.
type RedisJobQueue struct {
	client        *redis.Client
	queueKey      string
	processingKey string
	deadKey       string
	maxAttempts   int
	blockTimeout  time.Duration

	logger logging.Logger
}

func NewRedisJobQueue(client *redis.Client, queueKey string, maxAttempts int, l logging.Logger) *RedisJobQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RedisJobQueue{
		client:        client,
		queueKey:      queueKey,
		processingKey: queueKey + ":processing",
		deadKey:       queueKey + ":dead",
		maxAttempts:   maxAttempts,
		blockTimeout:  defaultBlockTimeout,
		logger:        l,
	}
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, job models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return apperror.Wrap(apperror.ErrInternal, err)
	}

	if err := q.client.LPush(ctx, q.queueKey, payload).Err(); err != nil {
		return apperror.Wrap(apperror.ErrStorage, fmt.Errorf("enqueue job: %w", err))
	}
	return nil
}

func (q *RedisJobQueue) Receive(ctx context.Context) (*Delivery, error) {
	payload, err := q.client.BLMove(ctx, q.queueKey, q.processingKey, "RIGHT", "LEFT", q.blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperror.Wrap(apperror.ErrStorage, err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		q.logger.Error("poison job moved to dead letter list", "error", err)
		if dlErr := q.moveToDead(ctx, payload, payload); dlErr != nil {
			return nil, dlErr
		}
		return nil, nil
	}

	return &Delivery{Job: job, payload: payload}, nil
}

func (q *RedisJobQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.client.LRem(ctx, q.processingKey, 1, d.payload).Err()
}

func (q *RedisJobQueue) Retry(ctx context.Context, d *Delivery) error {
	job := d.Job
	job.Attempt++

	payload, err := json.Marshal(job)
	if err != nil {
		return apperror.Wrap(apperror.ErrInternal, err)
	}

	if job.Attempt >= q.maxAttempts {
		q.logger.Warn("job attempts exhausted, dead-lettering", "job_id", job.ID, "upload_id", job.UploadID, "attempts", job.Attempt)
		return q.moveToDead(ctx, d.payload, string(payload))
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, d.payload)
		pipe.LPush(ctx, q.queueKey, payload)
		return nil
	})
	return err
}

func (q *RedisJobQueue) moveToDead(ctx context.Context, processingPayload, deadPayload string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, processingPayload)
		pipe.LPush(ctx, q.deadKey, deadPayload)
		return nil
	})
	return err
}

// RequeueInFlight moves jobs left in the processing list by a crashed worker
// back to the queue. It must run before any consumer of the same queue
// starts.
func (q *RedisJobQueue) RequeueInFlight(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processingKey, q.queueKey, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, apperror.Wrap(apperror.ErrStorage, err)
		}
		n++
	}
	if n > 0 {
		q.logger.Info("requeued in-flight jobs", "count", n)
	}
	return n, nil
}

func (q *RedisJobQueue) IsReady(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisJobQueue) Name() string {
	return "JobQueue[redis]"
}
