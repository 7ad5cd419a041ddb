package queues

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
)

func newTestQueue(t *testing.T, maxAttempts int) (*RedisJobQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := NewRedisJobQueue(client, "ingest:jobs", maxAttempts, logging.NewNopLogger())
	q.blockTimeout = 100 * time.Millisecond
	return q, mr
}

func listLen(t *testing.T, mr *miniredis.Miniredis, key string) int {
	t.Helper()
	if !mr.Exists(key) {
		return 0
	}
	items, err := mr.List(key)
	require.NoError(t, err)
	return len(items)
}

func TestRedisJobQueue_EnqueueReceiveAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 3)

	require.NoError(t, q.Enqueue(ctx, models.Job{Type: models.JobMergeChunks, UploadID: "u1"}))
	require.NoError(t, q.Enqueue(ctx, models.Job{Type: models.JobMergeChunks, UploadID: "u2"}))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "u1", d.Job.UploadID)
	require.NotEmpty(t, d.Job.ID)
	require.Equal(t, 1, listLen(t, mr, q.processingKey))

	require.NoError(t, q.Ack(ctx, d))
	require.Equal(t, 0, listLen(t, mr, q.processingKey))
	require.Equal(t, 1, listLen(t, mr, q.queueKey))
}

func TestRedisJobQueue_ReceiveEmpty(t *testing.T) {
	q, _ := newTestQueue(t, 3)

	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestRedisJobQueue_RetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 2)

	require.NoError(t, q.Enqueue(ctx, models.Job{Type: models.JobMergeChunks, UploadID: "u1"}))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, d))
	require.Equal(t, 1, listLen(t, mr, q.queueKey))
	require.Equal(t, 0, listLen(t, mr, q.processingKey))

	d, err = q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, d.Job.Attempt)
	require.NoError(t, q.Retry(ctx, d))

	require.Equal(t, 0, listLen(t, mr, q.queueKey))
	require.Equal(t, 0, listLen(t, mr, q.processingKey))
	require.Equal(t, 1, listLen(t, mr, q.deadKey))
}

func TestRedisJobQueue_PoisonMessage(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 3)

	_, err := mr.Lpush(q.queueKey, "{not json")
	require.NoError(t, err)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Nil(t, d)
	require.Equal(t, 1, listLen(t, mr, q.deadKey))
	require.Equal(t, 0, listLen(t, mr, q.processingKey))
}

func TestRedisJobQueue_RequeueInFlight(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 3)

	payload, err := json.Marshal(models.Job{ID: "j1", Type: models.JobMergeChunks, UploadID: "u1"})
	require.NoError(t, err)
	_, err = mr.Lpush(q.processingKey, string(payload))
	require.NoError(t, err)

	n, err := q.RequeueInFlight(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", d.Job.ID)
}

func TestConsumer_ProcessesAndRetries(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 3)

	var (
		mu       sync.Mutex
		handled  []string
		failOnce atomic.Bool
	)
	failOnce.Store(true)

	handler := func(_ context.Context, job models.Job) error {
		if job.UploadID == "flaky" && failOnce.CompareAndSwap(true, false) {
			return errors.New("transient")
		}
		mu.Lock()
		handled = append(handled, job.UploadID)
		mu.Unlock()
		return nil
	}

	c := NewConsumer(ctx, q, handler, 2, logging.NewNopLogger(), nil)
	c.Start()

	require.NoError(t, q.Enqueue(ctx, models.Job{Type: models.JobMergeChunks, UploadID: "stable"}))
	require.NoError(t, q.Enqueue(ctx, models.Job{Type: models.JobMergeChunks, UploadID: "flaky"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2
	}, 5*time.Second, 20*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(shutdownCtx))

	require.ElementsMatch(t, []string{"stable", "flaky"}, handled)
	require.Equal(t, 0, listLen(t, mr, q.processingKey))
	require.Equal(t, 0, listLen(t, mr, q.deadKey))
}

func TestConsumer_RecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 1)

	var calls atomic.Int32
	c := NewConsumer(ctx, q, func(context.Context, models.Job) error {
		calls.Add(1)
		panic("boom")
	}, 1, logging.NewNopLogger(), nil)
	c.Start()

	require.NoError(t, q.Enqueue(ctx, models.Job{Type: models.JobMergeChunks, UploadID: "u1"}))

	require.Eventually(t, func() bool {
		return listLen(t, mr, q.deadKey) == 1
	}, 5*time.Second, 20*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(shutdownCtx))
	require.Equal(t, int32(1), calls.Load())
}

type leasingBroker struct {
	*RedisJobQueue
	extended atomic.Int32
}

func (b *leasingBroker) LeaseDuration() time.Duration { return 20 * time.Millisecond }

func (b *leasingBroker) ExtendLease(context.Context, *Delivery) error {
	b.extended.Add(1)
	return nil
}

func TestConsumer_ExtendsLeaseWhileHandling(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 3)
	b := &leasingBroker{RedisJobQueue: q}

	var done atomic.Bool
	c := NewConsumer(ctx, b, func(context.Context, models.Job) error {
		time.Sleep(150 * time.Millisecond)
		done.Store(true)
		return nil
	}, 1, logging.NewNopLogger(), nil)
	c.Start()

	require.NoError(t, q.Enqueue(ctx, models.Job{Type: models.JobMergeChunks, UploadID: "slow"}))
	require.Eventually(t, done.Load, 5*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(shutdownCtx))

	// renewals stop with the handler
	n := b.extended.Load()
	require.GreaterOrEqual(t, n, int32(3))
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, n, b.extended.Load())
}
