package queues

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/health"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/metrics"
	"github.com/Yulian302/lfusys-services-ingest/models"
)

// JobQueue accepts background jobs. Delivery is at-least-once.
type JobQueue interface {
	Enqueue(ctx context.Context, job models.Job) error
}

// Delivery is a job handed to a worker together with what the broker needs
// to acknowledge it.
type Delivery struct {
	Job models.Job

	payload       string
	receiptHandle string
	receiveCount  int
}

// Broker is a JobQueue a Consumer can pull from.
type Broker interface {
	JobQueue
	health.ReadinessCheck

	// Receive blocks for a bounded time and returns nil when no job arrived.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Retry makes the job visible again, or dead-letters it once its
	// attempts are used up.
	Retry(ctx context.Context, d *Delivery) error
}

// Leaser is implemented by brokers whose deliveries become visible to other
// workers again once a lease expires. The consumer renews the lease every
// half period while the handler runs.
type Leaser interface {
	LeaseDuration() time.Duration
	ExtendLease(ctx context.Context, d *Delivery) error
}

// Handler processes one job. A nil error acknowledges it.
type Handler func(ctx context.Context, job models.Job) error

// Consumer runs a fixed pool of workers pulling from a Broker.
type Consumer struct {
	broker      Broker
	handler     Handler
	concurrency int

	logger  logging.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(
	parent context.Context,
	broker Broker,
	handler Handler,
	concurrency int,
	l logging.Logger,
	m *metrics.Metrics,
) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(parent)

	return &Consumer{
		broker:      broker,
		handler:     handler,
		concurrency: concurrency,
		logger:      l,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *Consumer) Start() {
	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			c.pollLoop(worker)
		}(i)
	}
	c.logger.Info("job consumer started", "workers", c.concurrency)
}

func (c *Consumer) pollLoop(worker int) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		d, err := c.broker.Receive(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("receive job failed", "worker", worker, "error", err)
			sleepCtx(c.ctx, time.Second)
			continue
		}
		if d == nil {
			continue
		}

		c.process(d)
	}
}

func (c *Consumer) process(d *Delivery) {
	log := c.logger.With("job_id", d.Job.ID, "upload_id", d.Job.UploadID, "job_type", d.Job.Type)

	// the job runs to completion even if shutdown starts meanwhile
	ctx := context.WithoutCancel(c.ctx)

	stopLease := c.keepLease(ctx, log, d)
	err := c.safeHandle(ctx, d.Job)
	stopLease()

	if err == nil {
		if ackErr := c.broker.Ack(ctx, d); ackErr != nil {
			log.Error("ack failed", "error", ackErr)
		}
		c.metrics.JobProcessed("acked")
		return
	}

	log.Warn("job failed, scheduling retry", "error", err)
	if retryErr := c.broker.Retry(ctx, d); retryErr != nil {
		log.Error("retry failed", "error", retryErr)
	}
	c.metrics.JobProcessed("retried")
}

func (c *Consumer) keepLease(ctx context.Context, log logging.Logger, d *Delivery) func() {
	leaser, ok := c.broker.(Leaser)
	if !ok || leaser.LeaseDuration() <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(leaser.LeaseDuration() / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := leaser.ExtendLease(ctx, d); err != nil && ctx.Err() == nil {
					log.Warn("failed to extend job lease", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (c *Consumer) safeHandle(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job handler panic: %v", p)
		}
	}()
	return c.handler(ctx, job)
}

func (c *Consumer) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
