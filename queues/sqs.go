package queues

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
)

const visibilityTimeout = 5 * time.Minute

// SQSJobQueue uses long polling for Receive and DeleteMessage as the ack.
// Retries rely on the visibility timeout; jobs past maxAttempts are dropped
// here and are expected to be caught by the queue's redrive policy first.
type SQSJobQueue struct {
	client      *sqs.Client
	queueUrl    string
	fifo        bool
	maxAttempts int

	logger logging.Logger
}

var _ Leaser = (*SQSJobQueue)(nil)

func NewSQSJobQueue(client *sqs.Client, queueUrl string, maxAttempts int, l logging.Logger) *SQSJobQueue {
	return &SQSJobQueue{
		client:      client,
		queueUrl:    queueUrl,
		fifo:        strings.HasSuffix(queueUrl, ".fifo"),
		maxAttempts: maxAttempts,
		logger:      l,
	}
}

// ResolveQueueUrl looks up the URL of a queue by name.
func ResolveQueueUrl(ctx context.Context, client *sqs.Client, name string) (string, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("resolve queue %s: %w", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

func (q *SQSJobQueue) Enqueue(ctx context.Context, job models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return apperror.Wrap(apperror.ErrInternal, err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueUrl),
		MessageBody: aws.String(string(body)),
	}
	if q.fifo {
		in.MessageGroupId = aws.String(job.UploadID)
		in.MessageDeduplicationId = aws.String(job.ID)
	}

	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return apperror.Wrap(apperror.ErrStorage, fmt.Errorf("send message: %w", err))
	}
	return nil
}

func (q *SQSJobQueue) Receive(ctx context.Context) (*Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueUrl),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20, // long poll
		VisibilityTimeout:   int32(visibilityTimeout / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperror.Wrap(apperror.ErrStorage, err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	msg := out.Messages[0]
	if msg.Body == nil {
		q.deleteMessage(ctx, msg.ReceiptHandle)
		return nil, nil
	}

	var job models.Job
	if err := json.Unmarshal([]byte(*msg.Body), &job); err != nil {
		// poison message
		q.logger.Error("dropping undecodable message", "message_id", aws.ToString(msg.MessageId), "error", err)
		q.deleteMessage(ctx, msg.ReceiptHandle)
		return nil, nil
	}

	count, _ := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])

	return &Delivery{
		Job:           job,
		receiptHandle: aws.ToString(msg.ReceiptHandle),
		receiveCount:  count,
	}, nil
}

func (q *SQSJobQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.deleteMessage(ctx, aws.String(d.receiptHandle))
}

func (q *SQSJobQueue) Retry(ctx context.Context, d *Delivery) error {
	if q.maxAttempts > 0 && d.receiveCount >= q.maxAttempts {
		q.logger.Warn("job attempts exhausted, dropping", "job_id", d.Job.ID, "upload_id", d.Job.UploadID, "receive_count", d.receiveCount)
		return q.deleteMessage(ctx, aws.String(d.receiptHandle))
	}

	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueUrl),
		ReceiptHandle:     aws.String(d.receiptHandle),
		VisibilityTimeout: 0,
	})
	return err
}

func (q *SQSJobQueue) LeaseDuration() time.Duration {
	return visibilityTimeout
}

// ExtendLease restarts the visibility timeout of an in-flight message so a
// long ingest is not redelivered to another worker.
func (q *SQSJobQueue) ExtendLease(ctx context.Context, d *Delivery) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueUrl),
		ReceiptHandle:     aws.String(d.receiptHandle),
		VisibilityTimeout: int32(visibilityTimeout / time.Second),
	})
	return err
}

func (q *SQSJobQueue) deleteMessage(ctx context.Context, receiptHandle *string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueUrl),
		ReceiptHandle: receiptHandle,
	})
	return err
}

func (q *SQSJobQueue) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueUrl),
	})
	return err
}

func (q *SQSJobQueue) Name() string {
	return "JobQueue[sqs]"
}
