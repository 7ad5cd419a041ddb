//go:build integration

package queues

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
)

func setupSQS(t *testing.T) *sqs.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "localstack/localstack:3.0",
			ExposedPorts: []string{"4566/tcp"},
			Env: map[string]string{
				"SERVICES":       "sqs",
				"DEFAULT_REGION": "us-east-1",
			},
			WaitingFor: wait.ForHTTP("/_localstack/health").
				WithPort("4566/tcp").
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4566")
	require.NoError(t, err)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithBaseEndpoint(fmt.Sprintf("http://%s:%s", host, port.Port())),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)
	return sqs.NewFromConfig(cfg)
}

func TestSQSJobQueue_Integration(t *testing.T) {
	client := setupSQS(t)
	ctx := context.Background()

	_, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String("ingest-jobs.fifo"),
		Attributes: map[string]string{
			"FifoQueue": "true",
		},
	})
	require.NoError(t, err)

	url, err := ResolveQueueUrl(ctx, client, "ingest-jobs.fifo")
	require.NoError(t, err)

	q := NewSQSJobQueue(client, url, 2, logging.NewNopLogger())
	require.True(t, q.fifo)
	require.NoError(t, q.IsReady(ctx))

	require.NoError(t, q.Enqueue(ctx, models.Job{Type: models.JobMergeChunks, UploadID: "u1"}))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "u1", d.Job.UploadID)
	require.Equal(t, 1, d.receiveCount)

	require.NoError(t, q.Retry(ctx, d))

	d, err = q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, 2, d.receiveCount)

	// second failure exhausts the attempts
	require.NoError(t, q.Retry(ctx, d))

	out, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	require.NoError(t, err)
	require.Equal(t, "0", out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
}
