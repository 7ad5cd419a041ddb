package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/retries"
)

// DynamoDBSessionStore keeps one item per session. Writes are conditional on
// the version attribute read in the same attempt.
type DynamoDBSessionStore struct {
	client    *dynamodb.Client
	tableName string
	now       func() time.Time
}

func NewDynamoDBSessionStore(client *dynamodb.Client, tableName string) *DynamoDBSessionStore {
	return &DynamoDBSessionStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (s *DynamoDBSessionStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})

			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoDBSessionStore) Name() string {
	return "SessionStore[dynamodb]"
}

func (s *DynamoDBSessionStore) CreateSession(ctx context.Context, session *models.UploadSession) error {
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return apperror.Wrap(apperror.ErrInternal, err)
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return apperror.Wrap(apperror.ErrStorage, err)
	}
	return nil
}

func (s *DynamoDBSessionStore) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	var session *models.UploadSession

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			var err error
			session, err = s.get(ctx, uploadID)
			return err
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		if errors.Is(err, apperror.ErrSessionNotFound) {
			return nil, err
		}
		return nil, apperror.Wrap(apperror.ErrStorage, err)
	}
	return session, nil
}

func (s *DynamoDBSessionStore) get(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"upload_id": &types.AttributeValueMemberS{
				Value: uploadID,
			},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}

	if out.Item == nil {
		return nil, apperror.ErrSessionNotFound
	}

	var session models.UploadSession
	if err := attributevalue.UnmarshalMap(out.Item, &session); err != nil {
		return nil, apperror.Wrap(apperror.ErrInternal, err)
	}
	return &session, nil
}

func (s *DynamoDBSessionStore) CompareAndSwap(ctx context.Context, uploadID string, mutate Mutation) (TxResult, *models.UploadSession, error) {
	current, err := s.get(ctx, uploadID)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		return TxSkipped, nil, err
	}
	if err != nil {
		return TxFailure, nil, apperror.Wrap(apperror.ErrStorage, err)
	}

	next := current.Clone()
	changed, err := mutate(next)
	if err != nil {
		return TxSkipped, nil, err
	}
	if !changed {
		return TxSkipped, current, nil
	}

	next.Version = current.Version + 1
	next.UpdatedAt = s.now()

	item, err := attributevalue.MarshalMap(next)
	if err != nil {
		return TxFailure, nil, apperror.Wrap(apperror.ErrInternal, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("#v = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#v": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
		},
	})

	var condErr *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &condErr):
		return TxConflict, nil, nil
	case err != nil:
		return TxFailure, nil, apperror.Wrap(apperror.ErrStorage, err)
	}
	return TxCommitted, next, nil
}
