package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
)

// S3ChunkStore keeps chunks as uploads/<uploadID>/chunk_<index>.
type S3ChunkStore struct {
	client     *s3.Client
	bucketName string

	logger logging.Logger
}

func NewS3ChunkStore(client *s3.Client, bucketName string, l logging.Logger) *S3ChunkStore {
	return &S3ChunkStore{
		client:     client,
		bucketName: bucketName,
		logger:     l,
	}
}

func chunkPrefix(uploadID string) string {
	return fmt.Sprintf("uploads/%s/", uploadID)
}

func chunkKey(uploadID string, index int) string {
	return fmt.Sprintf("uploads/%s/chunk_%d", uploadID, index)
}

func (s *S3ChunkStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	return err
}

func (s *S3ChunkStore) Name() string {
	return "ChunkStore[s3]"
}

func (s *S3ChunkStore) PutChunk(ctx context.Context, uploadID string, index int, payload io.Reader) error {
	if uploadID == "" {
		return apperror.Validation("upload id cannot be empty")
	}
	if index < 0 {
		return apperror.Validation("chunk index must be non-negative, got %d", index)
	}

	key := chunkKey(uploadID, index)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   payload,
	})
	if err != nil {
		s.logger.Error("failed to put chunk", "upload_id", uploadID, "key", key, "error", err)
		return apperror.Wrap(apperror.ErrStorage, fmt.Errorf("put chunk %d: %w", index, err))
	}

	s.logger.Debug("chunk stored", "upload_id", uploadID, "key", key)
	return nil
}

func (s *S3ChunkStore) ListChunks(ctx context.Context, uploadID string) ([]ChunkRef, error) {
	prefix := chunkPrefix(uploadID)
	s.logger.Debug("listing chunks", "prefix", prefix)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	var chunks []ChunkRef
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects", "prefix", prefix, "error", err)
			return nil, apperror.Wrap(apperror.ErrStorage, fmt.Errorf("list chunks: %w", err))
		}

		for _, obj := range page.Contents {
			idx, ok := extractChunkIndex(aws.ToString(obj.Key))
			if !ok {
				s.logger.Warn("ignoring unexpected object under chunk prefix", "key", aws.ToString(obj.Key))
				continue
			}
			chunks = append(chunks, ChunkRef{Index: idx, Size: aws.ToInt64(obj.Size)})
		}
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Index < chunks[j].Index
	})

	s.logger.Debug("listed chunks", "prefix", prefix, "count", len(chunks))
	return chunks, nil
}

func extractChunkIndex(key string) (int, bool) {
	// key example: uploads/{uploadId}/chunk_3
	_, suffix, found := strings.Cut(key, "chunk_")
	if !found {
		return 0, false
	}
	i, err := strconv.Atoi(suffix)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

func (s *S3ChunkStore) OpenChunk(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	key := chunkKey(uploadID, index)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, apperror.Wrap(apperror.ErrNoChunksFound, fmt.Errorf("chunk %s: %w", key, err))
		}
		s.logger.Error("failed to get chunk object", "key", key, "error", err)
		return nil, apperror.Wrap(apperror.ErrStorage, fmt.Errorf("get chunk %s: %w", key, err))
	}
	return out.Body, nil
}

func (s *S3ChunkStore) DeleteChunks(ctx context.Context, uploadID string) error {
	return s.deletePrefix(ctx, chunkPrefix(uploadID))
}

func (s *S3ChunkStore) deletePrefix(ctx context.Context, prefix string) error {
	s.logger.Info("starting deletion of prefix", "prefix", prefix)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	totalDeleted := 0
	for paginator.HasMorePages() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects for deletion", "prefix", prefix, "error", err)
			return apperror.Wrap(apperror.ErrStorage, fmt.Errorf("list objects for deletion: %w", err))
		}

		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucketName),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			s.logger.Error("failed to delete objects", "prefix", prefix, "batch_size", len(objects), "error", err)
			return apperror.Wrap(apperror.ErrStorage, fmt.Errorf("delete objects: %w", err))
		}

		totalDeleted += len(objects)
	}

	s.logger.Info("deleted prefix", "prefix", prefix, "total_deleted", totalDeleted)
	return nil
}
