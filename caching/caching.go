// Package caching stores rendered read models (catalog listing pages) under
// a hash key so that a whole family of entries can be dropped at once.
package caching

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the field is not cached.
var ErrCacheMiss = errors.New("cache miss")

type CachingService interface {
	Get(ctx context.Context, key, field string) ([]byte, error)
	Set(ctx context.Context, key, field string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type RedisCachingService struct {
	client *redis.Client
}

func NewRedisCachingService(client *redis.Client) *RedisCachingService {
	return &RedisCachingService{client: client}
}

func (c *RedisCachingService) Get(ctx context.Context, key, field string) ([]byte, error) {
	val, err := c.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores field under key. The ttl applies to the whole hash and is
// refreshed on every write.
func (c *RedisCachingService) Set(ctx context.Context, key, field string, value []byte, ttl time.Duration) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field, value)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (c *RedisCachingService) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// NullCachingService never caches anything.
type NullCachingService struct{}

func NewNullCachingService() *NullCachingService {
	return &NullCachingService{}
}

func (NullCachingService) Get(context.Context, string, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

func (NullCachingService) Set(context.Context, string, string, []byte, time.Duration) error {
	return nil
}

func (NullCachingService) Delete(context.Context, string) error {
	return nil
}
