package blob

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "blob:"

// RedisStore keeps payloads in Redis under their handle. Keys never expire
// and are written with SETNX, so an existing payload is never replaced.
type RedisStore struct {
	client   goredis.UniversalClient
	maxBytes int
}

func NewRedisStore(client goredis.UniversalClient, maxBytes int) *RedisStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &RedisStore{client: client, maxBytes: maxBytes}
}

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisStore) Put(ctx context.Context, data []byte) (Handle, error) {
	if err := checkPayload(data, r.maxBytes); err != nil {
		return "", err
	}
	h := ComputeHandle(data)
	if err := r.client.SetNX(ctx, redisKeyPrefix+string(h), data, 0).Err(); err != nil {
		return "", fmt.Errorf("%w: redis setnx %s: %v", ErrStoreUnavailable, h, err)
	}
	return h, nil
}

func (r *RedisStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+string(h)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get %s: %v", ErrStoreUnavailable, h, err)
	}
	return data, nil
}
