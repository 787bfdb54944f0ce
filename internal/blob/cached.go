package blob

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CachedStore keeps recently used payloads in an LRU in front of a slower
// Store. Payloads are immutable under their handle so entries never go stale.
// Concurrent misses for the same handle share one fetch.
type CachedStore struct {
	inner Store
	cache *lru.Cache[Handle, []byte]
	group singleflight.Group
}

func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[Handle, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob cache: %w", err)
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

func (c *CachedStore) Put(ctx context.Context, data []byte) (Handle, error) {
	h, err := c.inner.Put(ctx, data)
	if err != nil {
		return "", err
	}
	c.cache.Add(h, append([]byte(nil), data...))
	return h, nil
}

func (c *CachedStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	if data, ok := c.cache.Get(h); ok {
		return append([]byte(nil), data...), nil
	}
	// The shared fetch outlives any single caller; each caller still stops
	// waiting when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(h), func() (interface{}, error) {
		data, err := c.inner.Get(fetchCtx, h)
		if err != nil {
			return nil, err
		}
		c.cache.Add(h, data)
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]byte(nil), res.Val.([]byte)...), nil
	}
}

// Len returns the number of cached payloads.
func (c *CachedStore) Len() int {
	return c.cache.Len()
}
