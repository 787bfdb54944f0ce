package blob

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps payloads in process memory. It backs local development
// and tests; contents do not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	blobs    map[Handle][]byte
	maxBytes int
}

func NewMemoryStore(maxBytes int) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &MemoryStore{
		blobs:    make(map[Handle][]byte),
		maxBytes: maxBytes,
	}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := checkPayload(data, m.maxBytes); err != nil {
		return "", err
	}
	h := ComputeHandle(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[h]; !ok {
		m.blobs[h] = append([]byte(nil), data...)
	}
	return h, nil
}

func (m *MemoryStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of distinct payloads held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
