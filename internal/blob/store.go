// Package blob is the write-once content store. Payloads are addressed by a
// Merkle root of their bytes; there is no update or delete.
package blob

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrStoreUnavailable = errors.New("content store unavailable")
	ErrWriteRejected    = errors.New("content store rejected write")
	ErrNotFound         = errors.New("content not found")
	ErrCorrupt          = errors.New("content unreadable") // stored but cannot be opened
)

// DefaultMaxBytes is the payload ceiling applied when none is configured.
const DefaultMaxBytes = 25 << 20

// Handle is the content address of a stored payload.
type Handle string

func (h Handle) String() string { return string(h) }

// Store is the contract the session engine relies on.
type Store interface {
	Put(ctx context.Context, data []byte) (Handle, error)
	Get(ctx context.Context, h Handle) ([]byte, error)
}

func checkPayload(data []byte, maxBytes int) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrWriteRejected)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrWriteRejected, len(data), maxBytes)
	}
	return nil
}
