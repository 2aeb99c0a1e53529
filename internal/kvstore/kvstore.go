package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals a missing or expired key.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the ephemeral keyed store the trust core runs on. Implementations
// must provide TTL eviction, read-your-writes consistency within a single
// process, and atomic conditional writes. SetIfAbsent and CompareAndSwap are
// the only primitives single-use guarantees may rely on; get-then-set is
// not sufficient under concurrent access.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// SetWithTTL writes value with the given TTL, replacing any prior value.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// SetIfAbsent writes value only when key does not exist, reporting
	// whether the write won.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value at key only when the current value
	// equals expected, preserving the key's remaining TTL. It reports
	// whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, expected, replacement []byte) (bool, error)
	// RemainingTTL returns the time until key expires, or ErrNotFound.
	RemainingTTL(ctx context.Context, key string) (time.Duration, error)
}
