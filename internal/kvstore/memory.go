package kvstore

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// Expiry is checked lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// SetClock overrides the store's clock. Test helper.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (s *MemoryStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveLocked(key)
	delete(s.entries, key)
	return ok, nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected, replacement []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(key)
	if !ok || !bytes.Equal(entry.value, expected) {
		return false, nil
	}
	entry.value = append([]byte(nil), replacement...)
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryStore) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(key)
	if !ok {
		return 0, ErrNotFound
	}
	if entry.expiresAt.IsZero() {
		return 0, ErrNotFound
	}
	return entry.expiresAt.Sub(s.now()), nil
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) liveLocked(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}
