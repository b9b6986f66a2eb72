package repository

import (
	"context"
	"sync"
	"time"
)

type idempotentEntry struct {
	payload []byte
	expires time.Time
}

// MemoryIdempotencyRepo stores RequestTrip responses keyed by idempotency key.
type MemoryIdempotencyRepo struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	responses map[string]idempotentEntry
}

// NewMemoryIdempotencyRepo constructs repository. A zero ttl keeps entries forever.
func NewMemoryIdempotencyRepo(ttl time.Duration) *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{ttl: ttl, now: time.Now, responses: make(map[string]idempotentEntry)}
}

// GetResponse retrieves cached response.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.responses[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && m.now().After(entry.expires) {
		delete(m.responses, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.payload...), true, nil
}

// PutResponse stores response payload and drops expired entries, since keys
// are rarely read again once their request has succeeded.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.responses {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(m.responses, k)
		}
	}
	entry := idempotentEntry{payload: append([]byte(nil), payload...)}
	if m.ttl > 0 {
		entry.expires = now.Add(m.ttl)
	}
	m.responses[key] = entry
	return nil
}
