package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/trip/domain"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// MemoryLocker is a keyed mutex: one lock per trip, created on demand and
// dropped once nobody holds or waits for it. Waiting honours ctx.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entry
}

// NewMemoryLocker constructs an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[uuid.UUID]*entry)}
}

// Lock blocks until the trip lock is held or ctx is done.
func (m *MemoryLocker) Lock(ctx context.Context, tripID uuid.UUID) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[tripID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.locks[tripID] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(tripID, e)
		return nil, fmt.Errorf("%w: waiting for trip lock: %w", domain.ErrTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.release(tripID, e)
		})
	}, nil
}

func (m *MemoryLocker) release(tripID uuid.UUID, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, tripID)
	}
}

// Held returns the number of trips with a live lock entry (for tests).
func (m *MemoryLocker) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
