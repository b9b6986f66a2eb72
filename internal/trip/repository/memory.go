package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/trip/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
type MemoryRepository struct {
	mu    sync.RWMutex
	trips map[uuid.UUID]domain.Trip
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{trips: make(map[uuid.UUID]domain.Trip)}
}

// CreateTrip stores the trip and returns it.
func (m *MemoryRepository) CreateTrip(_ context.Context, trip domain.Trip) (domain.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.trips[trip.ID]; exists {
		return domain.Trip{}, fmt.Errorf("trip %s already exists", trip.ID)
	}
	m.trips[trip.ID] = trip.Clone()
	return trip.Clone(), nil
}

// GetTripByID retrieves a trip.
func (m *MemoryRepository) GetTripByID(_ context.Context, id uuid.UUID) (domain.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trip, ok := m.trips[id]
	if !ok {
		return domain.Trip{}, domain.ErrNotFound
	}
	return trip.Clone(), nil
}

// UpdateTrip replaces the stored trip, performing optimistic locking on version.
func (m *MemoryRepository) UpdateTrip(_ context.Context, trip domain.Trip, expectedVersion int64) (domain.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.trips[trip.ID]
	if !ok {
		return domain.Trip{}, domain.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return domain.Trip{}, domain.ErrVersionConflict
	}
	trip.Version = existing.Version + 1
	m.trips[trip.ID] = trip.Clone()
	return trip.Clone(), nil
}

// Len returns the number of stored trips (for tests).
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trips)
}
