package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TripStatus string

const (
	StatusRequested  TripStatus = "requested"
	StatusAccepted   TripStatus = "accepted"
	StatusInProgress TripStatus = "in_progress"
	StatusCompleted  TripStatus = "completed"
	StatusCancelled  TripStatus = "cancelled"
)

var allowedTransitions = map[TripStatus][]TripStatus{
	StatusRequested:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

// ParseStatus validates a wire value against the closed status enumeration.
func ParseStatus(v string) (TripStatus, bool) {
	switch s := TripStatus(v); s {
	case StatusRequested, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return s, true
	}
	return "", false
}

// CanTransitionTo reports whether next is a direct successor of s. Repeating
// the current status is never a legal edge.
func (s TripStatus) CanTransitionTo(next TripStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Route is the routing collaborator's answer for an origin/destination pair.
type Route struct {
	Geometry        []GeoPoint `json:"geometry"`
	DistanceMeters  float64    `json:"distance_meters"`
	DurationSeconds float64    `json:"duration_seconds"`
}

type Trip struct {
	ID              uuid.UUID  `json:"id"`
	PassengerID     uuid.UUID  `json:"passenger_id"`
	DriverID        *uuid.UUID `json:"driver_id"`
	Pickup          GeoPoint   `json:"pickup"`
	Destination     GeoPoint   `json:"destination"`
	Geometry        []GeoPoint `json:"geometry,omitempty"`
	DistanceKm      float64    `json:"distance_km"`
	DurationSeconds float64    `json:"duration_seconds"`
	Fare            float64    `json:"fare"`
	Status          TripStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int64      `json:"version"`
}

// IsParty reports whether actor is the passenger or the assigned driver.
func (t Trip) IsParty(actor uuid.UUID) bool {
	if actor == t.PassengerID {
		return true
	}
	return t.DriverID != nil && *t.DriverID == actor
}

// Clone returns a copy that shares no mutable memory with t.
func (t Trip) Clone() Trip {
	if t.DriverID != nil {
		d := *t.DriverID
		t.DriverID = &d
	}
	if t.Geometry != nil {
		t.Geometry = append([]GeoPoint(nil), t.Geometry...)
	}
	return t
}

type TripEventType string

const (
	EventTripCreated TripEventType = "created"
	EventTripUpdated TripEventType = "updated"
)

// TripEvent carries a full snapshot of the trip after the mutation it reports.
type TripEvent struct {
	Type       TripEventType `json:"type"`
	TripID     uuid.UUID     `json:"trip_id"`
	Trip       Trip          `json:"trip"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// NewTripEvent derives the event for a freshly persisted trip snapshot.
func NewTripEvent(trip Trip) TripEvent {
	typ := EventTripUpdated
	if trip.Version <= 1 {
		typ = EventTripCreated
	}
	return TripEvent{Type: typ, TripID: trip.ID, Trip: trip.Clone(), OccurredAt: trip.UpdatedAt}
}

// TripReader is the read side of the store; sessions and handlers only get this.
type TripReader interface {
	GetTripByID(ctx context.Context, id uuid.UUID) (Trip, error)
}

// Repository is the authoritative trip store. Only the coordinator writes.
type Repository interface {
	TripReader
	CreateTrip(ctx context.Context, trip Trip) (Trip, error)
	// UpdateTrip persists trip if the stored version still equals expectedVersion.
	UpdateTrip(ctx context.Context, trip Trip, expectedVersion int64) (Trip, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type GeoRouter interface {
	ComputeRoute(ctx context.Context, origin, destination GeoPoint) (Route, error)
}

type FareCalculator interface {
	QuoteRoute(distanceKm, durationSeconds float64) (float64, error)
}

// TripLocker serialises writers of a single trip.
type TripLocker interface {
	Lock(ctx context.Context, tripID uuid.UUID) (func(), error)
}

// EventPublisher fans a trip event out to live observers.
type EventPublisher interface {
	Publish(ctx context.Context, event TripEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
