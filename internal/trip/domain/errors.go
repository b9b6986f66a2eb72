package domain

import (
	"errors"
	"math"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrRouteUnavailable  = errors.New("route unavailable")
	ErrInvalidTransition = errors.New("invalid trip state transition")
	ErrNotFound          = errors.New("trip not found")
	ErrUnauthorized      = errors.New("actor not party to trip")
	ErrTimeout           = errors.New("deadline exceeded")

	// ErrVersionConflict is returned by a Repository when a conditional update
	// finds the stored version moved on.
	ErrVersionConflict = errors.New("trip version conflict")
)

// Validate checks that p is a finite coordinate on the globe.
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return ErrInvalidArgument
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrInvalidArgument
	}
	return nil
}
