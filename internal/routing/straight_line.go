package routing

import (
	"context"
	"fmt"
	"math"

	"github.com/example/ridedispatch/internal/trip/domain"
)

// StraightLineRouter approximates a road route from the great-circle distance.
// It needs no external service and is used when no maps key is configured.
type StraightLineRouter struct {
	DetourFactor float64
	AvgSpeedKMH  float64
}

// NewStraightLineRouter returns a router with city defaults.
func NewStraightLineRouter() *StraightLineRouter {
	return &StraightLineRouter{DetourFactor: 1.3, AvgSpeedKMH: 30}
}

func (s *StraightLineRouter) ComputeRoute(ctx context.Context, origin, destination domain.GeoPoint) (domain.Route, error) {
	if err := ctx.Err(); err != nil {
		return domain.Route{}, fmt.Errorf("%w: %w", domain.ErrRouteUnavailable, err)
	}
	if err := validatePair(origin, destination); err != nil {
		return domain.Route{}, err
	}
	meters := haversine(origin, destination) * s.DetourFactor
	if meters == 0 {
		return domain.Route{}, fmt.Errorf("%w: origin equals destination", domain.ErrRouteUnavailable)
	}
	metersPerSecond := s.AvgSpeedKMH * 1000.0 / 3600.0
	return domain.Route{
		Geometry:        []domain.GeoPoint{origin, destination},
		DistanceMeters:  math.Round(meters),
		DurationSeconds: math.Round(meters / metersPerSecond),
	}, nil
}

func haversine(a, b domain.GeoPoint) float64 {
	const earthRadius = 6371000.0
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadius * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
