package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"googlemaps.github.io/maps"

	"github.com/example/ridedispatch/internal/trip/domain"
)

// GoogleRouter computes driving routes with the Google Directions API.
type GoogleRouter struct {
	client *maps.Client
}

// NewGoogleRouter builds a router for the given API key. Extra options (such as
// maps.WithBaseURL) are passed through to the maps client.
func NewGoogleRouter(apiKey string, opts ...maps.ClientOption) (*GoogleRouter, error) {
	if apiKey == "" {
		return nil, errors.New("google maps api key is empty")
	}
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GoogleRouter{client: client}, nil
}

// ComputeRoute returns the first suggested route. Every failure, including an
// empty result, is reported as domain.ErrRouteUnavailable.
func (g *GoogleRouter) ComputeRoute(ctx context.Context, origin, destination domain.GeoPoint) (domain.Route, error) {
	if err := validatePair(origin, destination); err != nil {
		return domain.Route{}, err
	}
	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      formatLatLng(origin),
		Destination: formatLatLng(destination),
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return domain.Route{}, fmt.Errorf("%w: directions: %w", domain.ErrRouteUnavailable, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return domain.Route{}, fmt.Errorf("%w: no route found", domain.ErrRouteUnavailable)
	}

	best := routes[0]
	var route domain.Route
	for _, leg := range best.Legs {
		route.DistanceMeters += float64(leg.Distance.Meters)
		route.DurationSeconds += leg.Duration.Seconds()
	}
	path, err := best.OverviewPolyline.Decode()
	if err != nil {
		return domain.Route{}, fmt.Errorf("%w: decode polyline: %w", domain.ErrRouteUnavailable, err)
	}
	route.Geometry = make([]domain.GeoPoint, 0, len(path))
	for _, p := range path {
		route.Geometry = append(route.Geometry, domain.GeoPoint{Lat: p.Lat, Lng: p.Lng})
	}
	return route, nil
}

func formatLatLng(p domain.GeoPoint) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

func validatePair(origin, destination domain.GeoPoint) error {
	if origin.Validate() != nil || destination.Validate() != nil {
		return fmt.Errorf("%w: malformed coordinates", domain.ErrRouteUnavailable)
	}
	return nil
}
