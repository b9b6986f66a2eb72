package routing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/trip/domain"
)

const (
	defaultCachePrefix    = "route:"
	defaultCachePrecision = 8
)

// CachedRouter memoises routes in Redis keyed by the geohash cells of both
// endpoints. Cache failures are logged and never fail the lookup.
type CachedRouter struct {
	next      domain.GeoRouter
	client    redis.Cmdable
	ttl       time.Duration
	precision uint
	logger    *zap.Logger
}

// NewCachedRouter wraps next with a Redis-backed cache.
func NewCachedRouter(next domain.GeoRouter, client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *CachedRouter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedRouter{next: next, client: client, ttl: ttl, precision: defaultCachePrecision, logger: logger}
}

func (c *CachedRouter) ComputeRoute(ctx context.Context, origin, destination domain.GeoPoint) (domain.Route, error) {
	if err := validatePair(origin, destination); err != nil {
		return domain.Route{}, err
	}
	key := c.key(origin, destination)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var route domain.Route
		if err := json.Unmarshal(raw, &route); err == nil {
			return route, nil
		}
		c.logger.Warn("discarding corrupt cached route", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("route cache read failed", zap.Error(err))
	}

	route, err := c.next.ComputeRoute(ctx, origin, destination)
	if err != nil {
		return domain.Route{}, err
	}
	if payload, err := json.Marshal(route); err == nil {
		if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("route cache write failed", zap.Error(err))
		}
	}
	return route, nil
}

func (c *CachedRouter) key(origin, destination domain.GeoPoint) string {
	return defaultCachePrefix +
		geohash.EncodeWithPrecision(origin.Lat, origin.Lng, c.precision) + ":" +
		geohash.EncodeWithPrecision(destination.Lat, destination.Lng, c.precision)
}
