package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/trip/domain"
	"github.com/example/ridedispatch/internal/trip/lock"
)

const defaultRouteTimeout = 10 * time.Second

var (
	tracer = otel.Tracer("github.com/example/ridedispatch/internal/trip/service")

	// request keys share the trip lock space without colliding with trip ids
	idempotencyNamespace = uuid.MustParse("7d1c3a5e-2f4b-4c8e-9a61-0b5f3e2d9c47")
)

// Service is the trip coordinator: the only writer of trip state. Every write
// for a trip happens under that trip's lock and is followed by exactly one
// publish before the lock is released.
type Service struct {
	repo       domain.Repository
	router     domain.GeoRouter
	fares      domain.FareCalculator
	events     domain.EventPublisher
	sinks      []domain.EventPublisher
	locker     domain.TripLocker
	clock      domain.Clock
	idempotent domain.IdempotencyRepository
	logger     *zap.Logger

	routeTimeout time.Duration
}

// Option customises a Service.
type Option func(*Service)

// WithLocker replaces the default in-process trip lock.
func WithLocker(l domain.TripLocker) Option { return func(s *Service) { s.locker = l } }

// WithClock overrides the wall clock.
func WithClock(c domain.Clock) Option { return func(s *Service) { s.clock = c } }

// WithIdempotency enables Idempotency-Key handling for RequestTrip.
func WithIdempotency(r domain.IdempotencyRepository) Option {
	return func(s *Service) { s.idempotent = r }
}

// WithSink adds a secondary publisher. Sink failures are logged, never
// returned, since the trip is already committed when they run.
func WithSink(p domain.EventPublisher) Option {
	return func(s *Service) { s.sinks = append(s.sinks, p) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithRouteTimeout bounds each routing call; zero keeps only the caller's deadline.
func WithRouteTimeout(d time.Duration) Option { return func(s *Service) { s.routeTimeout = d } }

// New constructs a Service with the required collaborators.
func New(repo domain.Repository, router domain.GeoRouter, fares domain.FareCalculator, events domain.EventPublisher, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		router:       router,
		fares:        fares,
		events:       events,
		locker:       lock.NewMemoryLocker(),
		clock:        domain.SystemClock{},
		logger:       zap.NewNop(),
		routeTimeout: defaultRouteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestTripInput is the payload for a new trip.
type RequestTripInput struct {
	PassengerID uuid.UUID
	Pickup      domain.GeoPoint
	Destination domain.GeoPoint
}

// RequestTrip quotes and persists a new trip in the requested state. Nothing is
// written unless routing and pricing both succeed. A repeated non-empty key
// returns the trip created by the first call.
func (s *Service) RequestTrip(ctx context.Context, key string, in RequestTripInput) (domain.Trip, error) {
	ctx, span := tracer.Start(ctx, "RequestTrip")
	defer span.End()

	trip, err := s.requestTrip(ctx, key, in)
	requestsTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Trip{}, err
	}
	span.SetAttributes(attribute.String("trip.id", trip.ID.String()))
	return trip, nil
}

func (s *Service) requestTrip(ctx context.Context, key string, in RequestTripInput) (domain.Trip, error) {
	if err := validateRequest(in); err != nil {
		return domain.Trip{}, err
	}

	if key == "" || s.idempotent == nil {
		return s.createTrip(ctx, in)
	}

	// keys are only unique per passenger
	scoped := in.PassengerID.String() + ":" + key
	unlock, err := s.locker.Lock(ctx, uuid.NewSHA1(idempotencyNamespace, []byte(scoped)))
	if err != nil {
		return domain.Trip{}, err
	}
	defer unlock()

	if cached, ok, err := s.idempotent.GetResponse(ctx, scoped); err != nil {
		s.logger.Warn("idempotency lookup failed", zap.Error(err))
	} else if ok {
		var trip domain.Trip
		switch err := json.Unmarshal(cached, &trip); {
		case err != nil:
			s.logger.Warn("discarding unreadable idempotent response", zap.String("key", key))
		case trip.PassengerID != in.PassengerID:
			s.logger.Warn("discarding idempotent response of another passenger",
				zap.String("key", key), zap.String("trip_id", trip.ID.String()))
		default:
			return trip, nil
		}
	}

	trip, err := s.createTrip(ctx, in)
	if err != nil {
		return domain.Trip{}, err
	}
	if payload, err := json.Marshal(trip); err == nil {
		if err := s.idempotent.PutResponse(ctx, scoped, payload); err != nil {
			s.logger.Warn("store idempotent response", zap.Error(err))
		}
	}
	return trip, nil
}

func validateRequest(in RequestTripInput) error {
	if in.PassengerID == uuid.Nil {
		return fmt.Errorf("%w: passenger id required", domain.ErrInvalidArgument)
	}
	if err := in.Pickup.Validate(); err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	if err := in.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if in.Pickup == in.Destination {
		return fmt.Errorf("%w: pickup equals destination", domain.ErrInvalidArgument)
	}
	return nil
}

func (s *Service) createTrip(ctx context.Context, in RequestTripInput) (domain.Trip, error) {
	route, err := s.computeRoute(ctx, in.Pickup, in.Destination)
	if err != nil {
		return domain.Trip{}, err
	}

	distanceKm := route.DistanceMeters / 1000
	fare, err := s.fares.QuoteRoute(distanceKm, route.DurationSeconds)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("quote fare: %w", err)
	}

	// a caller that gave up during routing must not leave a trip behind
	if err := ctx.Err(); err != nil {
		return domain.Trip{}, fmt.Errorf("%w: request trip: %w", domain.ErrTimeout, err)
	}

	now := s.clock.Now()
	trip := domain.Trip{
		ID:              uuid.New(),
		PassengerID:     in.PassengerID,
		Pickup:          in.Pickup,
		Destination:     in.Destination,
		Geometry:        route.Geometry,
		DistanceKm:      distanceKm,
		DurationSeconds: route.DurationSeconds,
		Fare:            fare,
		Status:          domain.StatusRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	created, err := s.repo.CreateTrip(ctx, trip)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("create trip: %w", err)
	}

	s.publish(ctx, created)
	s.logger.Info("trip requested",
		zap.String("trip_id", created.ID.String()),
		zap.Float64("distance_km", created.DistanceKm),
		zap.Float64("fare", created.Fare),
	)
	return created, nil
}

func (s *Service) computeRoute(ctx context.Context, origin, destination domain.GeoPoint) (domain.Route, error) {
	ctx, span := tracer.Start(ctx, "ComputeRoute")
	defer span.End()

	routeCtx := ctx
	if s.routeTimeout > 0 {
		var cancel context.CancelFunc
		routeCtx, cancel = context.WithTimeout(ctx, s.routeTimeout)
		defer cancel()
	}

	start := time.Now()
	route, err := s.router.ComputeRoute(routeCtx, origin, destination)
	if err == nil && !(route.DistanceMeters > 0) {
		err = fmt.Errorf("%w: empty route", domain.ErrRouteUnavailable)
	}
	routeDuration.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
	if err == nil {
		return route, nil
	}

	span.RecordError(err)
	if routeCtx.Err() != nil {
		return domain.Route{}, fmt.Errorf("%w: %w: %w", domain.ErrTimeout, domain.ErrRouteUnavailable, err)
	}
	if !errors.Is(err, domain.ErrRouteUnavailable) {
		err = fmt.Errorf("%w: %w", domain.ErrRouteUnavailable, err)
	}
	return domain.Route{}, err
}

// TransitionInput asks for a single edge of the trip state machine.
type TransitionInput struct {
	TripID  uuid.UUID
	ActorID uuid.UUID
	Target  domain.TripStatus
	// DriverID is only meaningful for accepted and defaults to ActorID.
	DriverID *uuid.UUID
}

// Transition moves a trip along one legal edge. The read, validation, write and
// publish all happen under the trip lock, so two racing calls on one trip
// cannot both succeed.
func (s *Service) Transition(ctx context.Context, in TransitionInput) (domain.Trip, error) {
	ctx, span := tracer.Start(ctx, "Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("trip.id", in.TripID.String()),
		attribute.String("trip.target", string(in.Target)),
	)

	trip, err := s.transition(ctx, in)
	transitionsTotal.WithLabelValues(string(in.Target), outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Trip{}, err
	}
	return trip, nil
}

func (s *Service) transition(ctx context.Context, in TransitionInput) (domain.Trip, error) {
	if _, ok := domain.ParseStatus(string(in.Target)); !ok {
		return domain.Trip{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, in.Target)
	}
	if in.ActorID == uuid.Nil {
		return domain.Trip{}, fmt.Errorf("%w: actor id required", domain.ErrUnauthorized)
	}

	unlock, err := s.locker.Lock(ctx, in.TripID)
	if err != nil {
		return domain.Trip{}, err
	}
	defer unlock()

	trip, err := s.repo.GetTripByID(ctx, in.TripID)
	if err != nil {
		return domain.Trip{}, err
	}
	if !trip.Status.CanTransitionTo(in.Target) {
		return domain.Trip{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, trip.Status, in.Target)
	}
	if err := authorize(trip, in); err != nil {
		return domain.Trip{}, err
	}

	expected := trip.Version
	trip.Status = in.Target
	trip.UpdatedAt = s.clock.Now()
	if in.Target == domain.StatusAccepted {
		driverID := in.ActorID
		trip.DriverID = &driverID
	}

	updated, err := s.repo.UpdateTrip(ctx, trip, expected)
	if errors.Is(err, domain.ErrVersionConflict) {
		// another instance wrote without holding our lock
		return domain.Trip{}, fmt.Errorf("%w: %w", domain.ErrInvalidTransition, err)
	}
	if err != nil {
		return domain.Trip{}, fmt.Errorf("update trip: %w", err)
	}

	s.publish(ctx, updated)
	s.logger.Info("trip transitioned",
		zap.String("trip_id", updated.ID.String()),
		zap.String("status", string(updated.Status)),
		zap.Int64("version", updated.Version),
	)
	return updated, nil
}

// authorize checks actor against the trip. Acceptance binds the actor as
// driver; every other edge needs the passenger or the bound driver.
func authorize(trip domain.Trip, in TransitionInput) error {
	if in.Target == domain.StatusAccepted {
		if trip.DriverID != nil {
			return fmt.Errorf("%w: driver already assigned", domain.ErrInvalidTransition)
		}
		if in.DriverID != nil && *in.DriverID != in.ActorID {
			return fmt.Errorf("%w: drivers accept only for themselves", domain.ErrUnauthorized)
		}
		if in.ActorID == trip.PassengerID {
			return fmt.Errorf("%w: passenger cannot accept own trip", domain.ErrUnauthorized)
		}
		return nil
	}
	if !trip.IsParty(in.ActorID) {
		return domain.ErrUnauthorized
	}
	return nil
}

// publish relays a committed snapshot. The primary publisher preserves
// per-trip order because callers hold the trip lock.
func (s *Service) publish(ctx context.Context, trip domain.Trip) {
	event := domain.NewTripEvent(trip)
	// the trip is committed; a caller deadline must not drop its event
	ctx = context.WithoutCancel(ctx)

	if err := s.events.Publish(ctx, event); err != nil {
		publishFailures.WithLabelValues("primary").Inc()
		s.logger.Error("publish trip event", zap.Error(err), zap.String("trip_id", trip.ID.String()))
	}
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			publishFailures.WithLabelValues("sink").Inc()
			s.logger.Warn("sink publish failed", zap.Error(err), zap.String("trip_id", trip.ID.String()))
		}
	}
}

// GetTrip retrieves a trip by identifier.
func (s *Service) GetTrip(ctx context.Context, id uuid.UUID) (domain.Trip, error) {
	return s.repo.GetTripByID(ctx, id)
}

// GetTripByID lets the service act as the read side for sessions and streams.
func (s *Service) GetTripByID(ctx context.Context, id uuid.UUID) (domain.Trip, error) {
	return s.repo.GetTripByID(ctx, id)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, domain.ErrRouteUnavailable):
		return "route_unavailable"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}
