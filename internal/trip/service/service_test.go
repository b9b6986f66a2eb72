package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridedispatch/internal/fare"
	"github.com/example/ridedispatch/internal/trip/domain"
	"github.com/example/ridedispatch/internal/trip/lock"
	"github.com/example/ridedispatch/internal/trip/repository"
	"github.com/example/ridedispatch/internal/trip/service"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.TripEvent
	err    error
}

func (s *stubPublisher) Publish(_ context.Context, event domain.TripEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *stubPublisher) Events() []domain.TripEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TripEvent(nil), s.events...)
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type stubRouter struct {
	route domain.Route
	err   error
	block bool
	calls atomic.Int32
}

func (s *stubRouter) ComputeRoute(ctx context.Context, _, _ domain.GeoPoint) (domain.Route, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return domain.Route{}, ctx.Err()
	}
	return s.route, s.err
}

var (
	pickup      = domain.GeoPoint{Lat: -27.45, Lng: -58.98}
	destination = domain.GeoPoint{Lat: -27.46, Lng: -58.99}
)

type fixture struct {
	repo      *repository.MemoryRepository
	router    *stubRouter
	publisher *stubPublisher
	svc       *service.Service
}

func newFixture(t *testing.T, opts ...service.Option) *fixture {
	t.Helper()
	calc, err := fare.NewCalculator(fare.Rates{BaseFare: 200, PerKmRate: 500})
	require.NoError(t, err)
	f := &fixture{
		repo: repository.NewMemoryRepository(),
		router: &stubRouter{route: domain.Route{
			Geometry:        []domain.GeoPoint{pickup, destination},
			DistanceMeters:  5000,
			DurationSeconds: 600,
		}},
		publisher: &stubPublisher{},
	}
	opts = append([]service.Option{service.WithClock(stubClock{t: time.Unix(1700000000, 0).UTC()})}, opts...)
	f.svc = service.New(f.repo, f.router, calc, f.publisher, opts...)
	return f
}

func (f *fixture) request(t *testing.T) domain.Trip {
	t.Helper()
	trip, err := f.svc.RequestTrip(context.Background(), "", service.RequestTripInput{
		PassengerID: uuid.New(),
		Pickup:      pickup,
		Destination: destination,
	})
	require.NoError(t, err)
	return trip
}

func (f *fixture) stored(t *testing.T, id uuid.UUID) domain.Trip {
	t.Helper()
	trip, err := f.repo.GetTripByID(context.Background(), id)
	require.NoError(t, err)
	return trip
}

func TestRequestTripQuotesFare(t *testing.T) {
	f := newFixture(t)
	trip := f.request(t)

	require.Equal(t, 5.0, trip.DistanceKm)
	require.Equal(t, 2700.0, trip.Fare)
	require.Equal(t, domain.StatusRequested, trip.Status)
	require.Nil(t, trip.DriverID)
	require.Equal(t, int64(1), trip.Version)
	require.Len(t, trip.Geometry, 2)
	require.Equal(t, 1, f.repo.Len())

	events := f.publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, domain.EventTripCreated, events[0].Type)
	require.Equal(t, trip, events[0].Trip)
}

func TestRequestTripRouteFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.router.err = errors.New("upstream 503")

	_, err := f.svc.RequestTrip(context.Background(), "", service.RequestTripInput{
		PassengerID: uuid.New(), Pickup: pickup, Destination: destination,
	})
	require.ErrorIs(t, err, domain.ErrRouteUnavailable)
	require.Zero(t, f.repo.Len())
	require.Empty(t, f.publisher.Events())
}

func TestRequestTripEmptyRouteIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.router.route = domain.Route{}

	_, err := f.svc.RequestTrip(context.Background(), "", service.RequestTripInput{
		PassengerID: uuid.New(), Pickup: pickup, Destination: destination,
	})
	require.ErrorIs(t, err, domain.ErrRouteUnavailable)
	require.Zero(t, f.repo.Len())
}

func TestRequestTripRejectsInvalidInput(t *testing.T) {
	cases := map[string]service.RequestTripInput{
		"identical points":   {PassengerID: uuid.New(), Pickup: pickup, Destination: pickup},
		"latitude range":     {PassengerID: uuid.New(), Pickup: domain.GeoPoint{Lat: 91}, Destination: destination},
		"longitude NaN":      {PassengerID: uuid.New(), Pickup: pickup, Destination: domain.GeoPoint{Lng: math.NaN()}},
		"missing passenger":  {Pickup: pickup, Destination: destination},
		"infinite longitude": {PassengerID: uuid.New(), Pickup: domain.GeoPoint{Lng: math.Inf(1)}, Destination: destination},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.RequestTrip(context.Background(), "", in)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
			require.Zero(t, f.router.calls.Load())
			require.Zero(t, f.repo.Len())
			require.Empty(t, f.publisher.Events())
		})
	}
}

func TestRequestTripTimeoutLeavesNoTrip(t *testing.T) {
	f := newFixture(t)
	f.router.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.svc.RequestTrip(ctx, "", service.RequestTripInput{
		PassengerID: uuid.New(), Pickup: pickup, Destination: destination,
	})
	require.ErrorIs(t, err, domain.ErrTimeout)
	require.ErrorIs(t, err, domain.ErrRouteUnavailable)
	require.Zero(t, f.repo.Len())
	require.Empty(t, f.publisher.Events())
}

func TestRequestTripRouteTimeoutOption(t *testing.T) {
	f := newFixture(t, service.WithRouteTimeout(10*time.Millisecond))
	f.router.block = true

	_, err := f.svc.RequestTrip(context.Background(), "", service.RequestTripInput{
		PassengerID: uuid.New(), Pickup: pickup, Destination: destination,
	})
	require.ErrorIs(t, err, domain.ErrTimeout)
	require.Zero(t, f.repo.Len())
}

func TestRequestTripIdempotencyKey(t *testing.T) {
	f := newFixture(t, service.WithIdempotency(repository.NewMemoryIdempotencyRepo(time.Minute)))
	in := service.RequestTripInput{PassengerID: uuid.New(), Pickup: pickup, Destination: destination}

	first, err := f.svc.RequestTrip(context.Background(), "key-1", in)
	require.NoError(t, err)
	again, err := f.svc.RequestTrip(context.Background(), "key-1", in)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 1, f.repo.Len())
	require.Len(t, f.publisher.Events(), 1)

	other, err := f.svc.RequestTrip(context.Background(), "key-2", in)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
	require.Equal(t, 2, f.repo.Len())
}

func TestIdempotencyKeyScopedToPassenger(t *testing.T) {
	f := newFixture(t, service.WithIdempotency(repository.NewMemoryIdempotencyRepo(time.Minute)))
	alice := service.RequestTripInput{PassengerID: uuid.New(), Pickup: pickup, Destination: destination}
	bob := service.RequestTripInput{PassengerID: uuid.New(), Pickup: destination, Destination: pickup}

	first, err := f.svc.RequestTrip(context.Background(), "k1", alice)
	require.NoError(t, err)
	second, err := f.svc.RequestTrip(context.Background(), "k1", bob)
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, alice.PassengerID, first.PassengerID)
	require.Equal(t, bob.PassengerID, second.PassengerID)
	require.Equal(t, bob.Pickup, second.Pickup)
	require.Equal(t, 2, f.repo.Len())

	again, err := f.svc.RequestTrip(context.Background(), "k1", alice)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 2, f.repo.Len())
}

func TestIdempotentResponseOfAnotherPassengerIsIgnored(t *testing.T) {
	store := repository.NewMemoryIdempotencyRepo(time.Minute)
	f := newFixture(t, service.WithIdempotency(store))
	foreign := f.request(t)
	payload, err := json.Marshal(foreign)
	require.NoError(t, err)

	in := service.RequestTripInput{PassengerID: uuid.New(), Pickup: pickup, Destination: destination}
	require.NoError(t, store.PutResponse(context.Background(), in.PassengerID.String()+":k1", payload))

	trip, err := f.svc.RequestTrip(context.Background(), "k1", in)
	require.NoError(t, err)
	require.NotEqual(t, foreign.ID, trip.ID)
	require.Equal(t, in.PassengerID, trip.PassengerID)
	require.Equal(t, 2, f.repo.Len())
}

func TestRequestTripConcurrentSameKey(t *testing.T) {
	f := newFixture(t, service.WithIdempotency(repository.NewMemoryIdempotencyRepo(time.Minute)))
	in := service.RequestTripInput{PassengerID: uuid.New(), Pickup: pickup, Destination: destination}

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trip, err := f.svc.RequestTrip(context.Background(), "same", in)
			if err == nil {
				ids[i] = trip.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	require.Equal(t, 1, f.repo.Len())
}

func TestTransitionLifecycle(t *testing.T) {
	f := newFixture(t)
	trip := f.request(t)
	driver := uuid.New()

	accepted, err := f.svc.Transition(context.Background(), service.TransitionInput{
		TripID: trip.ID, ActorID: driver, Target: domain.StatusAccepted,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.DriverID)
	require.Equal(t, driver, *accepted.DriverID)

	started, err := f.svc.Transition(context.Background(), service.TransitionInput{
		TripID: trip.ID, ActorID: driver, Target: domain.StatusInProgress,
	})
	require.NoError(t, err)
	completed, err := f.svc.Transition(context.Background(), service.TransitionInput{
		TripID: trip.ID, ActorID: driver, Target: domain.StatusCompleted,
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), completed.Version)
	require.Equal(t, driver, *started.DriverID)
	require.Equal(t, driver, *completed.DriverID)

	// quote and endpoints are write-once
	require.Equal(t, trip.Fare, completed.Fare)
	require.Equal(t, trip.DistanceKm, completed.DistanceKm)
	require.Equal(t, trip.Pickup, completed.Pickup)
	require.Equal(t, trip.CreatedAt, completed.CreatedAt)

	events := f.publisher.Events()
	require.Len(t, events, 4)
	want := []domain.TripStatus{domain.StatusRequested, domain.StatusAccepted, domain.StatusInProgress, domain.StatusCompleted}
	for i, evt := range events {
		require.Equal(t, want[i], evt.Trip.Status)
		require.Equal(t, int64(i+1), evt.Trip.Version)
		require.Equal(t, evt.Trip.Status == domain.StatusRequested, evt.Trip.DriverID == nil)
	}
	require.Equal(t, domain.EventTripUpdated, events[3].Type)
}

func TestTransitionIllegalEdge(t *testing.T) {
	f := newFixture(t)
	trip := f.request(t)

	_, err := f.svc.Transition(context.Background(), service.TransitionInput{
		TripID: trip.ID, ActorID: trip.PassengerID, Target: domain.StatusInProgress,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.Equal(t, domain.StatusRequested, f.stored(t, trip.ID).Status)
	require.Len(t, f.publisher.Events(), 1)
}

func TestTransitionRejectsSelfLoop(t *testing.T) {
	f := newFixture(t)
	trip := f.request(t)

	_, err := f.svc.Transition(context.Background(), service.TransitionInput{
		TripID: trip.ID, ActorID: trip.PassengerID, Target: domain.StatusRequested,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.Equal(t, int64(1), f.stored(t, trip.ID).Version)
}

func TestTransitionUnknownStatus(t *testing.T) {
	f := newFixture(t)
	trip := f.request(t)

	_, err := f.svc.Transition(context.Background(), service.TransitionInput{
		TripID: trip.ID, ActorID: trip.PassengerID, Target: "teleported",
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	targets := []domain.TripStatus{
		domain.StatusRequested, domain.StatusAccepted, domain.StatusInProgress,
		domain.StatusCompleted, domain.StatusCancelled,
	}
	for _, terminal := range []domain.TripStatus{domain.StatusCompleted, domain.StatusCancelled} {
		t.Run(string(terminal), func(t *testing.T) {
			f := newFixture(t)
			trip := f.request(t)
			driver := uuid.New()
			path := []domain.TripStatus{domain.StatusAccepted, domain.StatusInProgress, domain.StatusCompleted}
			if terminal == domain.StatusCancelled {
				path = []domain.TripStatus{domain.StatusCancelled}
			}
			for _, next := range path {
				actor := driver
				if next == domain.StatusCancelled {
					actor = trip.PassengerID
				}
				_, err := f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: actor, Target: next})
				require.NoError(t, err)
			}
			before := f.stored(t, trip.ID)
			published := len(f.publisher.Events())

			for _, target := range targets {
				_, err := f.svc.Transition(context.Background(), service.TransitionInput{
					TripID: trip.ID, ActorID: trip.PassengerID, Target: target,
				})
				require.ErrorIs(t, err, domain.ErrInvalidTransition, "target %s", target)
			}
			require.Equal(t, before, f.stored(t, trip.ID))
			require.Len(t, f.publisher.Events(), published)
		})
	}
}

func TestInProgressCannotBeCancelled(t *testing.T) {
	f := newFixture(t)
	trip := f.request(t)
	driver := uuid.New()
	for _, next := range []domain.TripStatus{domain.StatusAccepted, domain.StatusInProgress} {
		_, err := f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: driver, Target: next})
		require.NoError(t, err)
	}
	_, err := f.svc.Transition(context.Background(), service.TransitionInput{
		TripID: trip.ID, ActorID: trip.PassengerID, Target: domain.StatusCancelled,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSecondAcceptFails(t *testing.T) {
	f := newFixture(t)
	trip := f.request(t)
	driverA, driverB := uuid.New(), uuid.New()

	_, err := f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: driverA, Target: domain.StatusAccepted})
	require.NoError(t, err)
	_, err = f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: driverB, Target: domain.StatusAccepted})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored := f.stored(t, trip.ID)
	require.Equal(t, driverA, *stored.DriverID)
	require.Len(t, f.publisher.Events(), 2)
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	trip := f.request(t)

	const drivers = 16
	var wins, rejected atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Transition(context.Background(), service.TransitionInput{
				TripID: trip.ID, ActorID: uuid.New(), Target: domain.StatusAccepted,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrInvalidTransition):
				rejected.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(drivers-1), rejected.Load())
	require.Equal(t, int64(2), f.stored(t, trip.ID).Version)
	require.Len(t, f.publisher.Events(), 2)
}

func TestConcurrentCancelAndAccept(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		trip := f.request(t)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: trip.PassengerID, Target: domain.StatusCancelled})
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: uuid.New(), Target: domain.StatusAccepted})
		}()
		wg.Wait()

		// cancel always succeeds; accept only if it ran first
		require.NoError(t, errs[0])
		stored := f.stored(t, trip.ID)
		require.Equal(t, domain.StatusCancelled, stored.Status)
		if errs[1] == nil {
			require.Equal(t, int64(3), stored.Version)
		} else {
			require.ErrorIs(t, errs[1], domain.ErrInvalidTransition)
			require.Equal(t, int64(2), stored.Version)
		}
	}
}

func TestTransitionUnknownTrip(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Transition(context.Background(), service.TransitionInput{
		TripID: uuid.New(), ActorID: uuid.New(), Target: domain.StatusCancelled,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Empty(t, f.publisher.Events())
}

func TestTransitionAuthorization(t *testing.T) {
	f := newFixture(t)
	trip := f.request(t)
	driver := uuid.New()

	_, err := f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: uuid.New(), Target: domain.StatusCancelled})
	require.ErrorIs(t, err, domain.ErrUnauthorized, "stranger cancels")

	_, err = f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: trip.PassengerID, Target: domain.StatusAccepted})
	require.ErrorIs(t, err, domain.ErrUnauthorized, "passenger accepts own trip")

	other := uuid.New()
	_, err = f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: driver, Target: domain.StatusAccepted, DriverID: &other})
	require.ErrorIs(t, err, domain.ErrUnauthorized, "accept on behalf of another driver")

	_, err = f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: driver, Target: domain.StatusAccepted, DriverID: &driver})
	require.NoError(t, err)

	_, err = f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: uuid.New(), Target: domain.StatusInProgress})
	require.ErrorIs(t, err, domain.ErrUnauthorized, "stranger starts")

	require.Equal(t, domain.StatusAccepted, f.stored(t, trip.ID).Status)
	require.Len(t, f.publisher.Events(), 2)
}

func TestTransitionLockTimeout(t *testing.T) {
	locker := lock.NewMemoryLocker()
	f := newFixture(t, service.WithLocker(locker))
	trip := f.request(t)

	unlock, err := locker.Lock(context.Background(), trip.ID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.svc.Transition(ctx, service.TransitionInput{TripID: trip.ID, ActorID: trip.PassengerID, Target: domain.StatusCancelled})
	require.ErrorIs(t, err, domain.ErrTimeout)
	require.Equal(t, domain.StatusRequested, f.stored(t, trip.ID).Status)
}

type conflictingRepo struct {
	*repository.MemoryRepository
}

func (c conflictingRepo) UpdateTrip(context.Context, domain.Trip, int64) (domain.Trip, error) {
	return domain.Trip{}, domain.ErrVersionConflict
}

func TestVersionConflictIsInvalidTransition(t *testing.T) {
	mem := repository.NewMemoryRepository()
	calc, err := fare.NewCalculator(fare.Rates{BaseFare: 1, PerKmRate: 1})
	require.NoError(t, err)
	publisher := &stubPublisher{}
	router := &stubRouter{route: domain.Route{DistanceMeters: 1000}}
	svc := service.New(conflictingRepo{mem}, router, calc, publisher)

	trip, err := svc.RequestTrip(context.Background(), "", service.RequestTripInput{PassengerID: uuid.New(), Pickup: pickup, Destination: destination})
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: trip.PassengerID, Target: domain.StatusCancelled})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.Len(t, publisher.Events(), 1)
}

func TestSinkFailureDoesNotFailTransition(t *testing.T) {
	sink := &stubPublisher{err: errors.New("nats down")}
	f := newFixture(t, service.WithSink(sink))
	trip := f.request(t)

	_, err := f.svc.Transition(context.Background(), service.TransitionInput{TripID: trip.ID, ActorID: trip.PassengerID, Target: domain.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, sink.Events(), 2)
	require.Len(t, f.publisher.Events(), 2)
}
