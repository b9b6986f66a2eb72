package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/dispatch"
	"github.com/example/ridedispatch/internal/trip/domain"
)

var resyncTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "session_resyncs_total",
	Help: "Session resubscriptions after a lagged stream.",
})

// Feed attaches a subscriber to a trip's events. Both the in-process hub and
// the gRPC client satisfy it.
type Feed interface {
	Subscribe(ctx context.Context, tripID uuid.UUID) (dispatch.Stream, error)
}

// Session mirrors one trip for a passenger or driver view. It never writes the
// trip; every snapshot it receives replaces its local copy wholesale.
type Session struct {
	tripID uuid.UUID
	reader domain.TripReader
	feed   Feed
	logger *zap.Logger

	mu      sync.RWMutex
	current domain.Trip
	err     error

	updates chan domain.Trip
	cancel  context.CancelFunc
	done    chan struct{}
}

// Open subscribes to tripID and then reads its current state, so no update
// committed between the two steps is lost. The session follows the trip until
// Close, a terminal status, or an unrecoverable stream error.
func Open(ctx context.Context, reader domain.TripReader, feed Feed, tripID uuid.UUID, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		tripID:  tripID,
		reader:  reader,
		feed:    feed,
		logger:  logger.With(zap.String("trip_id", tripID.String())),
		updates: make(chan domain.Trip, 1),
		done:    make(chan struct{}),
	}
	stream, trip, err := s.attach(ctx)
	if err != nil {
		return nil, err
	}
	s.current = trip

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx, stream)
	return s, nil
}

func (s *Session) attach(ctx context.Context) (dispatch.Stream, domain.Trip, error) {
	stream, err := s.feed.Subscribe(ctx, s.tripID)
	if err != nil {
		return nil, domain.Trip{}, fmt.Errorf("subscribe: %w", err)
	}
	trip, err := s.reader.GetTripByID(ctx, s.tripID)
	if err != nil {
		stream.Close()
		return nil, domain.Trip{}, fmt.Errorf("read trip: %w", err)
	}
	return stream, trip, nil
}

func (s *Session) run(ctx context.Context, stream dispatch.Stream) {
	defer close(s.done)
	defer close(s.updates)
	defer func() { stream.Close() }()

	if s.Current().Status.Terminal() {
		return
	}
	for {
		evt, err := stream.Next(ctx)
		if err == nil {
			if s.apply(evt.Trip) && evt.Trip.Status.Terminal() {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, dispatch.ErrSubscriberLagged) {
			s.fail(err)
			return
		}

		resyncTotal.Inc()
		s.logger.Info("session lagged, resubscribing")
		stream.Close()
		fresh, trip, err := s.attach(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		stream = fresh
		if s.apply(trip) && trip.Status.Terminal() {
			return
		}
	}
}

// apply installs trip if it is newer than the local copy.
func (s *Session) apply(trip domain.Trip) bool {
	s.mu.Lock()
	if trip.Version <= s.current.Version {
		s.mu.Unlock()
		return false
	}
	s.current = trip.Clone()
	s.mu.Unlock()

	// keep only the latest snapshot for slow readers
	select {
	case s.updates <- trip:
	default:
		select {
		case <-s.updates:
		default:
		}
		s.updates <- trip
	}
	return true
}

func (s *Session) fail(err error) {
	s.logger.Warn("session stream ended", zap.Error(err))
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Current returns the latest known snapshot.
func (s *Session) Current() domain.Trip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Updates yields snapshots as they are applied. A slow reader only sees the
// most recent one. The channel closes when the session ends.
func (s *Session) Updates() <-chan domain.Trip { return s.updates }

// Done is closed when the session stops following the trip.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended, or nil.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Close detaches the session and waits for its loop to exit.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}
