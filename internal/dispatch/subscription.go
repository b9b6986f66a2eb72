package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/trip/domain"
)

// Subscription is one subscriber's cursor. Events queue up until Next drains
// them; the queue is bounded and overflowing it ends the subscription with
// ErrSubscriberLagged.
type Subscription struct {
	hub    *Hub
	tripID uuid.UUID
	limit  int

	// attached is guarded by the owning topic's mutex.
	attached bool

	mu     sync.Mutex
	queue  []domain.TripEvent
	err    error
	notify chan struct{}
	once   sync.Once
}

func newSubscription(h *Hub, tripID uuid.UUID, limit int) *Subscription {
	return &Subscription{hub: h, tripID: tripID, limit: limit, notify: make(chan struct{}, 1)}
}

// TripID returns the trip this subscription follows.
func (s *Subscription) TripID() uuid.UUID { return s.tripID }

func (s *Subscription) enqueue(event domain.TripEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	if len(s.queue) >= s.limit {
		s.err = ErrSubscriberLagged
		s.signal()
		return false
	}
	s.queue = append(s.queue, event)
	s.signal()
	return true
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until the next event is available, the subscription ends, or
// ctx is done. Events already queued before a lag are still returned first.
func (s *Subscription) Next(ctx context.Context) (domain.TripEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue[0] = domain.TripEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return evt, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return domain.TripEvent{}, err
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return domain.TripEvent{}, ctx.Err()
		}
	}
}

// Close detaches the subscription. Other subscribers are unaffected.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = ErrSubscriptionClosed
		s.queue = nil
		s.signal()
		s.mu.Unlock()
		s.hub.detach(s)
	})
}
