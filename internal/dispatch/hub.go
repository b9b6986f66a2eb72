package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/trip/domain"
)

var (
	// ErrSubscriptionClosed is returned by Next after Close or hub shutdown.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrSubscriberLagged is returned once a subscriber's queue overflowed;
	// the consumer must re-read the trip and subscribe again.
	ErrSubscriberLagged = errors.New("subscriber lagged behind publisher")
)

const defaultBuffer = 256

// Stream is a per-subscriber cursor over one trip's events.
type Stream interface {
	Next(ctx context.Context) (domain.TripEvent, error)
	Close()
}

type topic struct {
	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	published bool
	terminal  bool
	// highest trip version fanned out so far
	version int64
}

// Hub is the in-process dispatch channel: one topic per trip, fanned out to
// independent subscriber queues. Publishing never blocks on a subscriber.
type Hub struct {
	mu       sync.RWMutex
	topics   map[uuid.UUID]*topic
	buffer   int
	shutdown bool
	logger   *zap.Logger
}

// NewHub constructs a hub; buffer bounds each subscriber's pending queue.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{topics: make(map[uuid.UUID]*topic), buffer: buffer, logger: logger}
}

// Subscribe attaches a new cursor to tripID. Only events published after
// Subscribe returns are delivered.
func (h *Hub) Subscribe(ctx context.Context, tripID uuid.UUID) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return nil, ErrSubscriptionClosed
	}
	t := h.topicLocked(tripID)
	sub := newSubscription(h, tripID, h.buffer)

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	sub.attached = true
	t.mu.Unlock()

	subscribersGauge.Inc()
	return sub, nil
}

// Publish delivers event to every current subscriber of event.TripID in
// call order. With no subscribers the event is dropped. An event whose
// version is not above the last one delivered for the trip is discarded, so
// the local publish and its copy relayed back over NATS reach subscribers once.
func (h *Hub) Publish(_ context.Context, event domain.TripEvent) error {
	if event.TripID == uuid.Nil {
		return errors.New("dispatch: event without trip id")
	}
	h.mu.RLock()
	t, ok := h.topics[event.TripID]
	if !ok {
		h.mu.RUnlock()
		h.mu.Lock()
		t = h.topicLocked(event.TripID)
		h.mu.Unlock()
		h.mu.RLock()
		// a concurrent detach may have dropped the fresh topic
		if current, ok := h.topics[event.TripID]; ok {
			t = current
		}
	}

	t.mu.Lock()
	if v := event.Trip.Version; v > 0 {
		if v <= t.version {
			t.mu.Unlock()
			h.mu.RUnlock()
			staleTotal.Inc()
			return nil
		}
		t.version = v
	}
	t.published = true
	if event.Trip.Status.Terminal() {
		t.terminal = true
	}
	delivered := 0
	for sub := range t.subs {
		if sub.enqueue(event) {
			delivered++
			continue
		}
		delete(t.subs, sub)
		sub.attached = false
		subscribersGauge.Dec()
		laggedTotal.Inc()
		h.logger.Warn("dispatch subscriber lagged", zap.String("trip_id", event.TripID.String()))
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()
	h.mu.RUnlock()

	if delivered == 0 {
		droppedTotal.Inc()
	}
	publishedTotal.Inc()
	if empty {
		h.collect(event.TripID)
	}
	return nil
}

// Shutdown closes every subscription; further Subscribe calls fail.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	var subs []*Subscription
	for id, t := range h.topics {
		t.mu.Lock()
		for sub := range t.subs {
			subs = append(subs, sub)
			sub.attached = false
			subscribersGauge.Dec()
		}
		t.mu.Unlock()
		delete(h.topics, id)
		topicsGauge.Dec()
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Topics returns the number of live topics.
func (h *Hub) Topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

func (h *Hub) topicLocked(tripID uuid.UUID) *topic {
	t, ok := h.topics[tripID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[tripID] = t
		topicsGauge.Inc()
	}
	return t
}

func (h *Hub) detach(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sub.tripID]
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub.attached {
		delete(t.subs, sub)
		sub.attached = false
		subscribersGauge.Dec()
	}
	h.removeIfIdleLocked(sub.tripID, t)
}

// collect drops a topic that can no longer deliver anything useful.
func (h *Hub) collect(tripID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[tripID]
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h.removeIfIdleLocked(tripID, t)
}

// removeIfIdleLocked tears a topic down once it has no subscribers and either
// its trip ended or it never carried a publish. Callers hold h.mu and t.mu.
func (h *Hub) removeIfIdleLocked(tripID uuid.UUID, t *topic) {
	if len(t.subs) > 0 {
		return
	}
	if t.terminal || !t.published {
		delete(h.topics, tripID)
		topicsGauge.Dec()
	}
}
