package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridedispatch/internal/trip/domain"
)

func event(tripID uuid.UUID, status domain.TripStatus, version int64) domain.TripEvent {
	return domain.TripEvent{
		Type:   domain.EventTripUpdated,
		TripID: tripID,
		Trip:   domain.Trip{ID: tripID, Status: status, Version: version},
	}
}

func next(t *testing.T, s Stream) domain.TripEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, err := s.Next(ctx)
	require.NoError(t, err)
	return evt
}

func TestHubDeliversInPublishOrder(t *testing.T) {
	hub := NewHub(0, nil)
	tripID := uuid.New()
	sub, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	defer sub.Close()

	statuses := []domain.TripStatus{domain.StatusAccepted, domain.StatusInProgress, domain.StatusCompleted}
	for i, st := range statuses {
		require.NoError(t, hub.Publish(context.Background(), event(tripID, st, int64(i+2))))
	}
	for i, st := range statuses {
		evt := next(t, sub)
		require.Equal(t, st, evt.Trip.Status)
		require.Equal(t, int64(i+2), evt.Trip.Version)
	}
}

func TestHubSubscribersAreIndependent(t *testing.T) {
	hub := NewHub(0, nil)
	tripID := uuid.New()
	a, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	b, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusAccepted, 2)))
	require.Equal(t, domain.StatusAccepted, next(t, a).Trip.Status)
	a.Close()

	require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusInProgress, 3)))
	require.Equal(t, domain.StatusAccepted, next(t, b).Trip.Status)
	require.Equal(t, domain.StatusInProgress, next(t, b).Trip.Status)

	_, err = a.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestHubOnlyDeliversEventsAfterSubscribe(t *testing.T) {
	hub := NewHub(0, nil)
	tripID := uuid.New()
	require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusAccepted, 2)))

	sub, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubTopicsAreIsolated(t *testing.T) {
	hub := NewHub(0, nil)
	tripA, tripB := uuid.New(), uuid.New()
	sub, err := hub.Subscribe(context.Background(), tripA)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(context.Background(), event(tripB, domain.StatusAccepted, 2)))
	require.NoError(t, hub.Publish(context.Background(), event(tripA, domain.StatusCancelled, 2)))
	require.Equal(t, tripA, next(t, sub).TripID)
}

func TestHubTearsDownTerminalTopic(t *testing.T) {
	hub := NewHub(0, nil)
	tripID := uuid.New()
	sub, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	require.Equal(t, 1, hub.Topics())

	require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusCancelled, 2)))
	require.Equal(t, 1, hub.Topics(), "topic lives while a subscriber is attached")
	require.Equal(t, domain.StatusCancelled, next(t, sub).Trip.Status)

	sub.Close()
	require.Zero(t, hub.Topics())
}

func TestHubKeepsActiveTopicWithoutSubscribers(t *testing.T) {
	hub := NewHub(0, nil)
	tripID := uuid.New()
	sub, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	sub.Close()
	require.Zero(t, hub.Topics(), "never-published topic is dropped with its last subscriber")

	require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusAccepted, 2)))
	require.Equal(t, 1, hub.Topics())

	require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusCompleted, 4)))
	require.Zero(t, hub.Topics())
}

func TestHubDiscardsStaleVersions(t *testing.T) {
	hub := NewHub(0, nil)
	tripID := uuid.New()
	sub, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusInProgress, 3)))
	require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusInProgress, 3)))
	require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusAccepted, 2)))
	require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusCompleted, 4)))

	require.Equal(t, int64(3), next(t, sub).Trip.Version)
	require.Equal(t, int64(4), next(t, sub).Trip.Version)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubClosesLaggingSubscriber(t *testing.T) {
	hub := NewHub(2, nil)
	tripID := uuid.New()
	slow, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	fast, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	defer fast.Close()

	for v := int64(2); v <= 4; v++ {
		require.NoError(t, hub.Publish(context.Background(), event(tripID, domain.StatusAccepted, v)))
		require.Equal(t, v, next(t, fast).Trip.Version)
	}

	require.Equal(t, int64(2), next(t, slow).Trip.Version)
	require.Equal(t, int64(3), next(t, slow).Trip.Version)
	_, err = slow.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriberLagged)
	slow.Close()
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewHub(4, nil)
	tripID := uuid.New()
	sub, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := int64(0); v < 100; v++ {
			_ = hub.Publish(context.Background(), event(tripID, domain.StatusAccepted, v))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}
}

func TestHubShutdownClosesSubscribers(t *testing.T) {
	hub := NewHub(0, nil)
	sub, err := hub.Subscribe(context.Background(), uuid.New())
	require.NoError(t, err)

	hub.Shutdown()
	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)

	_, err = hub.Subscribe(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.Zero(t, hub.Topics())
}

func TestHubRejectsEventWithoutTrip(t *testing.T) {
	require.Error(t, NewHub(0, nil).Publish(context.Background(), domain.TripEvent{}))
}
