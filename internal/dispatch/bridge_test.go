package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/ridedispatch/internal/trip/domain"
)

const subjectPrefix = "trip.events"

type fakeConn struct {
	subject string
	handler nats.MsgHandler
	err     error
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.subject, c.handler = subject, cb
	return nil, nil
}

func tripMsg(t *testing.T, evt domain.TripEvent) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return &nats.Msg{Subject: subjectPrefix + "." + evt.TripID.String(), Data: data}
}

func requireNoEvent(t *testing.T, s Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridgeDeliversRemoteTransitions(t *testing.T) {
	hub := NewHub(0, nil)
	tripID := uuid.New()
	sub, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	defer sub.Close()

	conn := &fakeConn{}
	bridge := NewBridge(hub, subjectPrefix, nil)
	require.NoError(t, bridge.Start(conn))
	require.Equal(t, "trip.events.*", conn.subject)

	conn.handler(tripMsg(t, event(tripID, domain.StatusAccepted, 2)))
	got := next(t, sub)
	require.Equal(t, domain.StatusAccepted, got.Trip.Status)
	require.Equal(t, int64(2), got.Trip.Version)
	require.NoError(t, bridge.Stop())
}

func TestBridgeAndLocalPublishDeliverOnce(t *testing.T) {
	hub := NewHub(0, nil)
	tripID := uuid.New()
	sub, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	defer sub.Close()
	bridge := NewBridge(hub, subjectPrefix, nil)

	accepted := event(tripID, domain.StatusAccepted, 2)
	require.NoError(t, hub.Publish(context.Background(), accepted))
	bridge.Handle(tripMsg(t, accepted))
	require.Equal(t, int64(2), next(t, sub).Trip.Version)
	requireNoEvent(t, sub)

	bridge.Handle(tripMsg(t, event(tripID, domain.StatusInProgress, 3)))
	require.Equal(t, int64(3), next(t, sub).Trip.Version)
}

func TestBridgeDropsBadMessages(t *testing.T) {
	hub := NewHub(0, nil)
	tripID := uuid.New()
	sub, err := hub.Subscribe(context.Background(), tripID)
	require.NoError(t, err)
	defer sub.Close()
	bridge := NewBridge(hub, subjectPrefix, nil)

	bridge.Handle(&nats.Msg{Subject: subjectPrefix + "." + tripID.String(), Data: []byte("{not json")})
	bridge.Handle(&nats.Msg{Subject: subjectPrefix + "." + tripID.String(), Data: []byte(`{"type":"updated"}`)})

	misrouted := tripMsg(t, event(tripID, domain.StatusAccepted, 2))
	misrouted.Subject = subjectPrefix + "." + uuid.NewString()
	bridge.Handle(misrouted)

	requireNoEvent(t, sub)
}

func TestBridgeStartErrors(t *testing.T) {
	bridge := NewBridge(NewHub(0, nil), subjectPrefix, nil)
	require.Error(t, bridge.Start(nil))
	require.Error(t, bridge.Start(&fakeConn{err: errors.New("no responders")}))
	require.NoError(t, bridge.Stop())
}
