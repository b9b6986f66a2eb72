package grpcstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/example/ridedispatch/internal/dispatch"
	"github.com/example/ridedispatch/internal/trip/domain"
)

var watchDesc = &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

// Client reads trips and follows their events over a gRPC connection. It
// satisfies the same reader and feed contracts as the in-process hub.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// GetTripByID fetches the current snapshot.
func (c *Client) GetTripByID(ctx context.Context, tripID uuid.UUID) (domain.Trip, error) {
	var trip domain.Trip
	err := c.conn.Invoke(ctx, "/"+serviceName+"/Get", &GetTripRequest{TripID: tripID.String()}, &trip, grpc.ForceCodec(Codec{}))
	if err != nil {
		return domain.Trip{}, fromStatus(err)
	}
	return trip, nil
}

// Subscribe opens a watch stream and returns once the server has attached the
// subscription, so every event committed afterwards is delivered.
func (c *Client) Subscribe(ctx context.Context, tripID uuid.UUID) (dispatch.Stream, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	cs, err := c.conn.NewStream(streamCtx, watchDesc, "/"+serviceName+"/Watch", grpc.ForceCodec(Codec{}))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := cs.SendMsg(&WatchRequest{TripID: tripID.String()}); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	var first WatchMessage
	if err := cs.RecvMsg(&first); err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: opening watch stream: %w", domain.ErrTimeout, ctx.Err())
		}
		return nil, fromStatus(err)
	}
	if first.Snapshot == nil {
		cancel()
		return nil, errors.New("grpcstream: watch stream did not start with a snapshot")
	}

	s := &clientStream{cancel: cancel, frames: make(chan WatchMessage, 16), done: make(chan struct{})}
	go s.pump(cs)
	return s, nil
}

type clientStream struct {
	cancel context.CancelFunc
	frames chan WatchMessage
	done   chan struct{}
	once   sync.Once

	// err is written by pump before frames is closed.
	err error
}

func (s *clientStream) pump(cs grpc.ClientStream) {
	defer close(s.frames)
	for {
		var msg WatchMessage
		if err := cs.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				s.err = dispatch.ErrSubscriptionClosed
			} else {
				s.err = fromStatus(err)
			}
			return
		}
		if msg.Event == nil {
			continue
		}
		select {
		case s.frames <- msg:
		case <-s.done:
			s.err = dispatch.ErrSubscriptionClosed
			return
		}
	}
}

func (s *clientStream) Next(ctx context.Context) (domain.TripEvent, error) {
	select {
	case <-s.done:
		return domain.TripEvent{}, dispatch.ErrSubscriptionClosed
	default:
	}
	select {
	case msg, ok := <-s.frames:
		if !ok {
			select {
			case <-s.done:
				return domain.TripEvent{}, dispatch.ErrSubscriptionClosed
			default:
			}
			return domain.TripEvent{}, s.err
		}
		return *msg.Event, nil
	case <-s.done:
		return domain.TripEvent{}, dispatch.ErrSubscriptionClosed
	case <-ctx.Done():
		return domain.TripEvent{}, ctx.Err()
	}
}

func (s *clientStream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
}
