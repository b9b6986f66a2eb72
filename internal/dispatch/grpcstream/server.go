package grpcstream

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/ridedispatch/internal/dispatch"
	"github.com/example/ridedispatch/internal/trip/domain"
)

// Feed attaches subscribers to a trip's event stream.
type Feed interface {
	Subscribe(ctx context.Context, tripID uuid.UUID) (dispatch.Stream, error)
}

// Server exposes trip snapshots and events to remote clients.
type Server struct {
	reader domain.TripReader
	feed   Feed
	logger *zap.Logger
}

// NewServer constructs a server.
func NewServer(reader domain.TripReader, feed Feed, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{reader: reader, feed: feed, logger: logger}
}

// Get returns the current trip snapshot.
func (s *Server) Get(ctx context.Context, req *GetTripRequest) (*domain.Trip, error) {
	tripID, err := uuid.Parse(req.TripID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid trip id")
	}
	trip, err := s.reader.GetTripByID(ctx, tripID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &trip, nil
}

// Watch subscribes before reading the snapshot so that nothing committed in
// between is missed, then forwards events until the trip ends or the client
// goes away.
func (s *Server) Watch(req *WatchRequest, stream Dispatch_WatchServer) error {
	tripID, err := uuid.Parse(req.TripID)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid trip id")
	}
	ctx := stream.Context()

	sub, err := s.feed.Subscribe(ctx, tripID)
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	trip, err := s.reader.GetTripByID(ctx, tripID)
	if err != nil {
		return toStatus(err)
	}
	if err := stream.Send(&WatchMessage{Snapshot: &trip}); err != nil {
		return err
	}
	if trip.Status.Terminal() {
		return nil
	}

	for {
		evt, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Debug("watch stream ended", zap.String("trip_id", tripID.String()), zap.Error(err))
			return toStatus(err)
		}
		if err := stream.Send(&WatchMessage{Event: &evt}); err != nil {
			return err
		}
		if evt.Trip.Status.Terminal() {
			return nil
		}
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, domain.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, dispatch.ErrSubscriberLagged):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, dispatch.ErrSubscriptionClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return errors.Join(domain.ErrNotFound, err)
	case codes.InvalidArgument:
		return errors.Join(domain.ErrInvalidArgument, err)
	case codes.PermissionDenied:
		return errors.Join(domain.ErrUnauthorized, err)
	case codes.DeadlineExceeded:
		return errors.Join(domain.ErrTimeout, err)
	case codes.ResourceExhausted:
		return errors.Join(dispatch.ErrSubscriberLagged, err)
	case codes.Unavailable:
		return errors.Join(dispatch.ErrSubscriptionClosed, err)
	default:
		return err
	}
}
