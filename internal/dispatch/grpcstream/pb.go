package grpcstream

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/example/ridedispatch/internal/trip/domain"
)

// Codec carries the dispatch messages as JSON so no generated protobuf code is
// needed. Both ends must force it: grpc.ForceServerCodec on the server and
// grpc.ForceCodec on client calls.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return "json" }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GetTripRequest asks for a trip snapshot.
type GetTripRequest struct {
	TripID string `json:"trip_id"`
}

// WatchRequest opens a trip event stream.
type WatchRequest struct {
	TripID string `json:"trip_id"`
}

// WatchMessage is one frame of a watch stream. The first frame carries the
// snapshot read after the subscription was attached; every later frame
// carries an event.
type WatchMessage struct {
	Snapshot *domain.Trip      `json:"snapshot,omitempty"`
	Event    *domain.TripEvent `json:"event,omitempty"`
}

// DispatchServer is the server-side contract.
type DispatchServer interface {
	Get(ctx context.Context, req *GetTripRequest) (*domain.Trip, error)
	Watch(req *WatchRequest, stream Dispatch_WatchServer) error
}

const serviceName = "ridedispatch.Dispatch"

// RegisterDispatchServer registers the service implementation.
func RegisterDispatchServer(s *grpc.Server, srv DispatchServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*DispatchServer)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Get",
			Handler:    _Dispatch_Get_Handler,
		}},
		Streams: []grpc.StreamDesc{{
			StreamName:    "Watch",
			Handler:       _Dispatch_Watch_Handler,
			ServerStreams: true,
		}},
	}, srv)
}

// Dispatch_WatchServer is the server side of a watch stream.
type Dispatch_WatchServer interface {
	grpc.ServerStream
	Send(*WatchMessage) error
}

func _Dispatch_Get_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetTripRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Get"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatchServer).Get(ctx, req.(*GetTripRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Dispatch_Watch_Handler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DispatchServer).Watch(in, &watchServer{ServerStream: stream})
}

type watchServer struct {
	grpc.ServerStream
}

func (s *watchServer) Send(m *WatchMessage) error { return s.ServerStream.SendMsg(m) }
