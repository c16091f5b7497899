package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/mattjoyce/stepgate/internal/protocol"
)

const (
	ServiceName = "stepgate.v1.StepService"

	methodGetManifest = "/" + ServiceName + "/GetManifest"
	methodRunStep     = "/" + ServiceName + "/RunStep"
	methodRunSteps    = "/" + ServiceName + "/RunSteps"
)

// StepServiceServer is the server API for the step service.
type StepServiceServer interface {
	GetManifest(context.Context, *protocol.Empty) (*protocol.Manifest, error)
	RunStep(context.Context, *protocol.WorkRequest) (*protocol.ResultEnvelope, error)
	RunSteps(RunStepsServer) error
}

// RunStepsServer is the server side of a RunSteps conversation.
type RunStepsServer interface {
	Send(*protocol.ResultEnvelope) error
	Recv() (*protocol.WorkRequest, error)
	grpc.ServerStream
}

// ServiceDesc describes the step service to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StepServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetManifest", Handler: getManifestHandler},
		{MethodName: "RunStep", Handler: runStepHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RunSteps",
			Handler:       runStepsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "stepgate/v1/step_service",
}

// Register attaches srv to gs.
func Register(gs grpc.ServiceRegistrar, srv StepServiceServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

func getManifestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(protocol.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StepServiceServer).GetManifest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetManifest}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StepServiceServer).GetManifest(ctx, req.(*protocol.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func runStepHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(protocol.WorkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StepServiceServer).RunStep(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRunStep}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StepServiceServer).RunStep(ctx, req.(*protocol.WorkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func runStepsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(StepServiceServer).RunSteps(&runStepsServer{stream})
}

type runStepsServer struct {
	grpc.ServerStream
}

func (s *runStepsServer) Send(env *protocol.ResultEnvelope) error {
	return s.ServerStream.SendMsg(env)
}

// Recv decodes requests itself so that a message the codec cannot map onto
// a WorkRequest fails that message alone (protocol.ErrMalformedRequest)
// rather than the stream.
func (s *runStepsServer) Recv() (*protocol.WorkRequest, error) {
	var raw json.RawMessage
	if err := s.ServerStream.RecvMsg(&raw); err != nil {
		return nil, err
	}
	return protocol.UnmarshalRequest(raw)
}
