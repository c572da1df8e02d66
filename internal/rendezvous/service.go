package rendezvous

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the fully-qualified gRPC service name used on the wire;
// there is no .proto file behind it, but the name still needs to be stable
// across client/server builds.
const serviceName = "xrcap.rendezvous.Rendezvous"

// RendezvousServer is implemented by the name/slot registry.
type RendezvousServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	ConnectName(context.Context, *ConnectNameRequest) (*ConnectNameResponse, error)
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RegisterRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RendezvousServer).Register(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Register"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RendezvousServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func connectNameHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ConnectNameRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RendezvousServer).ConnectName(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/ConnectName"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RendezvousServer).ConnectName(ctx, req.(*ConnectNameRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from a .proto file: method names bound to handlers, no
// reflection involved.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			return registerHandler(srv, ctx, dec, interceptor)
		}},
		{MethodName: "ConnectName", Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			return connectNameHandler(srv, ctx, dec, interceptor)
		}},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "xrcap/rendezvous.proto",
}

// RegisterRendezvousServer attaches impl to a running *grpc.Server.
func RegisterRendezvousServer(s *grpc.Server, impl RendezvousServer) {
	s.RegisterService(&serviceDesc, impl)
}
