package transport

import (
	"context"

	"google.golang.org/grpc"

	"buddymirror/internal/wire"
)

const (
	// ServiceName is the gRPC service carrying envelopes.
	ServiceName = "buddymirror.Mirror"

	callMethod = "/" + ServiceName + "/Call"
)

// MirrorServer is the server side of the Mirror service.
type MirrorServer interface {
	Call(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MirrorServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: callMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MirrorServer).Call(ctx, req.(*wire.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the Mirror service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MirrorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "buddymirror/mirror.proto",
}

// RegisterMirrorServer registers srv with s.
func RegisterMirrorServer(s grpc.ServiceRegistrar, srv MirrorServer) {
	s.RegisterService(&ServiceDesc, srv)
}
