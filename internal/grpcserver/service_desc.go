package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = adminProtoPackage + "." + adminServiceName

	methodGrant      = "/" + ServiceName + "/Grant"
	methodSweep      = "/" + ServiceName + "/Sweep"
	methodReconcile  = "/" + ServiceName + "/Reconcile"
	methodGetAccount = "/" + ServiceName + "/GetAccount"
)

// QuotaAdminServer is the server API for the QuotaAdmin service.
type QuotaAdminServer interface {
	Grant(context.Context, *GrantRequest) (*GrantResponse, error)
	Sweep(context.Context, *SweepRequest) (*SweepResponse, error)
	Reconcile(context.Context, *AccountRequest) (*ReconcileResponse, error)
	GetAccount(context.Context, *AccountRequest) (*AccountResponse, error)
}

// RegisterQuotaAdminServer registers srv on registrar.
func RegisterQuotaAdminServer(registrar grpc.ServiceRegistrar, srv QuotaAdminServer) {
	registrar.RegisterService(&quotaAdminServiceDesc, srv)
}

var quotaAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QuotaAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Grant", Handler: unaryHandler(methodGrant, QuotaAdminServer.Grant)},
		{MethodName: "Sweep", Handler: unaryHandler(methodSweep, QuotaAdminServer.Sweep)},
		{MethodName: "Reconcile", Handler: unaryHandler(methodReconcile, QuotaAdminServer.Reconcile)},
		{MethodName: "GetAccount", Handler: unaryHandler(methodGetAccount, QuotaAdminServer.GetAccount)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: adminProtoFile,
}

// unaryHandler decodes the protobuf request into its struct, runs call behind
// the interceptor chain, and encodes the struct response back to protobuf.
func unaryHandler[Request any, RequestPtr interface {
	*Request
	wireMessage
}, Response wireMessage](method string, call func(QuotaAdminServer, context.Context, RequestPtr) (Response, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := RequestPtr(new(Request))
		wire := dynamicpb.NewMessage(request.descriptor())
		if err := dec(wire); err != nil {
			return nil, err
		}
		request.fromProto(wire)
		handler := func(ctx context.Context, req any) (any, error) {
			response, err := call(srv.(QuotaAdminServer), ctx, req.(RequestPtr))
			if err != nil {
				return nil, err
			}
			return response.toProto(), nil
		}
		if interceptor == nil {
			return handler(ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, request, info, handler)
	}
}
