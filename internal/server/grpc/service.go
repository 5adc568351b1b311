package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "walletrelay.v1.Custody"

// Method names.
const (
	MethodSetPin            = "SetPin"
	MethodVerifyPin         = "VerifyPin"
	MethodRequestResetCode  = "RequestResetCode"
	MethodResetPin          = "ResetPin"
	MethodSubmitTransaction = "SubmitTransaction"
	MethodListTransactions  = "ListTransactions"
)

// CustodyServer is the server API. Every message is a google.protobuf.Struct.
type CustodyServer interface {
	SetPin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyPin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestResetCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetPin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structCall func(CustodyServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call structCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CustodyServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CustodyServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// CustodyServiceDesc describes the service for grpc.Server.RegisterService.
var CustodyServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CustodyServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSetPin, CustodyServer.SetPin),
		unary(MethodVerifyPin, CustodyServer.VerifyPin),
		unary(MethodRequestResetCode, CustodyServer.RequestResetCode),
		unary(MethodResetPin, CustodyServer.ResetPin),
		unary(MethodSubmitTransaction, CustodyServer.SubmitTransaction),
		unary(MethodListTransactions, CustodyServer.ListTransactions),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "walletrelay/v1/custody.proto",
}

// RegisterCustodyServer registers srv on s.
func RegisterCustodyServer(s grpc.ServiceRegistrar, srv CustodyServer) {
	s.RegisterService(&CustodyServiceDesc, srv)
}

// FullMethod returns "/walletrelay.v1.Custody/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// CustodyClient calls the service over any client connection.
type CustodyClient struct {
	cc grpc.ClientConnInterface
}

// NewCustodyClient wraps cc.
func NewCustodyClient(cc grpc.ClientConnInterface) *CustodyClient {
	return &CustodyClient{cc: cc}
}

// Call invokes method with in and returns the response Struct.
func (c *CustodyClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
