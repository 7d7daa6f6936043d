package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "payments.v1.PaymentsService"

const (
	MethodHealth             = "/" + ServiceName + "/Health"
	MethodInitiatePayment    = "/" + ServiceName + "/InitiatePayment"
	MethodGetPaymentStatus   = "/" + ServiceName + "/GetPaymentStatus"
	MethodQueryPaymentStatus = "/" + ServiceName + "/QueryPaymentStatus"
)

// PaymentsServiceServer carries JSON-shaped messages as structpb.Struct so
// the service needs no generated code.
type PaymentsServiceServer interface {
	Health(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InitiatePayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPaymentStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryPaymentStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var PaymentsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PaymentsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Health", Handler: unaryHandler(MethodHealth, PaymentsServiceServer.Health)},
		{MethodName: "InitiatePayment", Handler: unaryHandler(MethodInitiatePayment, PaymentsServiceServer.InitiatePayment)},
		{MethodName: "GetPaymentStatus", Handler: unaryHandler(MethodGetPaymentStatus, PaymentsServiceServer.GetPaymentStatus)},
		{MethodName: "QueryPaymentStatus", Handler: unaryHandler(MethodQueryPaymentStatus, PaymentsServiceServer.QueryPaymentStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "payments/v1/payments.proto",
}

func RegisterPaymentsServiceServer(s grpc.ServiceRegistrar, srv PaymentsServiceServer) {
	s.RegisterService(&PaymentsServiceDesc, srv)
}

func unaryHandler(
	fullMethod string,
	call func(PaymentsServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PaymentsServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PaymentsServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type PaymentsServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPaymentsServiceClient(cc grpc.ClientConnInterface) *PaymentsServiceClient {
	return &PaymentsServiceClient{cc: cc}
}

func (c *PaymentsServiceClient) Health(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodHealth, in, opts...)
}

func (c *PaymentsServiceClient) InitiatePayment(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodInitiatePayment, in, opts...)
}

func (c *PaymentsServiceClient) GetPaymentStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetPaymentStatus, in, opts...)
}

func (c *PaymentsServiceClient) QueryPaymentStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodQueryPaymentStatus, in, opts...)
}

func (c *PaymentsServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
