// Package pb holds the gRPC service descriptor of the order service.
//
// Messages are google.protobuf.Struct so the service needs no generated
// message types; field names are camelCase, money values are decimal strings.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "marketplace.orders.v1.OrderService"

	PlaceOrderMethod        = "/" + ServiceName + "/PlaceOrder"
	GetOrderMethod          = "/" + ServiceName + "/GetOrder"
	UpdateOrderStatusMethod = "/" + ServiceName + "/UpdateOrderStatus"
	CancelOrderMethod       = "/" + ServiceName + "/CancelOrder"
	GetOrderStatsMethod     = "/" + ServiceName + "/GetOrderStats"

	// MetadataIdempotencyKey carries the PlaceOrder idempotency key.
	MetadataIdempotencyKey = "x-idempotency-key"
)

type OrderServiceServer interface {
	PlaceOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateOrderStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrderStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedOrderServiceServer can be embedded to satisfy methods a server does not serve.
type UnimplementedOrderServiceServer struct{}

func (UnimplementedOrderServiceServer) PlaceOrder(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method PlaceOrder not implemented")
}

func (UnimplementedOrderServiceServer) GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetOrder not implemented")
}

func (UnimplementedOrderServiceServer) UpdateOrderStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method UpdateOrderStatus not implemented")
}

func (UnimplementedOrderServiceServer) CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method CancelOrder not implemented")
}

func (UnimplementedOrderServiceServer) GetOrderStats(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetOrderStats not implemented")
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderService_ServiceDesc, srv)
}

type unaryMethod func(srv OrderServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var OrderService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PlaceOrder",
			Handler: unaryHandler(PlaceOrderMethod, func(s OrderServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.PlaceOrder(ctx, in)
			}),
		},
		{
			MethodName: "GetOrder",
			Handler: unaryHandler(GetOrderMethod, func(s OrderServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.GetOrder(ctx, in)
			}),
		},
		{
			MethodName: "UpdateOrderStatus",
			Handler: unaryHandler(UpdateOrderStatusMethod, func(s OrderServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.UpdateOrderStatus(ctx, in)
			}),
		},
		{
			MethodName: "CancelOrder",
			Handler: unaryHandler(CancelOrderMethod, func(s OrderServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.CancelOrder(ctx, in)
			}),
		},
		{
			MethodName: "GetOrderStats",
			Handler: unaryHandler(GetOrderStatsMethod, func(s OrderServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.GetOrderStats(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "",
}

type OrderServiceClient interface {
	PlaceOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	UpdateOrderStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CancelOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetOrderStats(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type orderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) OrderServiceClient {
	return &orderServiceClient{cc}
}

func (c *orderServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *orderServiceClient) PlaceOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, PlaceOrderMethod, in, opts)
}

func (c *orderServiceClient) GetOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, GetOrderMethod, in, opts)
}

func (c *orderServiceClient) UpdateOrderStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, UpdateOrderStatusMethod, in, opts)
}

func (c *orderServiceClient) CancelOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, CancelOrderMethod, in, opts)
}

func (c *orderServiceClient) GetOrderStats(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, GetOrderStatsMethod, in, opts)
}
