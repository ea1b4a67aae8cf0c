package handler

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/marketplace-orders/internal/adapter/handler/pb"
	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/service"
)

type GRPCHandler struct {
	pb.UnimplementedOrderServiceServer
	orderService *service.OrderService
	logger       *zap.Logger
}

func NewGRPCHandler(orderService *service.OrderService, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{orderService: orderService, logger: logger}
}

// NewGRPCServer builds a traced server with the order service registered.
func NewGRPCServer(h *GRPCHandler, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(idempotencyInterceptor(), loggingInterceptor(h.logger)),
	}, opts...)
	s := grpc.NewServer(opts...)
	pb.RegisterOrderServiceServer(s, h)
	return s
}

type idempotencyKeyCtx struct{}

// idempotencyInterceptor moves the idempotency key from metadata into the context.
func idempotencyInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if keys := md.Get(pb.MetadataIdempotencyKey); len(keys) > 0 {
				ctx = context.WithValue(ctx, idempotencyKeyCtx{}, keys[0])
			}
		}
		return handler(ctx, req)
	}
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

func (h *GRPCHandler) PlaceOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	customerID, err := intField(req, "customerId")
	if err != nil {
		return nil, h.toStatus(err)
	}
	shippingID, err := intField(req, "shippingAddressId")
	if err != nil {
		return nil, h.toStatus(err)
	}
	billingID, err := intField(req, "billingAddressId")
	if err != nil {
		return nil, h.toStatus(err)
	}

	var lines []domain.OrderLine
	for i, v := range req.GetFields()["items"].GetListValue().GetValues() {
		item := v.GetStructValue()
		if item == nil {
			return nil, h.toStatus(domain.Validationf("items[%d] must be an object", i))
		}
		productID, err := intField(item, "productId")
		if err != nil {
			return nil, h.toStatus(err)
		}
		qty, err := intField(item, "quantity")
		if err != nil {
			return nil, h.toStatus(err)
		}
		lines = append(lines, domain.OrderLine{ProductID: productID, Quantity: int(qty)})
	}

	order, err := h.orderService.PlaceOrder(ctx, service.PlaceOrderRequest{
		CustomerID:        customerID,
		ShippingAddressID: shippingID,
		BillingAddressID:  billingID,
		Lines:             lines,
		Notes:             req.GetFields()["notes"].GetStringValue(),
		IdempotencyKey:    idempotencyKeyFrom(ctx),
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return h.toStruct(orderFields(order))
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := intField(req, "id")
	if err != nil {
		return nil, h.toStatus(err)
	}
	order, err := h.orderService.GetOrder(ctx, id)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return h.toStruct(orderFields(order))
}

func (h *GRPCHandler) UpdateOrderStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := intField(req, "id")
	if err != nil {
		return nil, h.toStatus(err)
	}
	next, err := domain.ParseOrderStatus(req.GetFields()["status"].GetStringValue())
	if err != nil {
		return nil, h.toStatus(err)
	}
	actorID, err := optionalIntField(req, "actorId")
	if err != nil {
		return nil, h.toStatus(err)
	}
	order, err := h.orderService.UpdateOrderStatus(ctx, id, next, actorID, req.GetFields()["note"].GetStringValue())
	if err != nil {
		return nil, h.toStatus(err)
	}
	return h.toStruct(orderFields(order))
}

func (h *GRPCHandler) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := intField(req, "id")
	if err != nil {
		return nil, h.toStatus(err)
	}
	actorID, err := optionalIntField(req, "actorId")
	if err != nil {
		return nil, h.toStatus(err)
	}
	order, err := h.orderService.CancelOrder(ctx, id, actorID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return h.toStruct(orderFields(order))
}

func (h *GRPCHandler) GetOrderStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := h.orderService.GetOrderStats(ctx)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return h.toStruct(statsFields(stats))
}

func (h *GRPCHandler) toStatus(err error) error {
	kind := classifyError(err)
	if kind == kindInternal {
		h.logger.Error("grpc request failed", zap.Error(err))
	}
	return status.Error(kind.grpcCode, publicMessage(kind, err))
}

func (h *GRPCHandler) toStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, h.toStatus(fmt.Errorf("encode response: %w", err))
	}
	return s, nil
}

func intField(s *structpb.Struct, name string) (int64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, domain.Validationf("%s is required", name)
	}
	return numberToInt(v, name)
}

func optionalIntField(s *structpb.Struct, name string) (int64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, nil
	}
	return numberToInt(v, name)
}

func numberToInt(v *structpb.Value, name string) (int64, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, domain.Validationf("%s must be a number", name)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, domain.Validationf("%s must be an integer", name)
	}
	return int64(f), nil
}
