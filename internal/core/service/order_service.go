package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
	"github.com/rl1809/marketplace-orders/internal/port"
)

var tracer = otel.Tracer("github.com/rl1809/marketplace-orders/internal/core/service")

// PlaceOrderRequest is the transport-neutral input of PlaceOrder.
type PlaceOrderRequest struct {
	CustomerID        int64
	ShippingAddressID int64
	BillingAddressID  int64
	Lines             []domain.OrderLine
	Notes             string
	// IdempotencyKey, when set, makes retries of the same request return the first order.
	IdempotencyKey string
}

type OrderService struct {
	db      port.DatabaseRepository
	ledger  *InventoryLedger
	tasks   port.TaskQueue
	cache   port.CacheRepository
	pricing PricingPolicy
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*OrderService)

// WithCache enables idempotency keys. Without it IdempotencyKey is ignored.
func WithCache(cache port.CacheRepository) Option {
	return func(s *OrderService) { s.cache = cache }
}

func WithPricing(p PricingPolicy) Option {
	return func(s *OrderService) { s.pricing = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *OrderService) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

func NewOrderService(db port.DatabaseRepository, ledger *InventoryLedger, tasks port.TaskQueue, opts ...Option) *OrderService {
	s := &OrderService{
		db:      db,
		ledger:  ledger,
		tasks:   tasks,
		pricing: DefaultPricing(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder reserves stock for every line and persists the order in one transaction.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (_ *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.PlaceOrder",
		trace.WithAttributes(attribute.Int64("customer.id", req.CustomerID)))
	defer func() { endSpan(span, err) }()

	lines, err := validatePlaceOrder(req)
	if err != nil {
		return nil, err
	}

	key := ""
	if req.IdempotencyKey != "" && s.cache != nil {
		key = strconv.FormatInt(req.CustomerID, 10) + ":" + req.IdempotencyKey
		existing, err := s.claimIdempotencyKey(ctx, key)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	order, reservations, err := s.placeInTx(ctx, req, lines, key)
	if err != nil {
		if key != "" {
			if relErr := s.cache.ReleaseIdempotencyKey(ctx, key); relErr != nil {
				s.logger.Warn("release idempotency key", zap.String("key", key), zap.Error(relErr))
			}
		}
		return nil, err
	}

	if key != "" {
		s.completeIdempotencyKey(ctx, key, order.ID)
	}

	levels := make([]domain.StockLevel, 0, len(reservations))
	for _, r := range reservations {
		levels = append(levels, domain.StockLevel{
			ProductID: r.ProductID,
			Previous:  r.Remaining + r.Quantity,
			Current:   r.Remaining,
			Version:   r.Version,
		})
	}
	s.ledger.Mirror(ctx, levels...)
	s.tasks.Notify()

	span.SetAttributes(attribute.Int64("order.id", order.ID))
	s.logger.Info("order placed",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("customer_id", order.CustomerID),
		zap.String("total", order.TotalAmount.String()),
	)
	return order, nil
}

func (s *OrderService) placeInTx(ctx context.Context, req PlaceOrderRequest, lines []domain.OrderLine, key string) (*domain.Order, []domain.Reservation, error) {
	var (
		order        *domain.Order
		reservations []domain.Reservation
	)
	err := s.db.WithTx(ctx, func(ctx context.Context, tx port.Tx) error {
		reservations = reservations[:0]

		customer, err := tx.GetCustomer(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		for _, id := range []int64{req.ShippingAddressID, req.BillingAddressID} {
			addr, err := tx.GetAddress(ctx, id)
			if err != nil {
				return err
			}
			if addr.CustomerID != customer.ID {
				return fmt.Errorf("address %d of customer %d: %w", id, customer.ID, domain.ErrNotFound)
			}
		}

		// lines are sorted by product id, so concurrent orders lock rows in the same order
		for _, line := range lines {
			r, err := s.ledger.TryReserve(ctx, tx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			reservations = append(reservations, r)
		}

		order = s.buildOrder(req, reservations)
		order.IdempotencyKey = key
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		created := &order.StatusHistory[0]
		created.OrderID = order.ID
		if err := tx.AppendStatusEvent(ctx, created); err != nil {
			return err
		}

		jobs, err := s.placementJobs(order, reservations)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if err := tx.EnqueueJob(ctx, job); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, reservations, nil
}

func (s *OrderService) buildOrder(req PlaceOrderRequest, reservations []domain.Reservation) *domain.Order {
	now := s.now().UTC()
	order := &domain.Order{
		OrderNumber:       newOrderNumber(now),
		CustomerID:        req.CustomerID,
		Status:            domain.OrderStatusPending,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
		Notes:             req.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	subtotal := money.Zero
	for _, r := range reservations {
		lineTotal := r.UnitPrice.Multiply(r.Quantity)
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:  r.ProductID,
			Quantity:   r.Quantity,
			UnitPrice:  r.UnitPrice,
			TotalPrice: lineTotal,
		})
		subtotal = subtotal.Add(lineTotal)
	}

	order.Subtotal = subtotal
	order.TaxAmount = s.pricing.Tax(subtotal)
	order.ShippingCost = s.pricing.Shipping(subtotal)
	order.TotalAmount = subtotal.Add(order.TaxAmount).Add(order.ShippingCost)
	order.StatusHistory = []domain.OrderStatusEvent{{
		Status:    domain.OrderStatusPending,
		Notes:     "Order created",
		CreatedBy: req.CustomerID,
		CreatedAt: now,
	}}
	return order
}

func (s *OrderService) placementJobs(order *domain.Order, reservations []domain.Reservation) ([]*domain.Job, error) {
	confirm, err := s.tasks.NewJob(domain.JobSendOrderConfirmation,
		domain.OrderConfirmationPayload{OrderID: order.ID},
		"order-confirmation:"+strconv.FormatInt(order.ID, 10))
	if err != nil {
		return nil, err
	}
	jobs := []*domain.Job{confirm}

	for _, r := range reservations {
		if !r.Depleted() {
			continue
		}
		alert, err := s.tasks.NewJob(domain.JobSendLowStockAlert,
			domain.LowStockAlertPayload{ProductID: r.ProductID}, "")
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, alert)
	}
	return jobs, nil
}

// claimIdempotencyKey returns the order already placed under key, if any.
func (s *OrderService) claimIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	ok, err := s.cache.ClaimIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if ok {
		return nil, nil
	}

	orderID, err := s.cache.LookupIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if orderID != 0 {
		return s.db.GetOrder(ctx, orderID)
	}

	// The key may still read in flight after its order committed, when
	// completing it failed. The order row carries the key as well.
	order, err := s.db.FindOrderByIdempotencyKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrDuplicateRequest
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	s.completeIdempotencyKey(ctx, key, order.ID)
	return order, nil
}

const (
	completeKeyAttempts = 3
	completeKeyBackoff  = 20 * time.Millisecond
)

// completeIdempotencyKey records orderID under key. The order is already
// committed, so a failure is logged and replays fall back to the database.
func (s *OrderService) completeIdempotencyKey(ctx context.Context, key string, orderID int64) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= completeKeyAttempts; attempt++ {
		if err = s.cache.CompleteIdempotencyKey(ctx, key, orderID); err == nil {
			return
		}
		if attempt < completeKeyAttempts {
			time.Sleep(time.Duration(attempt) * completeKeyBackoff)
		}
	}
	s.logger.Warn("complete idempotency key",
		zap.String("key", key),
		zap.Int64("order_id", orderID),
		zap.Error(err),
	)
}

func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (_ *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.GetOrder",
		trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	return s.db.GetOrder(ctx, orderID)
}

// UpdateOrderStatus moves an order one step through its lifecycle. A move to
// cancelled goes through CancelOrder so the stock is returned.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID int64, next domain.OrderStatus, actorID int64, note string) (_ *domain.Order, err error) {
	if next == domain.OrderStatusCancelled {
		return s.cancel(ctx, orderID, actorID, note)
	}

	ctx, span := tracer.Start(ctx, "OrderService.UpdateOrderStatus",
		trace.WithAttributes(attribute.Int64("order.id", orderID), attribute.String("order.status", string(next))))
	defer func() { endSpan(span, err) }()

	if _, err := domain.ParseOrderStatus(string(next)); err != nil {
		return nil, err
	}

	var previous domain.OrderStatus
	err = s.db.WithTx(ctx, func(ctx context.Context, tx port.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		previous = order.Status
		return s.transition(ctx, tx, order, next, actorID, note)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order status updated",
		zap.Int64("order_id", orderID),
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
		zap.Int64("actor_id", actorID),
	)
	return s.db.GetOrder(ctx, orderID)
}

// CancelOrder cancels a pending or confirmed order and returns its stock.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, actorID int64) (*domain.Order, error) {
	return s.cancel(ctx, orderID, actorID, "Order cancelled")
}

func (s *OrderService) cancel(ctx context.Context, orderID, actorID int64, note string) (_ *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.CancelOrder",
		trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	var levels []domain.StockLevel
	err = s.db.WithTx(ctx, func(ctx context.Context, tx port.Tx) error {
		levels = levels[:0]

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		items := order.Items
		if err := s.transition(ctx, tx, order, domain.OrderStatusCancelled, actorID, note); err != nil {
			return err
		}

		for _, r := range reservationsOf(items) {
			level, err := s.ledger.Release(ctx, tx, r)
			if err != nil {
				return err
			}
			levels = append(levels, level)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.ledger.Mirror(ctx, levels...)
	s.logger.Info("order cancelled", zap.Int64("order_id", orderID), zap.Int64("actor_id", actorID))
	return s.db.GetOrder(ctx, orderID)
}

func (s *OrderService) transition(ctx context.Context, tx port.Tx, order *domain.Order, next domain.OrderStatus, actorID int64, note string) error {
	event, err := order.Transition(next, actorID, note, s.now().UTC())
	if err != nil {
		return err
	}
	if err := tx.UpdateOrderStatus(ctx, order.ID, order.Status, order.UpdatedAt); err != nil {
		return err
	}
	return tx.AppendStatusEvent(ctx, &event)
}

func (s *OrderService) GetOrderStats(ctx context.Context) (_ domain.OrderStats, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.GetOrderStats")
	defer func() { endSpan(span, err) }()

	return s.db.OrderStats(ctx)
}

// validatePlaceOrder rejects malformed input before any lock is taken and
// returns the lines merged per product in ascending product id order.
func validatePlaceOrder(req PlaceOrderRequest) ([]domain.OrderLine, error) {
	if req.CustomerID <= 0 {
		return nil, domain.Validationf("customer id is required")
	}
	if req.ShippingAddressID <= 0 || req.BillingAddressID <= 0 {
		return nil, domain.Validationf("shipping and billing addresses are required")
	}
	if len(req.Lines) == 0 {
		return nil, domain.Validationf("order must contain at least one item")
	}

	merged := make(map[int64]int, len(req.Lines))
	for _, line := range req.Lines {
		if line.ProductID <= 0 {
			return nil, domain.Validationf("product id must be positive, got %d", line.ProductID)
		}
		if line.Quantity <= 0 {
			return nil, domain.Validationf("quantity for product %d must be positive, got %d", line.ProductID, line.Quantity)
		}
		merged[line.ProductID] += line.Quantity
	}

	lines := make([]domain.OrderLine, 0, len(merged))
	for id, qty := range merged {
		lines = append(lines, domain.OrderLine{ProductID: id, Quantity: qty})
	}
	slices.SortFunc(lines, func(a, b domain.OrderLine) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return lines, nil
}

// reservationsOf rebuilds an order's reservations in ascending product id order.
func reservationsOf(items []domain.OrderItem) []domain.Reservation {
	merged := make(map[int64]int, len(items))
	for _, it := range items {
		merged[it.ProductID] += it.Quantity
	}
	out := make([]domain.Reservation, 0, len(merged))
	for id, qty := range merged {
		out = append(out, domain.Reservation{ProductID: id, Quantity: qty})
	}
	slices.SortFunc(out, func(a, b domain.Reservation) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return out
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "ORD-" + now.Format("20060102") + "-" + suffix
}

func endSpan(span trace.Span, err error) {
	if err != nil && !isCallerError(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// isCallerError reports errors caused by the request rather than the system.
func isCallerError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrDuplicateStatus) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrDuplicateRequest)
}
