package port

import (
	"context"
	"time"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
)

type DatabaseRepository interface {
	// WithTx runs fn in one transaction, committing when fn returns nil
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetOrder loads an order with its items and status history
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	// FindOrderByIdempotencyKey loads the order placed under key or fails with ErrNotFound
	FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)

	GetCustomer(ctx context.Context, customerID int64) (*domain.Customer, error)
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
	ListVendorProducts(ctx context.Context, vendorID int64) ([]domain.Product, error)

	// OrderStats counts all orders and sums revenue over delivered ones
	OrderStats(ctx context.Context) (domain.OrderStats, error)

	// DailySummary aggregates non-cancelled orders created in [day, day+24h)
	DailySummary(ctx context.Context, day time.Time) (domain.DailySummary, error)

	// DeleteTerminalOrdersBefore removes delivered and cancelled orders created before cutoff
	DeleteTerminalOrdersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Tx is the set of writes that must commit together.
type Tx interface {
	GetCustomer(ctx context.Context, customerID int64) (*domain.Customer, error)
	GetAddress(ctx context.Context, addressID int64) (*domain.Address, error)

	// LockProduct reads a product and holds its row lock until the transaction ends
	LockProduct(ctx context.Context, productID int64) (*domain.Product, error)
	// UpdateProductStock writes stock and returns the product's new stock version
	UpdateProductStock(ctx context.Context, productID int64, stock int) (int64, error)
	UpdateProductPrice(ctx context.Context, productID int64, price money.Amount) error

	// LockOrder reads an order with its items and holds its row lock
	LockOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	// InsertOrder stores the order and its items, assigning their IDs
	InsertOrder(ctx context.Context, order *domain.Order) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus, at time.Time) error
	AppendStatusEvent(ctx context.Context, event *domain.OrderStatusEvent) error

	// EnqueueJob stores a job that becomes visible when the transaction commits
	EnqueueJob(ctx context.Context, job *domain.Job) error
}
