package domain

import (
	"time"

	"github.com/rl1809/marketplace-orders/internal/core/money"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

type Order struct {
	ID                int64
	OrderNumber       string
	CustomerID        int64
	Status            OrderStatus
	Subtotal          money.Amount
	TaxAmount         money.Amount
	ShippingCost      money.Amount
	TotalAmount       money.Amount
	ShippingAddressID int64
	BillingAddressID  int64
	Notes             string
	// IdempotencyKey is the customer-scoped key the order was placed under, if any.
	IdempotencyKey string
	Items          []OrderItem
	StatusHistory  []OrderStatusEvent
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type OrderItem struct {
	ID         int64
	OrderID    int64
	ProductID  int64
	Quantity   int
	UnitPrice  money.Amount
	TotalPrice money.Amount
}

// OrderStatusEvent is one append-only entry of an order's status history.
type OrderStatusEvent struct {
	ID        int64
	OrderID   int64
	Status    OrderStatus
	Notes     string
	CreatedBy int64 // 0 for system actions
	CreatedAt time.Time
}

// OrderLine is a requested (product, quantity) pair.
type OrderLine struct {
	ProductID int64
	Quantity  int
}

type OrderStats struct {
	TotalOrders       int64
	DeliveredOrders   int64
	TotalRevenue      money.Amount
	AverageOrderValue money.Amount
}

// DailySummary aggregates the orders created on one UTC day.
type DailySummary struct {
	Date              time.Time
	TotalOrders       int64
	TotalRevenue      money.Amount
	AverageOrderValue money.Amount
}
