package domain

import (
	"time"

	"github.com/rl1809/marketplace-orders/internal/core/money"
)

type Product struct {
	ID            int64
	VendorID      int64
	SKU           string
	Name          string
	Price         money.Amount
	StockQuantity int
	// StockVersion increases with every committed stock write.
	StockVersion int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Reservation is a reversible stock decrement taken for one placement attempt.
type Reservation struct {
	ProductID int64
	Quantity  int
	// Remaining is the stock left after the decrement.
	Remaining int
	// UnitPrice is the product price read under the same lock.
	UnitPrice money.Amount
	// Version is the product's stock version after the decrement.
	Version int64
}

// Depleted reports whether the reservation took the last unit.
func (r Reservation) Depleted() bool {
	return r.Remaining <= 0
}

// StockLevel is the outcome of an Adjust or SetLevel on the ledger.
type StockLevel struct {
	ProductID int64
	Previous  int
	Current   int
	// Version orders levels of one product by commit; mirrors drop older ones.
	Version int64
}

// ReachedZero reports a transition from available to out of stock.
func (l StockLevel) ReachedZero() bool {
	return l.Previous > 0 && l.Current <= 0
}
