package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
	"github.com/rl1809/marketplace-orders/internal/port"
)

// InventoryLedger owns every change to a product's stock counter.
//
// TryReserve and Release run inside the caller's transaction and hold the
// product row lock until it commits or rolls back, so a reservation that is
// part of an aborted placement disappears with the rollback. Adjust and
// SetLevel open their own short transaction and are used only by restocks and
// supplier syncs.
type InventoryLedger struct {
	db     port.DatabaseRepository
	cache  port.CacheRepository
	tasks  port.TaskQueue
	logger *zap.Logger
}

type LedgerOption func(*InventoryLedger)

// WithLowStockAlerts makes Adjust and SetLevel enqueue SendLowStockAlert, in
// the same transaction, when they take a product to zero.
func WithLowStockAlerts(tasks port.TaskQueue) LedgerOption {
	return func(l *InventoryLedger) { l.tasks = tasks }
}

func NewInventoryLedger(db port.DatabaseRepository, cache port.CacheRepository, logger *zap.Logger, opts ...LedgerOption) *InventoryLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &InventoryLedger{db: db, cache: cache, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryReserve locks the product row and decrements its stock by quantity.
func (l *InventoryLedger) TryReserve(ctx context.Context, tx port.Tx, productID int64, quantity int) (domain.Reservation, error) {
	if quantity <= 0 {
		return domain.Reservation{}, domain.Validationf("quantity for product %d must be positive, got %d", productID, quantity)
	}

	product, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if product.StockQuantity < quantity {
		return domain.Reservation{}, &domain.StockError{
			ProductID: productID,
			Requested: quantity,
			Available: product.StockQuantity,
		}
	}

	remaining := product.StockQuantity - quantity
	version, err := tx.UpdateProductStock(ctx, productID, remaining)
	if err != nil {
		return domain.Reservation{}, err
	}

	return domain.Reservation{
		ProductID: productID,
		Quantity:  quantity,
		Remaining: remaining,
		UnitPrice: product.Price,
		Version:   version,
	}, nil
}

// Release returns a reservation's quantity to stock.
func (l *InventoryLedger) Release(ctx context.Context, tx port.Tx, r domain.Reservation) (domain.StockLevel, error) {
	product, err := tx.LockProduct(ctx, r.ProductID)
	if err != nil {
		return domain.StockLevel{}, err
	}
	level := domain.StockLevel{
		ProductID: r.ProductID,
		Previous:  product.StockQuantity,
		Current:   product.StockQuantity + r.Quantity,
	}
	if level.Version, err = tx.UpdateProductStock(ctx, r.ProductID, level.Current); err != nil {
		return domain.StockLevel{}, err
	}
	return level, nil
}

// Adjust applies delta to the stock, clamping the result at zero.
func (l *InventoryLedger) Adjust(ctx context.Context, productID int64, delta int) (domain.StockLevel, error) {
	return l.update(ctx, productID, func(p *domain.Product) (int, *money.Amount) {
		return p.StockQuantity + delta, nil
	})
}

// SetLevel overwrites the stock with an absolute figure, clamped at zero, and
// optionally the price. Applying the same figures twice is a no-op the second time.
func (l *InventoryLedger) SetLevel(ctx context.Context, productID int64, stock int, price *money.Amount) (domain.StockLevel, error) {
	return l.update(ctx, productID, func(*domain.Product) (int, *money.Amount) {
		return stock, price
	})
}

func (l *InventoryLedger) update(ctx context.Context, productID int64, next func(*domain.Product) (int, *money.Amount)) (domain.StockLevel, error) {
	var (
		level   domain.StockLevel
		alerted bool
	)
	err := l.db.WithTx(ctx, func(ctx context.Context, tx port.Tx) error {
		alerted = false

		product, err := tx.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		stock, price := next(product)
		level = domain.StockLevel{
			ProductID: productID,
			Previous:  product.StockQuantity,
			Current:   max(stock, 0),
			Version:   product.StockVersion,
		}

		if level.Current != level.Previous {
			if level.Version, err = tx.UpdateProductStock(ctx, productID, level.Current); err != nil {
				return err
			}
		}
		if price != nil && !price.Equal(product.Price) {
			if price.IsNegative() {
				return domain.Validationf("price of product %d must not be negative", productID)
			}
			if err := tx.UpdateProductPrice(ctx, productID, *price); err != nil {
				return err
			}
		}

		if l.tasks != nil && level.ReachedZero() {
			alert, err := l.tasks.NewJob(domain.JobSendLowStockAlert,
				domain.LowStockAlertPayload{ProductID: productID}, "")
			if err != nil {
				return err
			}
			if err := tx.EnqueueJob(ctx, alert); err != nil {
				return err
			}
			alerted = true
		}
		return nil
	})
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("update stock of product %d: %w", productID, err)
	}

	l.Mirror(ctx, level)
	if alerted {
		l.tasks.Notify()
	}
	return level, nil
}

// Mirror copies committed levels to the cache. Failures are logged only; the
// database stays the source of truth.
func (l *InventoryLedger) Mirror(ctx context.Context, levels ...domain.StockLevel) {
	if l.cache == nil {
		return
	}
	for _, level := range levels {
		if err := l.cache.SetStockLevel(ctx, level.ProductID, level.Current, level.Version); err != nil {
			l.logger.Warn("mirror stock level",
				zap.Int64("product_id", level.ProductID), zap.Error(err))
		}
	}
}
