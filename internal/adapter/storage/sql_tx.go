package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
	"github.com/rl1809/marketplace-orders/internal/port"
)

type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

var _ port.Tx = (*sqlTx)(nil)

func (t *sqlTx) GetCustomer(ctx context.Context, customerID int64) (*domain.Customer, error) {
	return getCustomer(ctx, t.tx, customerID)
}

func (t *sqlTx) GetAddress(ctx context.Context, addressID int64) (*domain.Address, error) {
	var a domain.Address
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, customer_id, street, city, state, postal_code, country
		FROM addresses WHERE id = ?`, addressID,
	).Scan(&a.ID, &a.CustomerID, &a.Street, &a.City, &a.State, &a.PostalCode, &a.Country)
	if err != nil {
		return nil, wrapNotFound(err, "address", addressID)
	}
	return &a, nil
}

func (t *sqlTx) LockProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx, selectProduct+` WHERE id = ?`+t.dialect.forUpdate, productID))
	if err != nil {
		return nil, wrapNotFound(err, "product", productID)
	}
	return p, nil
}

func (t *sqlTx) UpdateProductStock(ctx context.Context, productID int64, stock int) (int64, error) {
	if stock < 0 {
		return 0, fmt.Errorf("product %d: stock %d below zero", productID, stock)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE products SET stock_quantity = ?, stock_version = stock_version + 1, updated_at = ?
		WHERE id = ?`,
		stock, formatTime(time.Now()), productID,
	)
	if err != nil {
		return 0, fmt.Errorf("update stock of product %d: %w", productID, err)
	}

	// The row is still locked by this transaction, so the version read here
	// is the one that commits.
	var version int64
	err = t.tx.QueryRowContext(ctx, `SELECT stock_version FROM products WHERE id = ?`, productID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read stock version of product %d: %w", productID, err)
	}
	return version, nil
}

func (t *sqlTx) UpdateProductPrice(ctx context.Context, productID int64, price money.Amount) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE products SET price_cents = ?, updated_at = ? WHERE id = ?`,
		price, formatTime(time.Now()), productID,
	)
	if err != nil {
		return fmt.Errorf("update price of product %d: %w", productID, err)
	}
	return nil
}

func (t *sqlTx) LockOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := scanOrder(t.tx.QueryRowContext(ctx, selectOrder+` WHERE id = ?`+t.dialect.forUpdate, orderID))
	if err != nil {
		return nil, wrapNotFound(err, "order", orderID)
	}
	if order.Items, err = queryItems(ctx, t.tx, orderID); err != nil {
		return nil, err
	}
	return order, nil
}

func (t *sqlTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (order_number, customer_id, status, subtotal_cents, tax_cents,
			shipping_cents, total_cents, shipping_address_id, billing_address_id, notes,
			idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderNumber, o.CustomerID, o.Status, o.Subtotal, o.TaxAmount, o.ShippingCost,
		o.TotalAmount, o.ShippingAddressID, o.BillingAddressID, o.Notes,
		sql.NullString{String: o.IdempotencyKey, Valid: o.IdempotencyKey != ""},
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if o.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("order id: %w", err)
	}

	for i := range o.Items {
		it := &o.Items[i]
		it.OrderID = o.ID
		res, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price_cents, total_price_cents)
			VALUES (?, ?, ?, ?, ?)`,
			it.OrderID, it.ProductID, it.Quantity, it.UnitPrice, it.TotalPrice,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
		if it.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("order item id: %w", err)
		}
	}
	return nil
}

func (t *sqlTx) UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(at), orderID,
	)
	if err != nil {
		return fmt.Errorf("update order %d status: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %d: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) AppendStatusEvent(ctx context.Context, ev *domain.OrderStatusEvent) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_status_events (order_id, status, notes, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.OrderID, ev.Status, ev.Notes, ev.CreatedBy, formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	return err
}

func (t *sqlTx) EnqueueJob(ctx context.Context, job *domain.Job) error {
	_, err := insertJob(ctx, t.tx, t.dialect, job)
	return err
}
