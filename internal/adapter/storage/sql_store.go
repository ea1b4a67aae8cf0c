package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/port"
)

const maxTxAttempts = 3

// dialect holds the statements that differ between MySQL and SQLite.
type dialect struct {
	name   string
	schema []string
	// forUpdate is appended to SELECTs that must hold row locks until commit.
	forUpdate string
	// claimLock is appended to the job claim SELECT.
	claimLock string
	// insertJob inserts a task_jobs row and ignores dedupe_key conflicts.
	insertJob string
	retryable func(error) bool
}

// SQLStore implements the order, inventory and job repositories on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

var (
	_ port.DatabaseRepository = (*SQLStore)(nil)
	_ port.JobRepository      = (*SQLStore)(nil)
)

func newSQLStore(db *sql.DB, d dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, dialect: d, logger: logger.With(zap.String("store", d.name))}
}

// DB exposes the pool for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: migrate: %w", s.dialect.name, err)
		}
	}
	return nil
}

// WithTx retries fn when the database reports a deadlock or lock timeout.
func (s *SQLStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, &sqlTx{tx: tx, dialect: s.dialect})
	})
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !s.dialect.retryable(err) {
			return err
		}
		s.logger.Warn("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

func (s *SQLStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, selectOrder+` WHERE id = ?`, orderID))
	if err != nil {
		return nil, wrapNotFound(err, "order", orderID)
	}
	if order.Items, err = queryItems(ctx, s.db, orderID); err != nil {
		return nil, err
	}
	if order.StatusHistory, err = queryEvents(ctx, s.db, orderID); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *SQLStore) FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE idempotency_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order with idempotency key %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find order by idempotency key: %w", err)
	}
	return s.GetOrder(ctx, id)
}

func (s *SQLStore) GetCustomer(ctx context.Context, customerID int64) (*domain.Customer, error) {
	return getCustomer(ctx, s.db, customerID)
}

func (s *SQLStore) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, selectProduct+` WHERE id = ?`, productID))
	if err != nil {
		return nil, wrapNotFound(err, "product", productID)
	}
	return p, nil
}

func (s *SQLStore) ListVendorProducts(ctx context.Context, vendorID int64) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, selectProduct+` WHERE vendor_id = ? ORDER BY id`, vendorID)
	if err != nil {
		return nil, fmt.Errorf("query vendor products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (s *SQLStore) OrderStats(ctx context.Context) (domain.OrderStats, error) {
	var stats domain.OrderStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&stats.TotalOrders); err != nil {
		return stats, fmt.Errorf("count orders: %w", err)
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_cents), 0)
		FROM orders WHERE status = ?`, domain.OrderStatusDelivered,
	).Scan(&stats.DeliveredOrders, &stats.TotalRevenue)
	if err != nil {
		return stats, fmt.Errorf("sum delivered orders: %w", err)
	}

	stats.AverageOrderValue = stats.TotalRevenue.DivideBy(stats.DeliveredOrders)
	return stats, nil
}

func (s *SQLStore) DailySummary(ctx context.Context, day time.Time) (domain.DailySummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	summary := domain.DailySummary{Date: start}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_cents), 0)
		FROM orders
		WHERE created_at >= ? AND created_at < ? AND status <> ?`,
		formatTime(start), formatTime(start.Add(24*time.Hour)), domain.OrderStatusCancelled,
	).Scan(&summary.TotalOrders, &summary.TotalRevenue)
	if err != nil {
		return summary, fmt.Errorf("daily summary: %w", err)
	}

	summary.AverageOrderValue = summary.TotalRevenue.DivideBy(summary.TotalOrders)
	return summary, nil
}

func (s *SQLStore) DeleteTerminalOrdersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		deleted = 0

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM orders
			WHERE status IN (?, ?) AND created_at < ?`+s.dialect.forUpdate,
			domain.OrderStatusDelivered, domain.OrderStatusCancelled, formatTime(cutoff),
		)
		if err != nil {
			return fmt.Errorf("select terminal orders: %w", err)
		}
		var ids []any
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan order id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for start := 0; start < len(ids); start += deleteBatchSize {
			end := min(start+deleteBatchSize, len(ids))
			batch := ids[start:end]
			in := placeholders(len(batch))

			if _, err := tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id IN (`+in+`)`, batch...); err != nil {
				return fmt.Errorf("delete order items: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM order_status_events WHERE order_id IN (`+in+`)`, batch...); err != nil {
				return fmt.Errorf("delete status events: %w", err)
			}
			args := append(append([]any{}, batch...), domain.OrderStatusDelivered, domain.OrderStatusCancelled)
			res, err := tx.ExecContext(ctx,
				`DELETE FROM orders WHERE id IN (`+in+`) AND status IN (?, ?)`, args...)
			if err != nil {
				return fmt.Errorf("delete orders: %w", err)
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
		return nil
	})
	return deleted, err
}

const deleteBatchSize = 500

// CreateCustomer, CreateAddress and CreateProduct load reference data.

func (s *SQLStore) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (username, email, first_name, last_name, is_vendor)
		VALUES (?, ?, ?, ?, ?)`,
		c.Username, c.Email, c.FirstName, c.LastName, c.IsVendor,
	)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *SQLStore) CreateAddress(ctx context.Context, a *domain.Address) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO addresses (customer_id, street, city, state, postal_code, country)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.CustomerID, a.Street, a.City, a.State, a.PostalCode, a.Country,
	)
	if err != nil {
		return fmt.Errorf("insert address: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (s *SQLStore) CreateProduct(ctx context.Context, p *domain.Product) error {
	if p.StockQuantity < 0 {
		return domain.Validationf("stock of %q must not be negative", p.SKU)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO products (vendor_id, sku, name, price_cents, stock_quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.VendorID, p.SKU, p.Name, p.Price, p.StockQuantity, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	p.ID, err = res.LastInsertId()
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectProduct = `
	SELECT id, vendor_id, sku, name, price_cents, stock_quantity, stock_version, created_at, updated_at
	FROM products`

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var createdAt, updatedAt dbTime
	err := row.Scan(&p.ID, &p.VendorID, &p.SKU, &p.Name, &p.Price, &p.StockQuantity, &p.StockVersion, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = createdAt.Time, updatedAt.Time
	return &p, nil
}

func getCustomer(ctx context.Context, q queryer, customerID int64) (*domain.Customer, error) {
	var c domain.Customer
	err := q.QueryRowContext(ctx, `
		SELECT id, username, email, first_name, last_name, is_vendor
		FROM customers WHERE id = ?`, customerID,
	).Scan(&c.ID, &c.Username, &c.Email, &c.FirstName, &c.LastName, &c.IsVendor)
	if err != nil {
		return nil, wrapNotFound(err, "customer", customerID)
	}
	return &c, nil
}

const selectOrder = `
	SELECT id, order_number, customer_id, status, subtotal_cents, tax_cents, shipping_cents,
	       total_cents, shipping_address_id, billing_address_id, notes, idempotency_key,
	       created_at, updated_at
	FROM orders`

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var key sql.NullString
	var createdAt, updatedAt dbTime
	err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &o.Status,
		&o.Subtotal, &o.TaxAmount, &o.ShippingCost, &o.TotalAmount,
		&o.ShippingAddressID, &o.BillingAddressID, &o.Notes, &key, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.IdempotencyKey = key.String
	o.CreatedAt, o.UpdatedAt = createdAt.Time, updatedAt.Time
	return &o, nil
}

func queryItems(ctx context.Context, q queryer, orderID int64) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price_cents, total_price_cents
		FROM order_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.TotalPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func queryEvents(ctx context.Context, q queryer, orderID int64) ([]domain.OrderStatusEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, status, notes, created_by, created_at
		FROM order_status_events WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query status events: %w", err)
	}
	defer rows.Close()

	var events []domain.OrderStatusEvent
	for rows.Next() {
		var ev domain.OrderStatusEvent
		var createdAt dbTime
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.Status, &ev.Notes, &ev.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		ev.CreatedAt = createdAt.Time
		events = append(events, ev)
	}
	return events, rows.Err()
}

func wrapNotFound(err error, kind string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", kind, id, domain.ErrNotFound)
	}
	return fmt.Errorf("query %s %d: %w", kind, id, err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
