package storage

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	// Pure-Go driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		username    TEXT NOT NULL UNIQUE,
		email       TEXT NOT NULL,
		first_name  TEXT NOT NULL DEFAULT '',
		last_name   TEXT NOT NULL DEFAULT '',
		is_vendor   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS addresses (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_id  INTEGER NOT NULL,
		street       TEXT NOT NULL,
		city         TEXT NOT NULL,
		state        TEXT NOT NULL DEFAULT '',
		postal_code  TEXT NOT NULL DEFAULT '',
		country      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		vendor_id       INTEGER NOT NULL,
		sku             TEXT NOT NULL UNIQUE,
		name            TEXT NOT NULL,
		price_cents     INTEGER NOT NULL CHECK (price_cents >= 0),
		stock_quantity  INTEGER NOT NULL CHECK (stock_quantity >= 0),
		stock_version   INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_vendor ON products(vendor_id)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		order_number         TEXT NOT NULL UNIQUE,
		customer_id          INTEGER NOT NULL,
		status               TEXT NOT NULL,
		subtotal_cents       INTEGER NOT NULL,
		tax_cents            INTEGER NOT NULL,
		shipping_cents       INTEGER NOT NULL,
		total_cents          INTEGER NOT NULL,
		shipping_address_id  INTEGER NOT NULL,
		billing_address_id   INTEGER NOT NULL,
		notes                TEXT NOT NULL DEFAULT '',
		idempotency_key      TEXT UNIQUE,
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id           INTEGER NOT NULL,
		product_id         INTEGER NOT NULL,
		quantity           INTEGER NOT NULL CHECK (quantity > 0),
		unit_price_cents   INTEGER NOT NULL,
		total_price_cents  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id)`,
	`CREATE TABLE IF NOT EXISTS order_status_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id    INTEGER NOT NULL,
		status      TEXT NOT NULL,
		notes       TEXT NOT NULL DEFAULT '',
		created_by  INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_events_order ON order_status_events(order_id, id)`,
	`CREATE TABLE IF NOT EXISTS task_jobs (
		id            TEXT PRIMARY KEY,
		job_type      TEXT NOT NULL,
		payload       TEXT NOT NULL,
		status        TEXT NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		max_attempts  INTEGER NOT NULL,
		next_run_at   TEXT NOT NULL,
		lease_until   TEXT,
		last_error    TEXT NOT NULL DEFAULT '',
		dedupe_key    TEXT UNIQUE,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_jobs_eligible ON task_jobs(status, next_run_at)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_jobs (
		job_id        TEXT PRIMARY KEY,
		job_type      TEXT NOT NULL,
		payload       TEXT NOT NULL,
		attempts      INTEGER NOT NULL,
		max_attempts  INTEGER NOT NULL,
		reason        TEXT NOT NULL,
		failed_at     TEXT NOT NULL
	)`,
}

// SQLite has no row locks; a single connection serializes every transaction,
// which is a stricter form of the per-product exclusion MySQL provides.
var sqliteDialect = dialect{
	name:   "sqlite",
	schema: sqliteSchema,
	insertJob: `
		INSERT INTO task_jobs (id, job_type, payload, status, attempts, max_attempts,
			next_run_at, last_error, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
	retryable: func(error) bool { return false },
}

func NewSQLiteAdapter(db *sql.DB, logger *zap.Logger) *SQLStore {
	db.SetMaxOpenConns(1)
	return newSQLStore(db, sqliteDialect, logger)
}

// OpenSQLite opens (or creates) the database file at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	store := NewSQLiteAdapter(db, logger)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
