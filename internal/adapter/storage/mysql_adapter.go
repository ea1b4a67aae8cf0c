package storage

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id          BIGINT AUTO_INCREMENT PRIMARY KEY,
		username    VARCHAR(150) NOT NULL UNIQUE,
		email       VARCHAR(254) NOT NULL,
		first_name  VARCHAR(150) NOT NULL DEFAULT '',
		last_name   VARCHAR(150) NOT NULL DEFAULT '',
		is_vendor   BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS addresses (
		id           BIGINT AUTO_INCREMENT PRIMARY KEY,
		customer_id  BIGINT NOT NULL,
		street       VARCHAR(255) NOT NULL,
		city         VARCHAR(100) NOT NULL,
		state        VARCHAR(100) NOT NULL DEFAULT '',
		postal_code  VARCHAR(20) NOT NULL DEFAULT '',
		country      VARCHAR(100) NOT NULL,
		INDEX idx_addresses_customer (customer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id              BIGINT AUTO_INCREMENT PRIMARY KEY,
		vendor_id       BIGINT NOT NULL,
		sku             VARCHAR(64) NOT NULL UNIQUE,
		name            VARCHAR(200) NOT NULL,
		price_cents     BIGINT NOT NULL CHECK (price_cents >= 0),
		stock_quantity  INT NOT NULL CHECK (stock_quantity >= 0),
		stock_version   BIGINT NOT NULL DEFAULT 0,
		created_at      DATETIME(6) NOT NULL,
		updated_at      DATETIME(6) NOT NULL,
		INDEX idx_products_vendor (vendor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                   BIGINT AUTO_INCREMENT PRIMARY KEY,
		order_number         VARCHAR(32) NOT NULL UNIQUE,
		customer_id          BIGINT NOT NULL,
		status               VARCHAR(20) NOT NULL,
		subtotal_cents       BIGINT NOT NULL,
		tax_cents            BIGINT NOT NULL,
		shipping_cents       BIGINT NOT NULL,
		total_cents          BIGINT NOT NULL,
		shipping_address_id  BIGINT NOT NULL,
		billing_address_id   BIGINT NOT NULL,
		notes                TEXT NOT NULL,
		idempotency_key      VARCHAR(191) NULL UNIQUE,
		created_at           DATETIME(6) NOT NULL,
		updated_at           DATETIME(6) NOT NULL,
		INDEX idx_orders_status_created (status, created_at),
		INDEX idx_orders_created (created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id                 BIGINT AUTO_INCREMENT PRIMARY KEY,
		order_id           BIGINT NOT NULL,
		product_id         BIGINT NOT NULL,
		quantity           INT NOT NULL CHECK (quantity > 0),
		unit_price_cents   BIGINT NOT NULL,
		total_price_cents  BIGINT NOT NULL,
		INDEX idx_order_items_order (order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_status_events (
		id          BIGINT AUTO_INCREMENT PRIMARY KEY,
		order_id    BIGINT NOT NULL,
		status      VARCHAR(20) NOT NULL,
		notes       TEXT NOT NULL,
		created_by  BIGINT NOT NULL DEFAULT 0,
		created_at  DATETIME(6) NOT NULL,
		INDEX idx_status_events_order (order_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS task_jobs (
		id            CHAR(36) PRIMARY KEY,
		job_type      VARCHAR(64) NOT NULL,
		payload       JSON NOT NULL,
		status        VARCHAR(16) NOT NULL,
		attempts      INT NOT NULL DEFAULT 0,
		max_attempts  INT NOT NULL,
		next_run_at   DATETIME(6) NOT NULL,
		lease_until   DATETIME(6) NULL,
		last_error    TEXT NOT NULL,
		dedupe_key    VARCHAR(191) NULL UNIQUE,
		created_at    DATETIME(6) NOT NULL,
		updated_at    DATETIME(6) NOT NULL,
		INDEX idx_task_jobs_eligible (status, next_run_at)
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_jobs (
		job_id        CHAR(36) PRIMARY KEY,
		job_type      VARCHAR(64) NOT NULL,
		payload       JSON NOT NULL,
		attempts      INT NOT NULL,
		max_attempts  INT NOT NULL,
		reason        TEXT NOT NULL,
		failed_at     DATETIME(6) NOT NULL,
		INDEX idx_dead_letter_failed (failed_at)
	)`,
}

var mysqlDialect = dialect{
	name:      "mysql",
	schema:    mysqlSchema,
	forUpdate: ` FOR UPDATE`,
	claimLock: ` FOR UPDATE SKIP LOCKED`,
	insertJob: `
		INSERT INTO task_jobs (id, job_type, payload, status, attempts, max_attempts,
			next_run_at, last_error, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`,
	retryable: isMySQLRetryable,
}

// NewMySQLAdapter serves all repositories from a MySQL 8 pool. Row locks are
// taken with SELECT ... FOR UPDATE and released at commit or rollback.
func NewMySQLAdapter(db *sql.DB, logger *zap.Logger) *SQLStore {
	return newSQLStore(db, mysqlDialect, logger)
}

func isMySQLRetryable(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == mysqlErrDeadlock || myErr.Number == mysqlErrLockWaitTimeout
}
