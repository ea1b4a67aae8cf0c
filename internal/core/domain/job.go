package domain

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobSendOrderConfirmation JobType = "send_order_confirmation"
	JobSendLowStockAlert     JobType = "send_low_stock_alert"
	JobPropagateStockSync    JobType = "propagate_stock_sync"
	JobSyncProductStock      JobType = "sync_product_stock"
	JobGenerateDailyReport   JobType = "generate_daily_report"
	JobCleanupOldOrders      JobType = "cleanup_old_orders"
)

type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
)

// Job is a durable unit of background work. Rows are deleted on success and
// moved to the dead-letter table once MaxAttempts executions have failed.
type Job struct {
	ID          string
	Type        JobType
	Payload     json.RawMessage
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	LeaseUntil  time.Time
	LastError   string
	// DedupeKey, when set, makes a second enqueue of the same key a no-op
	// while the first job is still stored.
	DedupeKey string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DeadLetter struct {
	JobID       string
	Type        JobType
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
	Reason      string
	FailedAt    time.Time
}

// Payloads carried by the job types.

type OrderConfirmationPayload struct {
	OrderID int64 `json:"order_id"`
}

type LowStockAlertPayload struct {
	ProductID int64 `json:"product_id"`
}

type StockSyncPayload struct {
	VendorID int64 `json:"vendor_id"`
}

type ProductStockSyncPayload struct {
	ProductID int64 `json:"product_id"`
}

type DailyReportPayload struct {
	Date string `json:"date"` // YYYY-MM-DD
}

type CleanupPayload struct {
	OlderThanDays int `json:"older_than_days"`
}
