package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
	"github.com/rl1809/marketplace-orders/internal/port"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "orders.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/marketplace_test?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	return db
}

func newMySQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db := getMySQLDB(t)
	store := NewMySQLAdapter(db, nil)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	for _, table := range []string{"customers", "addresses", "products", "orders", "order_items",
		"order_status_events", "task_jobs", "dead_letter_jobs"} {
		_, err := db.ExecContext(ctx, "TRUNCATE TABLE "+table)
		require.NoError(t, err)
	}
	t.Cleanup(func() { db.Close() })
	return store
}

// forEachStore runs fn against every dialect that is available.
func forEachStore(t *testing.T, fn func(t *testing.T, store *SQLStore)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
	t.Run("mysql", func(t *testing.T) { fn(t, newMySQLStore(t)) })
}

type fixture struct {
	customer domain.Customer
	address  domain.Address
	product  domain.Product
}

func seed(t *testing.T, store *SQLStore, stock int) fixture {
	t.Helper()
	ctx := context.Background()
	f := fixture{
		customer: domain.Customer{Username: "alice-" + uuid.NewString()[:8], Email: "alice@example.com", FirstName: "Alice"},
	}
	require.NoError(t, store.CreateCustomer(ctx, &f.customer))
	f.address = domain.Address{CustomerID: f.customer.ID, Street: "1 Main St", City: "Springfield", Country: "US"}
	require.NoError(t, store.CreateAddress(ctx, &f.address))
	f.product = domain.Product{VendorID: f.customer.ID, SKU: "SKU-" + uuid.NewString()[:8], Name: "Widget",
		Price: money.MustParse("19.99"), StockQuantity: stock}
	require.NoError(t, store.CreateProduct(ctx, &f.product))
	return f
}

func newOrder(f fixture, status domain.OrderStatus, createdAt time.Time, total string) *domain.Order {
	amount := money.MustParse(total)
	return &domain.Order{
		OrderNumber:       "ORD-" + uuid.NewString()[:12],
		CustomerID:        f.customer.ID,
		Status:            status,
		Subtotal:          amount,
		TaxAmount:         money.Zero,
		ShippingCost:      money.Zero,
		TotalAmount:       amount,
		ShippingAddressID: f.address.ID,
		BillingAddressID:  f.address.ID,
		Items: []domain.OrderItem{{
			ProductID: f.product.ID, Quantity: 1, UnitPrice: amount, TotalPrice: amount,
		}},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func insertOrder(t *testing.T, store *SQLStore, o *domain.Order) {
	t.Helper()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		return tx.AppendStatusEvent(ctx, &domain.OrderStatusEvent{
			OrderID: o.ID, Status: o.Status, Notes: "seeded", CreatedAt: o.CreatedAt,
		})
	})
	require.NoError(t, err)
}

func TestStore_InsertAndGetOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		f := seed(t, store, 10)
		created := time.Date(2026, 3, 1, 12, 0, 0, 123000, time.UTC)
		o := newOrder(f, domain.OrderStatusPending, created, "59.97")
		o.Notes = "leave at door"
		insertOrder(t, store, o)

		got, err := store.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.OrderNumber, got.OrderNumber)
		assert.Equal(t, "59.97", got.TotalAmount.String())
		assert.Equal(t, "leave at door", got.Notes)
		assert.True(t, created.Equal(got.CreatedAt))
		require.Len(t, got.Items, 1)
		assert.Equal(t, f.product.ID, got.Items[0].ProductID)
		require.Len(t, got.StatusHistory, 1)
		assert.Equal(t, domain.OrderStatusPending, got.StatusHistory[0].Status)
	})
}

func TestStore_FindOrderByIdempotencyKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		f := seed(t, store, 10)
		key := strconv.FormatInt(f.customer.ID, 10) + ":" + uuid.NewString()

		_, err := store.FindOrderByIdempotencyKey(ctx, key)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		o := newOrder(f, domain.OrderStatusPending, time.Now().UTC(), "5.00")
		o.IdempotencyKey = key
		insertOrder(t, store, o)
		insertOrder(t, store, newOrder(f, domain.OrderStatusPending, time.Now().UTC(), "6.00"))

		got, err := store.FindOrderByIdempotencyKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.ID)
		assert.Equal(t, key, got.IdempotencyKey)
		assert.Len(t, got.Items, 1)

		// a key places at most one order
		dup := newOrder(f, domain.OrderStatusPending, time.Now().UTC(), "5.00")
		dup.IdempotencyKey = key
		err = store.WithTx(ctx, func(ctx context.Context, tx port.Tx) error {
			return tx.InsertOrder(ctx, dup)
		})
		assert.Error(t, err)
	})
}

func TestStore_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()

		_, err := store.GetOrder(ctx, 999)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.GetCustomer(ctx, 999)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		err = store.WithTx(ctx, func(ctx context.Context, tx port.Tx) error {
			_, err := tx.LockProduct(ctx, 999)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStore_RollbackDiscardsEverything(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		f := seed(t, store, 10)
		boom := errors.New("boom")

		var orderID int64
		err := store.WithTx(ctx, func(ctx context.Context, tx port.Tx) error {
			p, err := tx.LockProduct(ctx, f.product.ID)
			if err != nil {
				return err
			}
			if _, err := tx.UpdateProductStock(ctx, p.ID, p.StockQuantity-3); err != nil {
				return err
			}
			o := newOrder(f, domain.OrderStatusPending, time.Now(), "10.00")
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
			orderID = o.ID
			if err := tx.EnqueueJob(ctx, testJob(domain.JobSendOrderConfirmation, time.Now())); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		p, err := store.GetProduct(ctx, f.product.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, p.StockQuantity)

		_, err = store.GetOrder(ctx, orderID)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		jobs, err := store.ListJobs(ctx, domain.JobSendOrderConfirmation)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestStore_UpdateProductStockRejectsNegative(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		f := seed(t, store, 1)
		err := store.WithTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			_, err := tx.UpdateProductStock(ctx, f.product.ID, -1)
			return err
		})
		assert.Error(t, err)
	})
}

func TestStore_UpdateProductStockBumpsVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		f := seed(t, store, 10)

		var versions []int64
		for _, stock := range []int{8, 8, 3} {
			err := store.WithTx(ctx, func(ctx context.Context, tx port.Tx) error {
				v, err := tx.UpdateProductStock(ctx, f.product.ID, stock)
				versions = append(versions, v)
				return err
			})
			require.NoError(t, err)
		}
		assert.Equal(t, []int64{1, 2, 3}, versions)

		err := store.WithTx(ctx, func(ctx context.Context, tx port.Tx) error {
			_, _ = tx.UpdateProductStock(ctx, f.product.ID, 1)
			return errors.New("abort")
		})
		require.Error(t, err)

		p, err := store.GetProduct(ctx, f.product.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, p.StockQuantity)
		assert.Equal(t, int64(3), p.StockVersion, "a rolled back write must not bump the version")
	})
}

func TestStore_OrderStatsCountsOnlyDeliveredRevenue(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		f := seed(t, store, 10)
		now := time.Now().UTC()
		insertOrder(t, store, newOrder(f, domain.OrderStatusDelivered, now, "10.00"))
		insertOrder(t, store, newOrder(f, domain.OrderStatusDelivered, now, "20.00"))
		insertOrder(t, store, newOrder(f, domain.OrderStatusDelivered, now, "10.01"))
		insertOrder(t, store, newOrder(f, domain.OrderStatusPending, now, "500.00"))

		stats, err := store.OrderStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.TotalOrders)
		assert.Equal(t, int64(3), stats.DeliveredOrders)
		assert.Equal(t, "40.01", stats.TotalRevenue.String())
		assert.Equal(t, "13.34", stats.AverageOrderValue.String())
	})
}

func TestStore_OrderStatsEmpty(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		stats, err := store.OrderStats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.TotalOrders)
		assert.Equal(t, "0.00", stats.AverageOrderValue.String())
	})
}

func TestStore_DailySummary(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		f := seed(t, store, 10)
		day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
		insertOrder(t, store, newOrder(f, domain.OrderStatusPending, day.Add(time.Hour), "10.00"))
		insertOrder(t, store, newOrder(f, domain.OrderStatusDelivered, day.Add(23*time.Hour), "5.00"))
		insertOrder(t, store, newOrder(f, domain.OrderStatusCancelled, day.Add(2*time.Hour), "99.00"))
		insertOrder(t, store, newOrder(f, domain.OrderStatusPending, day.Add(24*time.Hour), "77.00"))

		summary, err := store.DailySummary(ctx, day.Add(15*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, day, summary.Date)
		assert.Equal(t, int64(2), summary.TotalOrders)
		assert.Equal(t, "15.00", summary.TotalRevenue.String())
		assert.Equal(t, "7.50", summary.AverageOrderValue.String())
	})
}

func TestStore_DeleteTerminalOrdersBefore(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		f := seed(t, store, 10)
		old := time.Now().UTC().AddDate(0, 0, -60)
		recent := time.Now().UTC()

		oldDelivered := newOrder(f, domain.OrderStatusDelivered, old, "1.00")
		oldCancelled := newOrder(f, domain.OrderStatusCancelled, old, "1.00")
		oldShipped := newOrder(f, domain.OrderStatusShipped, old, "1.00")
		oldPending := newOrder(f, domain.OrderStatusPending, old, "1.00")
		recentDelivered := newOrder(f, domain.OrderStatusDelivered, recent, "1.00")
		for _, o := range []*domain.Order{oldDelivered, oldCancelled, oldShipped, oldPending, recentDelivered} {
			insertOrder(t, store, o)
		}

		n, err := store.DeleteTerminalOrdersBefore(ctx, time.Now().UTC().AddDate(0, 0, -30))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		for _, gone := range []*domain.Order{oldDelivered, oldCancelled} {
			_, err := store.GetOrder(ctx, gone.ID)
			assert.ErrorIs(t, err, domain.ErrNotFound)
		}
		for _, kept := range []*domain.Order{oldShipped, oldPending, recentDelivered} {
			got, err := store.GetOrder(ctx, kept.ID)
			require.NoError(t, err)
			assert.Len(t, got.Items, 1)
		}

		var orphans int
		require.NoError(t, store.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM order_items WHERE order_id IN (?, ?)`, oldDelivered.ID, oldCancelled.ID).Scan(&orphans))
		assert.Zero(t, orphans)
	})
}

func testJob(jobType domain.JobType, runAt time.Time) *domain.Job {
	payload, _ := json.Marshal(domain.OrderConfirmationPayload{OrderID: 1})
	return &domain.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Status:      domain.JobStatusQueued,
		MaxAttempts: 3,
		NextRunAt:   runAt,
		CreatedAt:   runAt,
		UpdatedAt:   runAt,
	}
}

func TestJobs_EnqueueDedupe(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		now := time.Now().UTC()

		first := testJob(domain.JobGenerateDailyReport, now)
		first.DedupeKey = "daily-report:2026-05-10"
		ok, err := store.EnqueueJob(ctx, first)
		require.NoError(t, err)
		assert.True(t, ok)

		second := testJob(domain.JobGenerateDailyReport, now)
		second.DedupeKey = first.DedupeKey
		ok, err = store.EnqueueJob(ctx, second)
		require.NoError(t, err)
		assert.False(t, ok)

		// jobs without a key never collide
		for i := 0; i < 2; i++ {
			ok, err = store.EnqueueJob(ctx, testJob(domain.JobGenerateDailyReport, now))
			require.NoError(t, err)
			assert.True(t, ok)
		}

		jobs, err := store.ListJobs(ctx, domain.JobGenerateDailyReport)
		require.NoError(t, err)
		assert.Len(t, jobs, 3)
	})
}

func TestJobs_ClaimHonoursNextRunAndLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		due := testJob(domain.JobSendOrderConfirmation, now.Add(-time.Second))
		later := testJob(domain.JobSendOrderConfirmation, now.Add(time.Minute))
		for _, j := range []*domain.Job{due, later} {
			_, err := store.EnqueueJob(ctx, j)
			require.NoError(t, err)
		}

		claimed, err := store.ClaimJobs(ctx, now, now.Add(30*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, due.ID, claimed[0].ID)
		assert.Equal(t, 1, claimed[0].Attempts)
		assert.Equal(t, domain.JobStatusRunning, claimed[0].Status)

		// leased: not claimable again until the lease expires
		claimed, err = store.ClaimJobs(ctx, now.Add(10*time.Second), now.Add(40*time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		claimed, err = store.ClaimJobs(ctx, now.Add(31*time.Second), now.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, due.ID, claimed[0].ID)
		assert.Equal(t, 2, claimed[0].Attempts)
	})
}

func TestJobs_RetryAndComplete(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		now := time.Now().UTC()
		job := testJob(domain.JobSendLowStockAlert, now)
		_, err := store.EnqueueJob(ctx, job)
		require.NoError(t, err)

		claimed, err := store.ClaimJobs(ctx, now, now.Add(time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, store.RetryJob(ctx, job.ID, now.Add(2*time.Minute), "smtp down"))
		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, got.Status)
		assert.Equal(t, "smtp down", got.LastError)
		assert.Equal(t, 1, got.Attempts)

		claimed, err = store.ClaimJobs(ctx, now.Add(time.Minute), now.Add(2*time.Minute), 1)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		require.NoError(t, store.CompleteJob(ctx, job.ID))
		_, err = store.GetJob(ctx, job.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestJobs_DeadLetterIsNeverClaimed(t *testing.T) {
	forEachStore(t, func(t *testing.T, store *SQLStore) {
		ctx := context.Background()
		now := time.Now().UTC()
		job := testJob(domain.JobPropagateStockSync, now)
		_, err := store.EnqueueJob(ctx, job)
		require.NoError(t, err)

		claimed, err := store.ClaimJobs(ctx, now, now.Add(time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, store.DeadLetterJob(ctx, claimed[0], "supplier unreachable", now))

		claimed, err = store.ClaimJobs(ctx, now.Add(24*time.Hour), now.Add(25*time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		dead, err := store.ListDeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, job.ID, dead[0].JobID)
		assert.Equal(t, "supplier unreachable", dead[0].Reason)
		assert.Equal(t, 1, dead[0].Attempts)
		assert.JSONEq(t, string(job.Payload), string(dead[0].Payload))
	})
}
