package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
	"github.com/rl1809/marketplace-orders/internal/core/service"
	"github.com/rl1809/marketplace-orders/internal/port"
)

// DefaultPolicies is the retry budget of each job type.
var DefaultPolicies = map[domain.JobType]Policy{
	domain.JobSendOrderConfirmation: {MaxAttempts: 4, Backoff: time.Minute},
	domain.JobSendLowStockAlert:     {MaxAttempts: 4, Backoff: 2 * time.Minute},
	domain.JobPropagateStockSync:    {MaxAttempts: 4, Backoff: time.Minute},
	domain.JobSyncProductStock:      {MaxAttempts: 4, Backoff: 10 * time.Minute},
	domain.JobGenerateDailyReport:   {MaxAttempts: 3, Backoff: 5 * time.Minute},
	domain.JobCleanupOldOrders:      {MaxAttempts: 3, Backoff: time.Hour},
}

const (
	DefaultFetchTimeout = 5 * time.Second
	// syncWriteBudget bounds the ledger write that follows a supplier fetch.
	syncWriteBudget = 10 * time.Second
)

// Handlers implements the job types against the application's collaborators.
type Handlers struct {
	DB       port.DatabaseRepository
	Ledger   *service.InventoryLedger
	Notifier port.Notifier
	Source   port.ExternalInventorySource
	Sink     port.ReportSink
	// Cache records delivered notifications so a re-run job does not send twice. Optional.
	Cache port.CacheRepository
	// FetchTimeout bounds each external inventory lookup.
	FetchTimeout time.Duration
	Logger       *zap.Logger
	Now          func() time.Time

	queue *Pipeline
}

// Register installs every job type on p with DefaultPolicies.
func (h *Handlers) Register(p *Pipeline) {
	h.queue = p
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.FetchTimeout <= 0 {
		h.FetchTimeout = DefaultFetchTimeout
	}

	handlers := map[domain.JobType]Handler{
		domain.JobSendOrderConfirmation: h.SendOrderConfirmation,
		domain.JobSendLowStockAlert:     h.SendLowStockAlert,
		domain.JobPropagateStockSync:    h.PropagateStockSync,
		domain.JobSyncProductStock:      h.SyncProductStock,
		domain.JobGenerateDailyReport:   h.GenerateDailyReport,
		domain.JobCleanupOldOrders:      h.CleanupOldOrders,
	}
	for t, fn := range handlers {
		d := Descriptor{Type: t, Policy: DefaultPolicies[t], Handler: fn}
		if t == domain.JobSyncProductStock {
			// one supplier call plus the ledger write
			d.Timeout = h.FetchTimeout + syncWriteBudget
		}
		p.Register(d)
	}
}

func (h *Handlers) SendOrderConfirmation(ctx context.Context, job domain.Job) error {
	var payload domain.OrderConfirmationPayload
	if err := decode(job, &payload); err != nil {
		return err
	}

	order, err := h.DB.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return classify(err)
	}
	customer, err := h.DB.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		return classify(err)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Hi %s,\n\nThank you for your order %s.\n\n", customer.DisplayName(), order.OrderNumber)
	for _, it := range order.Items {
		fmt.Fprintf(&body, "  %d x product #%d @ %s = %s\n", it.Quantity, it.ProductID, it.UnitPrice, it.TotalPrice)
	}
	fmt.Fprintf(&body, "\nSubtotal: %s\nTax: %s\nShipping: %s\nTotal: %s\n",
		order.Subtotal, order.TaxAmount, order.ShippingCost, order.TotalAmount)

	return h.sendOnce(ctx, job, customer.Email, "Order Confirmation - "+order.OrderNumber, body.String())
}

func (h *Handlers) SendLowStockAlert(ctx context.Context, job domain.Job) error {
	var payload domain.LowStockAlertPayload
	if err := decode(job, &payload); err != nil {
		return err
	}

	product, err := h.DB.GetProduct(ctx, payload.ProductID)
	if err != nil {
		return classify(err)
	}
	vendor, err := h.DB.GetCustomer(ctx, product.VendorID)
	if err != nil {
		return classify(err)
	}

	body := fmt.Sprintf("Hi %s,\n\nYour product %q (SKU %s) is running low.\nCurrent stock: %d\n",
		vendor.DisplayName(), product.Name, product.SKU, product.StockQuantity)
	return h.sendOnce(ctx, job, vendor.Email, "Low Stock Alert - "+product.Name, body)
}

// sendOnce skips the send when an earlier run of the same job already delivered it.
func (h *Handlers) sendOnce(ctx context.Context, job domain.Job, recipient, subject, body string) error {
	key := "job:" + job.ID
	if h.Cache != nil {
		delivered, err := h.Cache.IsDelivered(ctx, key)
		if err != nil {
			h.Logger.Warn("check delivery marker", zap.String("job_id", job.ID), zap.Error(err))
		}
		if delivered {
			return nil
		}
	}

	if err := h.Notifier.Send(ctx, recipient, subject, body); err != nil {
		return classify(err)
	}

	if h.Cache != nil {
		if err := h.Cache.MarkDelivered(ctx, key); err != nil {
			h.Logger.Warn("set delivery marker", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

// PropagateStockSync fans a vendor sync out into one SyncProductStock job per
// product. Each product job has its own deadline and retry budget.
func (h *Handlers) PropagateStockSync(ctx context.Context, job domain.Job) error {
	var payload domain.StockSyncPayload
	if err := decode(job, &payload); err != nil {
		return err
	}

	products, err := h.DB.ListVendorProducts(ctx, payload.VendorID)
	if err != nil {
		return classify(err)
	}

	var (
		failed []error
		added  int
	)
	for _, p := range products {
		_, ok, err := h.queue.Enqueue(ctx, domain.JobSyncProductStock,
			domain.ProductStockSyncPayload{ProductID: p.ID}, productSyncKey(p.ID))
		if err != nil {
			failed = append(failed, fmt.Errorf("enqueue sync of product %d: %w", p.ID, err))
			continue
		}
		if ok {
			added++
		}
	}

	h.Logger.Info("stock sync fanned out",
		zap.Int64("vendor_id", payload.VendorID),
		zap.Int("products", len(products)),
		zap.Int("enqueued", added),
	)
	if len(failed) > 0 {
		return fmt.Errorf("%w: %d of %d products not enqueued: %w",
			domain.ErrTransient, len(failed), len(products), errors.Join(failed...))
	}
	return nil
}

// productSyncKey collapses repeated vendor syncs while a product's sync is pending.
func productSyncKey(productID int64) string {
	return "stock-sync:product:" + strconv.FormatInt(productID, 10)
}

// SyncProductStock pulls one product's stock and price from the supplier and
// applies them as absolute figures, so re-running it for the same snapshot is
// a no-op. The ledger enqueues the low stock alert when the product runs out.
func (h *Handlers) SyncProductStock(ctx context.Context, job domain.Job) error {
	var payload domain.ProductStockSyncPayload
	if err := decode(job, &payload); err != nil {
		return err
	}

	product, err := h.DB.GetProduct(ctx, payload.ProductID)
	if err != nil {
		return classify(err)
	}

	fctx, cancel := context.WithTimeout(ctx, h.FetchTimeout)
	snap, err := h.Source.Fetch(fctx, product.SKU)
	cancel()
	if err != nil {
		return classify(fmt.Errorf("fetch %s: %w", product.SKU, err))
	}

	price := snap.Price
	level, err := h.Ledger.SetLevel(ctx, product.ID, snap.Stock, &price)
	if err != nil {
		return classify(err)
	}
	if level.Current != level.Previous {
		h.Logger.Info("stock synced",
			zap.Int64("product_id", product.ID),
			zap.Int("previous", level.Previous),
			zap.Int("current", level.Current),
		)
	}
	return nil
}

type dailyReport struct {
	Date              string       `json:"date"`
	TotalOrders       int64        `json:"total_orders"`
	TotalRevenue      money.Amount `json:"total_revenue"`
	AverageOrderValue money.Amount `json:"average_order_value"`
	GeneratedAt       time.Time    `json:"generated_at"`
}

func (h *Handlers) GenerateDailyReport(ctx context.Context, job domain.Job) error {
	var payload domain.DailyReportPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	day, err := time.Parse(time.DateOnly, payload.Date)
	if err != nil {
		return fmt.Errorf("%w: report date %q: %w", domain.ErrPermanent, payload.Date, err)
	}

	summary, err := h.DB.DailySummary(ctx, day)
	if err != nil {
		return classify(err)
	}
	b, err := json.MarshalIndent(dailyReport{
		Date:              payload.Date,
		TotalOrders:       summary.TotalOrders,
		TotalRevenue:      summary.TotalRevenue,
		AverageOrderValue: summary.AverageOrderValue,
		GeneratedAt:       h.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPermanent, err)
	}

	name := "daily_report_" + payload.Date + ".json"
	if err := h.Sink.WriteArtifact(ctx, name, b); err != nil {
		return classify(err)
	}
	h.Logger.Info("daily report written", zap.String("artifact", name), zap.Int64("orders", summary.TotalOrders))
	return nil
}

func (h *Handlers) CleanupOldOrders(ctx context.Context, job domain.Job) error {
	var payload domain.CleanupPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	if payload.OlderThanDays <= 0 {
		return fmt.Errorf("%w: older_than_days must be positive, got %d", domain.ErrPermanent, payload.OlderThanDays)
	}

	cutoff := h.Now().UTC().AddDate(0, 0, -payload.OlderThanDays)
	n, err := h.DB.DeleteTerminalOrdersBefore(ctx, cutoff)
	if err != nil {
		return classify(err)
	}
	h.Logger.Info("old orders removed", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return nil
}

func decode(job domain.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %w", domain.ErrPermanent, job.Type, err)
	}
	return nil
}

// classify marks errors that no retry can fix as permanent.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrPermanent), errors.Is(err, domain.ErrTransient):
		return err
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrValidation):
		return fmt.Errorf("%w: %w", domain.ErrPermanent, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
}
