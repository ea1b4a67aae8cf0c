package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rl1809/marketplace-orders/internal/adapter/storage"
	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
	"github.com/rl1809/marketplace-orders/internal/core/service"
	"github.com/rl1809/marketplace-orders/internal/port"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentMessage struct {
	recipient, subject, body string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *fakeNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{recipient, subject, body})
	return nil
}

func (n *fakeNotifier) failWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *fakeNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

// fakeSource answers Fetch from a table; a missing SKU blocks until the deadline.
type fakeSource struct {
	mu    sync.Mutex
	snaps map[string]port.ExternalSnapshot
	errs  map[string]error
	calls map[string]int
	// delay is spent on every lookup before it answers
	delay time.Duration
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		snaps: make(map[string]port.ExternalSnapshot),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (s *fakeSource) set(sku string, stock int, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[sku] = port.ExternalSnapshot{Stock: stock, Price: money.MustParse(price)}
	delete(s.errs, sku)
}

func (s *fakeSource) fail(sku string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[sku] = err
}

func (s *fakeSource) callCount(sku string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[sku]
}

func (s *fakeSource) Fetch(ctx context.Context, sku string) (port.ExternalSnapshot, error) {
	s.mu.Lock()
	s.calls[sku]++
	snap, ok := s.snaps[sku]
	err := s.errs[sku]
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return port.ExternalSnapshot{}, fmt.Errorf("%w: %w", domain.ErrTransient, ctx.Err())
		}
	}

	if err != nil {
		return port.ExternalSnapshot{}, err
	}
	if !ok {
		<-ctx.Done()
		return port.ExternalSnapshot{}, fmt.Errorf("%w: %w", domain.ErrTransient, ctx.Err())
	}
	return snap, nil
}

type memorySink struct {
	mu        sync.Mutex
	artifacts map[string][]byte
}

func (m *memorySink) WriteArtifact(ctx context.Context, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.artifacts == nil {
		m.artifacts = make(map[string][]byte)
	}
	m.artifacts[name] = append([]byte(nil), payload...)
	return nil
}

func (m *memorySink) get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.artifacts[name]
	return b, ok
}

// deliveryCache keeps only delivery markers; the rest of the cache contract is unused here.
type deliveryCache struct {
	mu        sync.Mutex
	delivered map[string]bool
}

func (c *deliveryCache) ClaimIdempotencyKey(context.Context, string) (bool, error) { return true, nil }
func (c *deliveryCache) CompleteIdempotencyKey(context.Context, string, int64) error { return nil }
func (c *deliveryCache) LookupIdempotencyKey(context.Context, string) (int64, error) { return 0, nil }
func (c *deliveryCache) ReleaseIdempotencyKey(context.Context, string) error { return nil }
func (c *deliveryCache) SetStockLevel(context.Context, int64, int, int64) error { return nil }

func (c *deliveryCache) MarkDelivered(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delivered == nil {
		c.delivered = make(map[string]bool)
	}
	c.delivered[key] = true
	return nil
}

func (c *deliveryCache) IsDelivered(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered[key], nil
}

var errFlaky = errors.New("flaky")

type testEnv struct {
	store    *storage.SQLStore
	clock    *fakeClock
	pipeline *Pipeline
	handlers *Handlers
	notifier *fakeNotifier
	ops      *fakeNotifier
	source   *fakeSource
	sink     *memorySink
	ledger   *service.InventoryLedger
	orders   *service.OrderService
	customer domain.Customer
	address  domain.Address
	vendor   domain.Customer
}

func newTestEnv(t *testing.T, tweaks ...func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:    store,
		clock:    newFakeClock(),
		notifier: &fakeNotifier{},
		ops:      &fakeNotifier{},
		source:   newFakeSource(),
		sink:     &memorySink{},
	}
	cfg := Config{Workers: 2, PollInterval: 10 * time.Millisecond, Lease: time.Minute}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	env.pipeline = New(store, cfg,
		WithClock(env.clock.now), WithDeadLetterReports(env.ops, "ops@example.com"))
	env.ledger = service.NewInventoryLedger(store, nil, nil, service.WithLowStockAlerts(env.pipeline))
	env.handlers = &Handlers{
		DB:           store,
		Ledger:       env.ledger,
		Notifier:     env.notifier,
		Source:       env.source,
		Sink:         env.sink,
		Cache:        &deliveryCache{},
		FetchTimeout: 50 * time.Millisecond,
		Now:          env.clock.now,
	}
	env.handlers.Register(env.pipeline)
	env.orders = service.NewOrderService(store, env.ledger, env.pipeline)

	env.customer = domain.Customer{Username: "buyer", Email: "buyer@example.com", FirstName: "Bea", LastName: "Buyer"}
	require.NoError(t, store.CreateCustomer(ctx, &env.customer))
	env.address = domain.Address{CustomerID: env.customer.ID, Street: "1 Main St", City: "Springfield", Country: "US"}
	require.NoError(t, store.CreateAddress(ctx, &env.address))
	env.vendor = domain.Customer{Username: "vendor", Email: "vendor@example.com", FirstName: "Vic", IsVendor: true}
	require.NoError(t, store.CreateCustomer(ctx, &env.vendor))
	return env
}

var skuSeq int

func (e *testEnv) addProduct(t *testing.T, price string, stock int) domain.Product {
	t.Helper()
	skuSeq++
	p := domain.Product{
		VendorID:      e.vendor.ID,
		SKU:           "SKU-" + strconv.Itoa(skuSeq),
		Name:          "Widget " + strconv.Itoa(skuSeq),
		Price:         money.MustParse(price),
		StockQuantity: stock,
	}
	require.NoError(t, e.store.CreateProduct(context.Background(), &p))
	return p
}

func (e *testEnv) placeOrder(t *testing.T, productID int64, qty int) *domain.Order {
	t.Helper()
	order, err := e.orders.PlaceOrder(context.Background(), service.PlaceOrderRequest{
		CustomerID:        e.customer.ID,
		ShippingAddressID: e.address.ID,
		BillingAddressID:  e.address.ID,
		Lines:             []domain.OrderLine{{ProductID: productID, Quantity: qty}},
	})
	require.NoError(t, err)
	return order
}

func (e *testEnv) jobs(t *testing.T, jobType domain.JobType) []domain.Job {
	t.Helper()
	jobs, err := e.store.ListJobs(context.Background(), jobType)
	require.NoError(t, err)
	return jobs
}

func (e *testEnv) deadLetters(t *testing.T) []domain.DeadLetter {
	t.Helper()
	dl, err := e.store.ListDeadLetters(context.Background(), 100)
	require.NoError(t, err)
	return dl
}

// runDue executes every job eligible at the current fake time.
func (e *testEnv) runDue(t *testing.T) int {
	t.Helper()
	total := 0
	for {
		n, err := e.pipeline.RunOnce(context.Background(), 10)
		require.NoError(t, err)
		if n == 0 {
			return total
		}
		total += n
	}
}
