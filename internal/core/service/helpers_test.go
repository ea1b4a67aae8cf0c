package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/marketplace-orders/internal/adapter/storage"
	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
)

type fakeTaskQueue struct {
	mu       sync.Mutex
	notified int
}

func (f *fakeTaskQueue) NewJob(jobType domain.JobType, payload any, dedupeKey string) (*domain.Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &domain.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     b,
		Status:      domain.JobStatusQueued,
		MaxAttempts: 3,
		NextRunAt:   now,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (f *fakeTaskQueue) Notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified++
}

func (f *fakeTaskQueue) notifications() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notified
}

// Mock CacheRepository
type mockCacheRepo struct {
	mu        sync.Mutex
	keys      map[string]int64
	delivered map[string]bool
	stock     map[int64]int
	versions  map[int64]int64
	// failCompletes makes that many CompleteIdempotencyKey calls fail
	failCompletes int
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{
		keys:      make(map[string]int64),
		delivered: make(map[string]bool),
		stock:     make(map[int64]int),
		versions:  make(map[int64]int64),
	}
}

func (m *mockCacheRepo) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = 0
	return true, nil
}

func (m *mockCacheRepo) CompleteIdempotencyKey(ctx context.Context, key string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCompletes > 0 {
		m.failCompletes--
		return errors.New("redis: connection reset")
	}
	m.keys[key] = orderID
	return nil
}

func (m *mockCacheRepo) LookupIdempotencyKey(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *mockCacheRepo) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *mockCacheRepo) MarkDelivered(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[key] = true
	return nil
}

func (m *mockCacheRepo) IsDelivered(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered[key], nil
}

func (m *mockCacheRepo) SetStockLevel(ctx context.Context, productID int64, stock int, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version < m.versions[productID] {
		return nil
	}
	m.stock[productID] = stock
	m.versions[productID] = version
	return nil
}

func (m *mockCacheRepo) mirrored(productID int64) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.stock[productID]
	return v, ok
}

type testEnv struct {
	store    *storage.SQLStore
	ledger   *InventoryLedger
	svc      *OrderService
	tasks    *fakeTaskQueue
	cache    *mockCacheRepo
	customer domain.Customer
	address  domain.Address
	vendor   domain.Customer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "orders.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{store: store, tasks: &fakeTaskQueue{}, cache: newMockCacheRepo()}
	env.ledger = NewInventoryLedger(store, env.cache, nil)
	env.svc = NewOrderService(store, env.ledger, env.tasks, WithCache(env.cache))

	env.customer = domain.Customer{Username: "buyer", Email: "buyer@example.com", FirstName: "Bea"}
	require.NoError(t, store.CreateCustomer(ctx, &env.customer))
	env.address = domain.Address{CustomerID: env.customer.ID, Street: "1 Main St", City: "Springfield", Country: "US"}
	require.NoError(t, store.CreateAddress(ctx, &env.address))
	env.vendor = domain.Customer{Username: "vendor", Email: "vendor@example.com", IsVendor: true}
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
		Name:          "Product " + strconv.Itoa(skuSeq),
		Price:         money.MustParse(price),
		StockQuantity: stock,
	}
	require.NoError(t, e.store.CreateProduct(context.Background(), &p))
	return p
}

func (e *testEnv) request(lines ...domain.OrderLine) PlaceOrderRequest {
	return PlaceOrderRequest{
		CustomerID:        e.customer.ID,
		ShippingAddressID: e.address.ID,
		BillingAddressID:  e.address.ID,
		Lines:             lines,
	}
}

func (e *testEnv) stockOf(t *testing.T, productID int64) int {
	t.Helper()
	p, err := e.store.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.StockQuantity
}

func line(productID int64, qty int) domain.OrderLine {
	return domain.OrderLine{ProductID: productID, Quantity: qty}
}
