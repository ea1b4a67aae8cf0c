package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/marketplace-orders/internal/adapter/storage"
	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
	"github.com/rl1809/marketplace-orders/internal/core/pipeline"
	"github.com/rl1809/marketplace-orders/internal/core/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	store    *storage.SQLStore
	tasks    *pipeline.Pipeline
	ledger   *service.InventoryLedger
	orders   *service.OrderService
	rest     *RESTServer
	customer domain.Customer
	address  domain.Address
	vendor   domain.Customer
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "api.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{store: store}
	env.tasks = pipeline.New(store, pipeline.Config{})
	env.ledger = service.NewInventoryLedger(store, nil, nil, service.WithLowStockAlerts(env.tasks))
	(&pipeline.Handlers{DB: store, Ledger: env.ledger}).Register(env.tasks)
	env.orders = service.NewOrderService(store, env.ledger, env.tasks)
	env.rest = NewRESTServer(env.orders, env.ledger, env.tasks, store, nil)

	env.customer = domain.Customer{Username: "buyer", Email: "buyer@example.com"}
	require.NoError(t, store.CreateCustomer(ctx, &env.customer))
	env.address = domain.Address{CustomerID: env.customer.ID, Street: "1 Main St", City: "Springfield", Country: "US"}
	require.NoError(t, store.CreateAddress(ctx, &env.address))
	env.vendor = domain.Customer{Username: "vendor", Email: "vendor@example.com", IsVendor: true}
	require.NoError(t, store.CreateCustomer(ctx, &env.vendor))
	return env
}

func (e *testEnv) addProduct(t *testing.T, sku, price string, stock int) domain.Product {
	t.Helper()
	p := domain.Product{
		VendorID:      e.vendor.ID,
		SKU:           sku,
		Name:          "Product " + sku,
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

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}
