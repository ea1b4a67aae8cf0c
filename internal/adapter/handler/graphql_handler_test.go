package handler

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type graphQLResponse struct {
	Data   map[string]map[string]any `json:"data"`
	Errors []struct {
		Message    string         `json:"message"`
		Extensions map[string]any `json:"extensions"`
	} `json:"errors"`
}

func newGraphQL(t *testing.T, env *testEnv) http.Handler {
	t.Helper()
	h, err := NewGraphQLHandler(env.orders, nil)
	require.NoError(t, err)
	return h.Router()
}

func TestGraphQL_CreateOrderAndQuery(t *testing.T) {
	env := setupEnv(t)
	product := env.addProduct(t, "Q1", "19.99", 10)
	h := newGraphQL(t, env)

	w := doJSON(t, h, http.MethodPost, "/graphql", map[string]any{
		"query": `mutation($c: Int!, $a: Int!, $p: Int!) {
			createOrder(customerId: $c, shippingAddressId: $a, billingAddressId: $a,
				items: [{productId: $p, quantity: 3}], notes: "gift") {
				id orderNumber status subtotal taxAmount shippingCost totalAmount notes
				items { productId quantity unitPrice totalPrice }
			}
		}`,
		"variables": map[string]any{"c": env.customer.ID, "a": env.address.ID, "p": product.ID},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp graphQLResponse
	decodeBody(t, w, &resp)
	require.Empty(t, resp.Errors)

	order := resp.Data["createOrder"]
	assert.Equal(t, "pending", order["status"])
	assert.Equal(t, "59.97", order["subtotal"])
	assert.Equal(t, "75.97", order["totalAmount"])
	assert.Equal(t, "gift", order["notes"])

	w = doJSON(t, h, http.MethodPost, "/graphql", map[string]any{
		"query": fmt.Sprintf(`{ order(id: %v) { orderNumber statusHistory { status notes createdBy } } }`, order["id"]),
	})
	resp = graphQLResponse{}
	decodeBody(t, w, &resp)
	require.Empty(t, resp.Errors)
	assert.Equal(t, order["orderNumber"], resp.Data["order"]["orderNumber"])
	history := resp.Data["order"]["statusHistory"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "Order created", history[0].(map[string]any)["notes"])
}

func TestGraphQL_ErrorsCarryCode(t *testing.T) {
	env := setupEnv(t)
	product := env.addProduct(t, "Q2", "1.00", 1)
	order := env.placeOrder(t, product.ID, 1)
	h := newGraphQL(t, env)

	tests := []struct {
		query string
		code  string
	}{
		{`{ order(id: 999) { id } }`, "NOT_FOUND"},
		{fmt.Sprintf(`mutation { updateOrderStatus(id: %d, status: "delivered") { id } }`, order.ID), "INVALID_TRANSITION"},
		{fmt.Sprintf(`mutation { updateOrderStatus(id: %d, status: "pending") { id } }`, order.ID), "DUPLICATE_STATUS"},
		{fmt.Sprintf(`mutation { createOrder(customerId: %d, shippingAddressId: %d, billingAddressId: %d,
			items: [{productId: %d, quantity: 2}]) { id } }`, env.customer.ID, env.address.ID, env.address.ID, product.ID), "INSUFFICIENT_STOCK"},
	}
	for _, tt := range tests {
		w := doJSON(t, h, http.MethodPost, "/graphql", map[string]any{"query": tt.query})
		var resp graphQLResponse
		decodeBody(t, w, &resp)
		require.Len(t, resp.Errors, 1, tt.query)
		assert.Equal(t, tt.code, resp.Errors[0].Extensions["code"], tt.query)
	}
}

func TestGraphQL_OrderStatsAndCancel(t *testing.T) {
	env := setupEnv(t)
	product := env.addProduct(t, "Q3", "2.00", 4)
	order := env.placeOrder(t, product.ID, 4)
	h := newGraphQL(t, env)

	w := doJSON(t, h, http.MethodPost, "/graphql", map[string]any{
		"query": fmt.Sprintf(`mutation { cancelOrder(id: %d, actorId: 3) { status } }`, order.ID),
	})
	var resp graphQLResponse
	decodeBody(t, w, &resp)
	require.Empty(t, resp.Errors)
	assert.Equal(t, "cancelled", resp.Data["cancelOrder"]["status"])

	w = doJSON(t, h, http.MethodPost, "/graphql", map[string]any{
		"query": `{ orderStats { totalOrders deliveredOrders totalRevenue averageOrderValue } }`,
	})
	resp = graphQLResponse{}
	decodeBody(t, w, &resp)
	require.Empty(t, resp.Errors)
	assert.EqualValues(t, 1, resp.Data["orderStats"]["totalOrders"])
	assert.Equal(t, "0.00", resp.Data["orderStats"]["totalRevenue"])
}

func TestGraphQL_RejectsEmptyBody(t *testing.T) {
	env := setupEnv(t)
	w := doJSON(t, newGraphQL(t, env), http.MethodPost, "/graphql", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
