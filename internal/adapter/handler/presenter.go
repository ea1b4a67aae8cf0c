package handler

import (
	"time"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
)

// REST bodies use snake_case.

type orderView struct {
	ID                int64             `json:"id"`
	OrderNumber       string            `json:"order_number"`
	CustomerID        int64             `json:"customer_id"`
	Status            string            `json:"status"`
	Subtotal          string            `json:"subtotal"`
	TaxAmount         string            `json:"tax_amount"`
	ShippingCost      string            `json:"shipping_cost"`
	TotalAmount       string            `json:"total_amount"`
	ShippingAddressID int64             `json:"shipping_address_id"`
	BillingAddressID  int64             `json:"billing_address_id"`
	Notes             string            `json:"notes"`
	Items             []orderItemView   `json:"items"`
	StatusHistory     []statusEventView `json:"status_history"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type orderItemView struct {
	ProductID  int64  `json:"product_id"`
	Quantity   int    `json:"quantity"`
	UnitPrice  string `json:"unit_price"`
	TotalPrice string `json:"total_price"`
}

type statusEventView struct {
	Status    string    `json:"status"`
	Notes     string    `json:"notes"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func newOrderView(o *domain.Order) orderView {
	v := orderView{
		ID:                o.ID,
		OrderNumber:       o.OrderNumber,
		CustomerID:        o.CustomerID,
		Status:            string(o.Status),
		Subtotal:          o.Subtotal.String(),
		TaxAmount:         o.TaxAmount.String(),
		ShippingCost:      o.ShippingCost.String(),
		TotalAmount:       o.TotalAmount.String(),
		ShippingAddressID: o.ShippingAddressID,
		BillingAddressID:  o.BillingAddressID,
		Notes:             o.Notes,
		Items:             make([]orderItemView, 0, len(o.Items)),
		StatusHistory:     make([]statusEventView, 0, len(o.StatusHistory)),
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, orderItemView{
			ProductID:  it.ProductID,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice.String(),
			TotalPrice: it.TotalPrice.String(),
		})
	}
	for _, ev := range o.StatusHistory {
		v.StatusHistory = append(v.StatusHistory, statusEventView{
			Status:    string(ev.Status),
			Notes:     ev.Notes,
			CreatedBy: ev.CreatedBy,
			CreatedAt: ev.CreatedAt,
		})
	}
	return v
}

// GraphQL and gRPC share a camelCase map representation. Values are limited to
// the types structpb.NewStruct accepts.

func orderFields(o *domain.Order) map[string]any {
	items := make([]any, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, map[string]any{
			"productId":  it.ProductID,
			"quantity":   it.Quantity,
			"unitPrice":  it.UnitPrice.String(),
			"totalPrice": it.TotalPrice.String(),
		})
	}
	history := make([]any, 0, len(o.StatusHistory))
	for _, ev := range o.StatusHistory {
		history = append(history, map[string]any{
			"status":    string(ev.Status),
			"notes":     ev.Notes,
			"createdBy": ev.CreatedBy,
			"createdAt": formatTime(ev.CreatedAt),
		})
	}
	return map[string]any{
		"id":                o.ID,
		"orderNumber":       o.OrderNumber,
		"customerId":        o.CustomerID,
		"status":            string(o.Status),
		"subtotal":          o.Subtotal.String(),
		"taxAmount":         o.TaxAmount.String(),
		"shippingCost":      o.ShippingCost.String(),
		"totalAmount":       o.TotalAmount.String(),
		"shippingAddressId": o.ShippingAddressID,
		"billingAddressId":  o.BillingAddressID,
		"notes":             o.Notes,
		"items":             items,
		"statusHistory":     history,
		"createdAt":         formatTime(o.CreatedAt),
		"updatedAt":         formatTime(o.UpdatedAt),
	}
}

func statsFields(s domain.OrderStats) map[string]any {
	return map[string]any{
		"totalOrders":       s.TotalOrders,
		"deliveredOrders":   s.DeliveredOrders,
		"totalRevenue":      s.TotalRevenue.String(),
		"averageOrderValue": s.AverageOrderValue.String(),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
