package service

import (
	"github.com/shopspring/decimal"

	"github.com/rl1809/marketplace-orders/internal/core/money"
)

// PricingPolicy decides the charges added on top of an order's subtotal.
type PricingPolicy interface {
	Tax(subtotal money.Amount) money.Amount
	Shipping(subtotal money.Amount) money.Amount
}

// FlatRatePricing charges a percentage tax and a flat shipping fee on any non-empty order.
type FlatRatePricing struct {
	TaxRate     decimal.Decimal
	ShippingFee money.Amount
}

var (
	DefaultTaxRate     = decimal.RequireFromString("0.10")
	DefaultShippingFee = money.MustParse("10.00")
)

func DefaultPricing() FlatRatePricing {
	return FlatRatePricing{TaxRate: DefaultTaxRate, ShippingFee: DefaultShippingFee}
}

func (p FlatRatePricing) Tax(subtotal money.Amount) money.Amount {
	return subtotal.Percentage(p.TaxRate)
}

func (p FlatRatePricing) Shipping(subtotal money.Amount) money.Amount {
	if !subtotal.IsPositive() {
		return money.Zero
	}
	return p.ShippingFee
}
