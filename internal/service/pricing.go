package service

import (
	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/shopspring/decimal"
)

// PricingPolicy turns a subtotal into tax, shipping and total. The cart view and
// order assembly both quote through it so the two never disagree.
type PricingPolicy struct {
	Currency              string
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
}

func (p PricingPolicy) Quote(subtotal decimal.Decimal, totalItems int) domain.CartSummary {
	tax := subtotal.Mul(p.TaxRate).Round(2)

	shipping := decimal.Zero
	if totalItems > 0 && !subtotal.GreaterThan(p.FreeShippingThreshold) {
		shipping = p.FlatShippingFee
	}

	discount := decimal.Zero
	return domain.CartSummary{
		TotalItems:   totalItems,
		Subtotal:     subtotal,
		Tax:          tax,
		ShippingCost: shipping,
		Discount:     discount,
		Total:        subtotal.Add(tax).Add(shipping).Sub(discount),
		Currency:     p.Currency,
	}
}
