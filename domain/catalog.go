package domain

import (
	"github.com/shopspring/decimal"
)

type Product struct {
	ID    int64
	Name  string
	Price decimal.Decimal
	Stock int
}

type ProductVariant struct {
	ID        int64
	ProductID int64
	Name      string
	SKU       string
	Price     decimal.NullDecimal // overrides the product price when valid
	Stock     int
}

// EffectivePrice is the unit price a customer pays right now.
func EffectivePrice(p *Product, v *ProductVariant) decimal.Decimal {
	if v != nil && v.Price.Valid {
		return v.Price.Decimal
	}
	return p.Price
}

// AvailableStock is tracked on the variant when one is chosen, otherwise on the product.
func AvailableStock(p *Product, v *ProductVariant) int {
	if v != nil {
		return v.Stock
	}
	return p.Stock
}

type Address struct {
	ID         int64  `json:"id"`
	UserID     string `json:"user_id"`
	FullName   string `json:"full_name"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code,omitempty"`
}
