package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartItem stores references and a quantity only; prices are resolved on read.
type CartItem struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	ProductID int64     `json:"product_id"`
	VariantID *int64    `json:"variant_id,omitempty"`
	Quantity  int       `json:"quantity"`
	AddedAt   time.Time `json:"added_at"`
}

// CartEntry is a cart item joined with the live catalog rows.
// Product or Variant is nil when the row is gone or soft-deleted.
type CartEntry struct {
	Item    CartItem
	Product *Product
	Variant *ProductVariant
}

type CartLine struct {
	ItemID         int64           `json:"item_id"`
	ProductID      int64           `json:"product_id"`
	VariantID      *int64          `json:"variant_id,omitempty"`
	ProductName    string          `json:"product_name"`
	VariantName    string          `json:"variant_name,omitempty"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	LineTotal      decimal.Decimal `json:"line_total"`
	AvailableStock int             `json:"available_stock"`
	InStock        bool            `json:"in_stock"`
}

const (
	UnavailableProductRemoved = "product_removed"
	UnavailableVariantRemoved = "variant_removed"
)

type UnavailableLine struct {
	ItemID    int64  `json:"item_id"`
	ProductID int64  `json:"product_id"`
	VariantID *int64 `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

type CartSummary struct {
	TotalItems   int             `json:"total_items"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Discount     decimal.Decimal `json:"discount"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency"`
}

type CartView struct {
	UserID      string            `json:"user_id"`
	Items       []CartLine        `json:"items"`
	Unavailable []UnavailableLine `json:"unavailable"`
	Summary     CartSummary       `json:"summary"`
}
