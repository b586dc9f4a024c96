package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Order struct {
	ID              uuid.UUID          `json:"id"`
	OrderNumber     string             `json:"order_number"`
	UserID          string             `json:"user_id"`
	AddressID       int64              `json:"address_id"`
	ShippingAddress Address            `json:"shipping_address"`
	PaymentMethod   PaymentMethod      `json:"payment_method"`
	Currency        string             `json:"currency"`
	Subtotal        decimal.Decimal    `json:"subtotal"`
	Tax             decimal.Decimal    `json:"tax"`
	ShippingCost    decimal.Decimal    `json:"shipping_cost"`
	Discount        decimal.Decimal    `json:"discount"`
	TotalAmount     decimal.Decimal    `json:"total_amount"`
	Status          OrderStatus        `json:"status"`
	PaymentStatus   OrderPaymentStatus `json:"payment_status"`
	IdempotencyKey  string             `json:"-"`
	Items           []OrderItem        `json:"items"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// OrderItem is a price snapshot taken when the order was assembled.
type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     uuid.UUID       `json:"order_id"`
	Position    int             `json:"position"`
	ProductID   int64           `json:"product_id"`
	VariantID   *int64          `json:"variant_id,omitempty"`
	ProductName string          `json:"product_name"`
	VariantName string          `json:"variant_name,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// ItemsTotal sums the line totals.
func (o *Order) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range o.Items {
		sum = sum.Add(item.TotalPrice)
	}
	return sum
}

// Balanced reports whether total = subtotal + tax + shipping - discount
// and the subtotal matches the line totals.
func (o *Order) Balanced() bool {
	expected := o.Subtotal.Add(o.Tax).Add(o.ShippingCost).Sub(o.Discount)
	return o.TotalAmount.Equal(expected) && o.Subtotal.Equal(o.ItemsTotal())
}
