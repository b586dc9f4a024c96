package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrderRequest() CreateOrderRequest {
	return CreateOrderRequest{
		UserID:        "user-1",
		AddressID:     7,
		PaymentMethod: PaymentMethodCard,
		Items:         []OrderItemRequest{{ProductID: 1, Quantity: 2}},
	}
}

func TestCreateOrderRequest_Validate(t *testing.T) {
	req := validOrderRequest()
	require.NoError(t, req.Validate())

	tests := []struct {
		name  string
		edit  func(r *CreateOrderRequest)
		field string
	}{
		{"missing user", func(r *CreateOrderRequest) { r.UserID = " " }, "user_id"},
		{"missing address", func(r *CreateOrderRequest) { r.AddressID = 0 }, "address_id"},
		{"bad payment method", func(r *CreateOrderRequest) { r.PaymentMethod = "CASH" }, "payment_method"},
		{"empty items", func(r *CreateOrderRequest) { r.Items = nil }, "items"},
		{"zero quantity", func(r *CreateOrderRequest) { r.Items[0].Quantity = 0 }, "items[0].quantity"},
		{"huge quantity", func(r *CreateOrderRequest) { r.Items[0].Quantity = 100 }, "items[0].quantity"},
		{"missing product", func(r *CreateOrderRequest) { r.Items[0].ProductID = 0 }, "items[0].product_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validOrderRequest()
			tt.edit(&r)
			err := r.Validate()
			var fieldErr *FieldError
			require.ErrorAs(t, err, &fieldErr)
			assert.Equal(t, tt.field, fieldErr.Field)
		})
	}
}

func TestCreateOrderRequest_MergedItems(t *testing.T) {
	variant := int64(5)
	otherVariant := int64(5)
	req := CreateOrderRequest{Items: []OrderItemRequest{
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, VariantID: &variant, Quantity: 2},
		{ProductID: 1, Quantity: 3},
		{ProductID: 2, VariantID: &otherVariant, Quantity: 1},
		{ProductID: 2, Quantity: 1},
	}}

	merged := req.MergedItems()

	require.Len(t, merged, 3)
	assert.Equal(t, int64(1), merged[0].ProductID)
	assert.Equal(t, 4, merged[0].Quantity)
	assert.Equal(t, 3, merged[1].Quantity)
	assert.Nil(t, merged[2].VariantID)
}

func TestCreateOrderRequest_MergedQuantityLimit(t *testing.T) {
	r := validOrderRequest()
	r.Items = []OrderItemRequest{
		{ProductID: 1, Quantity: MaxItemQuantity},
		{ProductID: 1, Quantity: MaxItemQuantity},
		{ProductID: 1, Quantity: MaxItemQuantity},
	}

	err := r.Validate()
	var fieldErr *FieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "items", fieldErr.Field)

	r.Items = []OrderItemRequest{
		{ProductID: 1, Quantity: 50},
		{ProductID: 1, Quantity: 49},
	}
	assert.NoError(t, r.Validate())
}

func TestVerifyPaymentRequest_Validate(t *testing.T) {
	req := VerifyPaymentRequest{}
	assert.Error(t, req.Validate())
	req.TxRef = "test-tx-1"
	assert.NoError(t, req.Validate())
}

func TestInitializePaymentRequest_Validate(t *testing.T) {
	req := InitializePaymentRequest{UserID: "u", OrderID: uuid.New(), Customer: Customer{Email: "nope"}}
	assert.Error(t, req.Validate())
	req.Customer.Email = "buyer@example.com"
	assert.NoError(t, req.Validate())
}

func TestEffectivePrice_VariantOverride(t *testing.T) {
	p := &Product{ID: 1, Price: decimal.NewFromInt(25000), Stock: 3}
	assert.True(t, EffectivePrice(p, nil).Equal(decimal.NewFromInt(25000)))
	assert.Equal(t, 3, AvailableStock(p, nil))

	v := &ProductVariant{ID: 2, ProductID: 1, Stock: 1}
	assert.True(t, EffectivePrice(p, v).Equal(decimal.NewFromInt(25000)))

	v.Price = decimal.NewNullDecimal(decimal.NewFromInt(27000))
	assert.True(t, EffectivePrice(p, v).Equal(decimal.NewFromInt(27000)))
	assert.Equal(t, 1, AvailableStock(p, v))
}

func TestOrder_Balanced(t *testing.T) {
	o := &Order{
		Subtotal:     decimal.NewFromInt(50000),
		Tax:          decimal.NewFromInt(9000),
		ShippingCost: decimal.Zero,
		Discount:     decimal.Zero,
		TotalAmount:  decimal.NewFromInt(59000),
		Items: []OrderItem{
			{Quantity: 2, UnitPrice: decimal.NewFromInt(25000), TotalPrice: decimal.NewFromInt(50000)},
		},
	}
	assert.True(t, o.Balanced())

	o.TotalAmount = decimal.NewFromInt(60000)
	assert.False(t, o.Balanced())
}
