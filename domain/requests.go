package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const MaxItemQuantity = 99

// FieldError reports an invalid request field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type OrderItemRequest struct {
	ProductID int64  `json:"product_id"`
	VariantID *int64 `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

func (r OrderItemRequest) key() string {
	if r.VariantID == nil {
		return fmt.Sprintf("%d", r.ProductID)
	}
	return fmt.Sprintf("%d:%d", r.ProductID, *r.VariantID)
}

type CreateOrderRequest struct {
	UserID         string
	AddressID      int64
	PaymentMethod  PaymentMethod
	Items          []OrderItemRequest
	IdempotencyKey string
}

func (r *CreateOrderRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return &FieldError{Field: "user_id", Message: "is required"}
	}
	if r.AddressID <= 0 {
		return &FieldError{Field: "address_id", Message: "is required"}
	}
	if !r.PaymentMethod.Valid() {
		return &FieldError{Field: "payment_method", Message: fmt.Sprintf("unsupported payment method %q", r.PaymentMethod)}
	}
	if len(r.Items) == 0 {
		return &FieldError{Field: "items", Message: "order must contain at least one item"}
	}
	for i, item := range r.Items {
		if item.ProductID <= 0 {
			return &FieldError{Field: fmt.Sprintf("items[%d].product_id", i), Message: "is required"}
		}
		if item.VariantID != nil && *item.VariantID <= 0 {
			return &FieldError{Field: fmt.Sprintf("items[%d].variant_id", i), Message: "must be positive"}
		}
		if item.Quantity < 1 || item.Quantity > MaxItemQuantity {
			return &FieldError{Field: fmt.Sprintf("items[%d].quantity", i), Message: fmt.Sprintf("must be between 1 and %d", MaxItemQuantity)}
		}
	}
	// repeated lines are merged before pricing, so the limit holds per product/variant
	for _, item := range r.MergedItems() {
		if item.Quantity > MaxItemQuantity {
			return &FieldError{Field: "items", Message: fmt.Sprintf("product %d ordered %d times, at most %d allowed", item.ProductID, item.Quantity, MaxItemQuantity)}
		}
	}
	return nil
}

// MergedItems folds repeated product/variant lines into one, keeping first-seen order.
func (r *CreateOrderRequest) MergedItems() []OrderItemRequest {
	merged := make([]OrderItemRequest, 0, len(r.Items))
	index := make(map[string]int, len(r.Items))
	for _, item := range r.Items {
		if i, ok := index[item.key()]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.key()] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

type AddCartItemRequest struct {
	ProductID int64  `json:"product_id"`
	VariantID *int64 `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

func (r *AddCartItemRequest) Validate() error {
	if r.ProductID <= 0 {
		return &FieldError{Field: "product_id", Message: "is required"}
	}
	if r.VariantID != nil && *r.VariantID <= 0 {
		return &FieldError{Field: "variant_id", Message: "must be positive"}
	}
	if r.Quantity < 1 || r.Quantity > MaxItemQuantity {
		return &FieldError{Field: "quantity", Message: fmt.Sprintf("must be between 1 and %d", MaxItemQuantity)}
	}
	return nil
}

type Customer struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type InitializePaymentRequest struct {
	UserID         string
	OrderID        uuid.UUID
	Customer       Customer
	IdempotencyKey string
}

func (r *InitializePaymentRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return &FieldError{Field: "user_id", Message: "is required"}
	}
	if r.OrderID == uuid.Nil {
		return &FieldError{Field: "order_id", Message: "is required"}
	}
	if !strings.Contains(r.Customer.Email, "@") {
		return &FieldError{Field: "customer.email", Message: "a valid email is required"}
	}
	return nil
}

// VerifyPaymentRequest identifies an attempt by tx_ref. OrderID and UserID are
// set when the call comes from an authenticated customer and are cross-checked.
type VerifyPaymentRequest struct {
	TxRef   string
	OrderID uuid.UUID
	UserID  string
}

func (r *VerifyPaymentRequest) Validate() error {
	if strings.TrimSpace(r.TxRef) == "" {
		return &FieldError{Field: "tx_ref", Message: "is required"}
	}
	return nil
}
