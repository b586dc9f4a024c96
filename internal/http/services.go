package http

import (
	"context"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/google/uuid"
)

type CartService interface {
	GetCart(ctx context.Context, userID string) (*domain.CartView, error)
	AddItem(ctx context.Context, userID string, req domain.AddCartItemRequest) (*domain.CartView, error)
	UpdateQuantity(ctx context.Context, userID string, itemID int64, quantity int) (*domain.CartView, error)
	RemoveItem(ctx context.Context, userID string, itemID int64) (*domain.CartView, error)
	Clear(ctx context.Context, userID string) error
}

type OrderService interface {
	CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (*domain.Order, error)
	GetOrder(ctx context.Context, userID string, orderID uuid.UUID) (*domain.Order, error)
	ListOrders(ctx context.Context, userID string) ([]*domain.Order, error)
	CancelOrder(ctx context.Context, userID string, orderID uuid.UUID) (*domain.Order, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, next domain.OrderStatus) (*domain.Order, error)
}

type PaymentService interface {
	Initialize(ctx context.Context, req domain.InitializePaymentRequest) (*domain.PaymentInit, error)
	Verify(ctx context.Context, req domain.VerifyPaymentRequest) (*domain.VerificationResult, error)
	HandleWebhook(ctx context.Context, txRef string) (*domain.VerificationResult, error)
}

// WebhookVerifier checks the shared secret the gateway sends with webhooks.
type WebhookVerifier interface {
	VerifyWebhookHash(header string) bool
}
