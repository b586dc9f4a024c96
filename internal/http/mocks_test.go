package http

import (
	"context"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/google/uuid"
)

type CartServiceMock struct {
	view      *domain.CartView
	err       error
	added     *domain.AddCartItemRequest
	itemID    int64
	quantity  int
	cleared   bool
	gotUserID string
}

func (m *CartServiceMock) GetCart(_ context.Context, userID string) (*domain.CartView, error) {
	m.gotUserID = userID
	return m.view, m.err
}

func (m *CartServiceMock) AddItem(_ context.Context, userID string, req domain.AddCartItemRequest) (*domain.CartView, error) {
	m.gotUserID = userID
	m.added = &req
	return m.view, m.err
}

func (m *CartServiceMock) UpdateQuantity(_ context.Context, userID string, itemID int64, quantity int) (*domain.CartView, error) {
	m.gotUserID = userID
	m.itemID = itemID
	m.quantity = quantity
	return m.view, m.err
}

func (m *CartServiceMock) RemoveItem(_ context.Context, userID string, itemID int64) (*domain.CartView, error) {
	m.gotUserID = userID
	m.itemID = itemID
	return m.view, m.err
}

func (m *CartServiceMock) Clear(_ context.Context, userID string) error {
	m.gotUserID = userID
	m.cleared = m.err == nil
	return m.err
}

type OrderServiceMock struct {
	order      *domain.Order
	orders     []*domain.Order
	err        error
	created    *domain.CreateOrderRequest
	gotUserID  string
	gotOrderID uuid.UUID
	gotStatus  domain.OrderStatus
}

func (m *OrderServiceMock) CreateOrder(_ context.Context, req domain.CreateOrderRequest) (*domain.Order, error) {
	m.created = &req
	return m.order, m.err
}

func (m *OrderServiceMock) GetOrder(_ context.Context, userID string, orderID uuid.UUID) (*domain.Order, error) {
	m.gotUserID, m.gotOrderID = userID, orderID
	return m.order, m.err
}

func (m *OrderServiceMock) ListOrders(_ context.Context, userID string) ([]*domain.Order, error) {
	m.gotUserID = userID
	return m.orders, m.err
}

func (m *OrderServiceMock) CancelOrder(_ context.Context, userID string, orderID uuid.UUID) (*domain.Order, error) {
	m.gotUserID, m.gotOrderID = userID, orderID
	return m.order, m.err
}

func (m *OrderServiceMock) UpdateStatus(_ context.Context, orderID uuid.UUID, next domain.OrderStatus) (*domain.Order, error) {
	m.gotOrderID, m.gotStatus = orderID, next
	return m.order, m.err
}

type PaymentServiceMock struct {
	init        *domain.PaymentInit
	result      *domain.VerificationResult
	err         error
	initReq     *domain.InitializePaymentRequest
	verifyReq   *domain.VerifyPaymentRequest
	webhookRefs []string
}

func (m *PaymentServiceMock) Initialize(_ context.Context, req domain.InitializePaymentRequest) (*domain.PaymentInit, error) {
	m.initReq = &req
	return m.init, m.err
}

func (m *PaymentServiceMock) Verify(_ context.Context, req domain.VerifyPaymentRequest) (*domain.VerificationResult, error) {
	m.verifyReq = &req
	return m.result, m.err
}

func (m *PaymentServiceMock) HandleWebhook(_ context.Context, txRef string) (*domain.VerificationResult, error) {
	m.webhookRefs = append(m.webhookRefs, txRef)
	return m.result, m.err
}

type VerifierMock struct {
	hash string
}

func (m VerifierMock) VerifyWebhookHash(header string) bool {
	return m.hash != "" && header == m.hash
}
