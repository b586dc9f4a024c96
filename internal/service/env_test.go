package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testPricing = PricingPolicy{
	Currency:              "RWF",
	TaxRate:               decimal.RequireFromString("0.18"),
	FreeShippingThreshold: decimal.NewFromInt(30000),
	FlatShippingFee:       decimal.NewFromInt(2000),
}

type testEnv struct {
	store      *fakeStore
	gw         *mockGateway
	cache      *mockCache
	carts      *CartService
	orders     *OrderService
	payments   *PaymentService
	reconciler *Reconciler
	txRefs     atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()

	env := &testEnv{
		store: newFakeStore(),
		gw:    newMockGateway(),
		cache: newMockCache(),
	}
	env.carts = NewCartService(env.store, env.cache, testPricing, log)
	env.orders = NewOrderService(env.store, testPricing, 24*time.Hour, log)
	env.reconciler = NewReconciler(env.store, env.cache, log)
	env.payments = NewPaymentService(env.store, env.gw, env.reconciler, "https://shop.example/api/payments/callback", 30*time.Minute, log)

	// deterministic references: test-tx-1, test-tx-2, ...
	env.payments.newTxRef = func(string) string {
		return fmt.Sprintf("test-tx-%d", env.txRefs.Add(1))
	}
	return env
}

func ptr(v int64) *int64 { return &v }

// basketOrder orders two large baskets, 59,000 RWF in total.
func (e *testEnv) basketOrder(t *testing.T) *domain.Order {
	t.Helper()
	order, err := e.orders.CreateOrder(context.Background(), domain.CreateOrderRequest{
		UserID:        "user-1",
		AddressID:     1,
		PaymentMethod: domain.PaymentMethodMobileMoney,
		Items:         []domain.OrderItemRequest{{ProductID: 1, VariantID: ptr(11), Quantity: 2}},
	})
	require.NoError(t, err)
	return order
}

func (e *testEnv) initialize(t *testing.T, orderID uuid.UUID) *domain.PaymentInit {
	t.Helper()
	pay, err := e.payments.Initialize(context.Background(), domain.InitializePaymentRequest{
		UserID:   "user-1",
		OrderID:  orderID,
		Customer: domain.Customer{Email: "aline@example.com", Name: "Aline Uwase"},
	})
	require.NoError(t, err)
	return pay
}

func (e *testEnv) verify(txRef string) (*domain.VerificationResult, error) {
	return e.payments.Verify(context.Background(), domain.VerifyPaymentRequest{TxRef: txRef, UserID: "user-1"})
}

func requireKind(t *testing.T, err error, kind Kind, code string) {
	t.Helper()
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, kind, se.Kind, "kind of %v", err)
	if code != "" {
		require.Equal(t, code, se.Code)
	}
}
