package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/google/uuid"
)

var (
	ErrProductNotFound         = errors.New("product not found")
	ErrVariantNotFound         = errors.New("product variant not found")
	ErrAddressNotFound         = errors.New("address not found")
	ErrCartItemNotFound        = errors.New("cart item not found")
	ErrOrderNotFound           = errors.New("order not found")
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrIdempotencyKeyNotFound  = errors.New("idempotency key not found")
	ErrDuplicateOrderNumber    = errors.New("order number already exists")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrDuplicateTxRef          = errors.New("tx_ref already exists")
	ErrDuplicateSuccess        = errors.New("order already has a successful payment")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

type OutboxEvent struct {
	ID          int64
	AggregateId string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

// Queries is every data operation the services use. It is served both by the
// pooled connection and by an open transaction.
type Queries interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	GetVariant(ctx context.Context, id int64) (*domain.ProductVariant, error)
	DecrementStock(ctx context.Context, productID int64, variantID *int64, qty int) (shortfall int, err error)
	GetAddress(ctx context.Context, id int64) (*domain.Address, error)

	ListCartEntries(ctx context.Context, userID string) ([]domain.CartEntry, error)
	AddCartItem(ctx context.Context, item *domain.CartItem) error
	UpdateCartItemQuantity(ctx context.Context, userID string, itemID int64, qty int) error
	DeleteCartItem(ctx context.Context, userID string, itemID int64) error
	ClearCart(ctx context.Context, userID string) error
	RemoveCartProducts(ctx context.Context, userID string, items []domain.OrderItem) error

	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]*domain.Order, error)
	SetOrderState(ctx context.Context, id uuid.UUID, status domain.OrderStatus, paymentStatus domain.OrderPaymentStatus) error
	ListStaleFailedOrders(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)

	CreatePayment(ctx context.Context, payment *domain.Payment) error
	GetPaymentByTxRef(ctx context.Context, txRef string) (*domain.Payment, error)
	GetPaymentByTxRefForUpdate(ctx context.Context, txRef string) (*domain.Payment, error)
	GetPaymentByIdempotencyKey(ctx context.Context, orderID uuid.UUID, key string) (*domain.Payment, error)
	SetPaymentLink(ctx context.Context, id uuid.UUID, link string) error
	CompletePayment(ctx context.Context, id uuid.UUID, update domain.PaymentUpdate) (bool, error)
	MarkLateSuccess(ctx context.Context, id uuid.UUID, update domain.PaymentUpdate) (bool, error)
	HasSuccessfulPayment(ctx context.Context, orderID uuid.UUID) (bool, error)
	HasPendingPayment(ctx context.Context, orderID uuid.UUID) (bool, error)
	ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]*domain.Payment, error)

	InsertOutboxEvent(ctx context.Context, aggregateID, eventType string, payload []byte) error
}

// OutboxStore is what the outbox poller needs.
type OutboxStore interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}

type Store interface {
	Queries
	OutboxStore
	// InTx runs fn in a single transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(q Queries) error) error
	RunMigrations(*Credentials) error
	Close() error
}
