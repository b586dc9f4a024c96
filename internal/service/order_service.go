package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	orderNumberAttempts = 3
	sweepBatchSize      = 100
)

// TxStore is the repository as the services see it.
type TxStore interface {
	repository.Queries
	InTx(ctx context.Context, fn func(q repository.Queries) error) error
}

type OrderService struct {
	store       TxStore
	pricing     PricingPolicy
	retryWindow time.Duration
	now         func() time.Time
	log         *zap.Logger
}

func NewOrderService(store TxStore, pricing PricingPolicy, retryWindow time.Duration, log *zap.Logger) *OrderService {
	return &OrderService{
		store:       store,
		pricing:     pricing,
		retryWindow: retryWindow,
		now:         time.Now,
		log:         log,
	}
}

// CreateOrder validates the request against the live catalog, snapshots prices
// and persists the order with its items in one transaction. Stock is not
// touched until payment succeeds.
func (s *OrderService) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (*domain.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fieldError(err)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repository.ErrIdempotencyKeyNotFound) {
			return nil, internalError("failed to check idempotency key", err)
		}
	}

	address, err := s.store.GetAddress(ctx, req.AddressID)
	if err != nil && !errors.Is(err, repository.ErrAddressNotFound) {
		return nil, internalError("failed to load address", err)
	}
	if err != nil || address.UserID != req.UserID {
		s.log.Warn("order rejected: address not owned by user",
			zap.String("user_id", req.UserID), zap.Int64("address_id", req.AddressID))
		return nil, newError(KindForbidden, "address_not_owned", "shipping address does not belong to this user", nil)
	}

	items, err := s.snapshotItems(ctx, req.MergedItems())
	if err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	totalQty := 0
	for _, item := range items {
		subtotal = subtotal.Add(item.TotalPrice)
		totalQty += item.Quantity
	}
	quote := s.pricing.Quote(subtotal, totalQty)

	now := s.now().UTC()
	order := &domain.Order{
		ID:              uuid.New(),
		UserID:          req.UserID,
		AddressID:       address.ID,
		ShippingAddress: *address,
		PaymentMethod:   req.PaymentMethod,
		Currency:        quote.Currency,
		Subtotal:        quote.Subtotal,
		Tax:             quote.Tax,
		ShippingCost:    quote.ShippingCost,
		Discount:        quote.Discount,
		TotalAmount:     quote.Total,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.OrderPaymentPending,
		IdempotencyKey:  req.IdempotencyKey,
		Items:           items,
	}
	if !order.Balanced() {
		return nil, internalError("order totals do not add up", nil)
	}

	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		order.OrderNumber = newOrderNumber(now)
		err = s.store.InTx(ctx, func(q repository.Queries) error {
			if err := q.CreateOrder(ctx, order); err != nil {
				return err
			}
			return emit(ctx, q, order.ID.String(), domain.EventOrderCreated, orderEvent(order, "", now))
		})
		if !errors.Is(err, repository.ErrDuplicateOrderNumber) {
			break
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicateIdempotencyKey):
		// a concurrent request with the same key won the insert
		existing, getErr := s.store.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if getErr != nil {
			return nil, internalError("failed to load order for idempotency key", getErr)
		}
		return existing, nil
	default:
		s.log.Error("create order failed", zap.String("user_id", req.UserID), zap.Error(err))
		return nil, internalError("failed to create order", err)
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.String("total", order.TotalAmount.StringFixed(2)))
	return order, nil
}

// snapshotItems resolves every line against the catalog. One bad line rejects
// the whole order.
func (s *OrderService) snapshotItems(ctx context.Context, lines []domain.OrderItemRequest) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0, len(lines))
	for i, line := range lines {
		product, err := s.store.GetProduct(ctx, line.ProductID)
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, validationError("product_not_found", fmt.Sprintf("product %d is not available", line.ProductID))
		}
		if err != nil {
			return nil, internalError("failed to load product", err)
		}

		var variant *domain.ProductVariant
		if line.VariantID != nil {
			variant, err = s.store.GetVariant(ctx, *line.VariantID)
			if errors.Is(err, repository.ErrVariantNotFound) || (err == nil && variant.ProductID != product.ID) {
				return nil, validationError("variant_not_found",
					fmt.Sprintf("variant %d is not available for product %d", *line.VariantID, product.ID))
			}
			if err != nil {
				return nil, internalError("failed to load variant", err)
			}
		}

		if available := domain.AvailableStock(product, variant); available < line.Quantity {
			return nil, validationError("insufficient_stock",
				fmt.Sprintf("only %d of %s left in stock", available, product.Name))
		}

		unit := domain.EffectivePrice(product, variant)
		item := domain.OrderItem{
			Position:    i + 1,
			ProductID:   product.ID,
			VariantID:   line.VariantID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitPrice:   unit,
			TotalPrice:  unit.Mul(decimal.NewFromInt(int64(line.Quantity))),
		}
		if variant != nil {
			item.VariantName = variant.Name
		}
		items = append(items, item)
	}
	return items, nil
}

// newOrderNumber returns ORD-YYYYMMDD-XXXXXXXX.
func newOrderNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", at.Format("20060102"), suffix)
}

// GetOrder returns the order when userID owns it. Other users get NotFound so
// order ids cannot be probed.
func (s *OrderService) GetOrder(ctx context.Context, userID string, orderID uuid.UUID) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, newError(KindNotFound, "order_not_found", "order not found", err)
	}
	if err != nil {
		return nil, internalError("failed to load order", err)
	}
	if order.UserID != userID {
		return nil, newError(KindNotFound, "order_not_found", "order not found", nil)
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]*domain.Order, error) {
	orders, err := s.store.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, internalError("failed to list orders", err)
	}
	return orders, nil
}

// CancelOrder lets the owner drop an order that has not been paid.
func (s *OrderService) CancelOrder(ctx context.Context, userID string, orderID uuid.UUID) (*domain.Order, error) {
	var cancelled *domain.Order
	err := s.store.InTx(ctx, func(q repository.Queries) error {
		order, err := q.GetOrderForUpdate(ctx, orderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			return newError(KindNotFound, "order_not_found", "order not found", err)
		}
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return newError(KindNotFound, "order_not_found", "order not found", nil)
		}
		if order.Status != domain.OrderStatusPending || order.PaymentStatus == domain.OrderPaymentPaid {
			return newError(KindConflict, "order_not_cancellable",
				fmt.Sprintf("order in status %s cannot be cancelled", order.Status), nil)
		}

		previous := order.Status
		order.Status = domain.OrderStatusCancelled
		if err := q.SetOrderState(ctx, order.ID, order.Status, order.PaymentStatus); err != nil {
			return err
		}
		cancelled = order
		return emit(ctx, q, order.ID.String(), domain.EventOrderCancelled, orderEvent(order, previous, s.now().UTC()))
	})
	if err != nil {
		return nil, asServiceError(err, "failed to cancel order")
	}

	s.log.Info("order cancelled by customer", zap.String("order_id", orderID.String()), zap.String("user_id", userID))
	return cancelled, nil
}

// UpdateStatus is the back-office transition. The row lock plus the
// transition table make it a compare-and-swap on the current status.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID uuid.UUID, next domain.OrderStatus) (*domain.Order, error) {
	if !next.Valid() {
		return nil, validationError("invalid_status", fmt.Sprintf("unknown order status %q", next))
	}

	var updated *domain.Order
	err := s.store.InTx(ctx, func(q repository.Queries) error {
		order, err := q.GetOrderForUpdate(ctx, orderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			return newError(KindNotFound, "order_not_found", "order not found", err)
		}
		if err != nil {
			return err
		}
		if !order.Status.CanTransitionTo(next) {
			return newError(KindConflict, "illegal_transition",
				fmt.Sprintf("cannot move order from %s to %s", order.Status, next), nil)
		}
		if next == domain.OrderStatusProcessing && order.PaymentStatus != domain.OrderPaymentPaid {
			return newError(KindConflict, "order_not_paid", "order must be paid before processing", nil)
		}

		previous := order.Status
		order.Status = next
		if err := q.SetOrderState(ctx, order.ID, order.Status, order.PaymentStatus); err != nil {
			return err
		}

		now := s.now().UTC()
		eventType := domain.EventOrderStatusChanged
		if next == domain.OrderStatusCancelled {
			eventType = domain.EventOrderCancelled
		}
		if err := emit(ctx, q, order.ID.String(), eventType, orderEvent(order, previous, now)); err != nil {
			return err
		}
		if next == domain.OrderStatusCancelled && order.PaymentStatus == domain.OrderPaymentPaid {
			if err := emit(ctx, q, order.ID.String(), domain.EventRefundRequired, orderEvent(order, previous, now)); err != nil {
				return err
			}
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, asServiceError(err, "failed to update order status")
	}

	s.log.Info("order status updated",
		zap.String("order_id", orderID.String()),
		zap.String("status", next.String()))
	return updated, nil
}

// CancelFailedOrders cancels orders whose last payment attempt failed and
// that were not retried within the retry window.
func (s *OrderService) CancelFailedOrders(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ListStaleFailedOrders(ctx, now.Add(-s.retryWindow), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale failed orders: %w", err)
	}

	cancelled := 0
	for _, id := range ids {
		changed := false
		err := s.store.InTx(ctx, func(q repository.Queries) error {
			order, err := q.GetOrderForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.OrderPaymentFailed {
				return nil
			}
			// Initialize takes the same row lock before inserting an attempt
			retrying, err := q.HasPendingPayment(ctx, order.ID)
			if err != nil {
				return err
			}
			if retrying {
				return nil
			}
			order.Status = domain.OrderStatusCancelled
			if err := q.SetOrderState(ctx, order.ID, order.Status, order.PaymentStatus); err != nil {
				return err
			}
			changed = true
			return emit(ctx, q, order.ID.String(), domain.EventOrderCancelled, orderEvent(order, domain.OrderStatusPending, now))
		})
		if err != nil {
			s.log.Error("cancel failed order", zap.String("order_id", id.String()), zap.Error(err))
			continue
		}
		if changed {
			cancelled++
		}
	}
	return cancelled, nil
}

// asServiceError keeps service errors raised inside a transaction and wraps
// everything else as internal.
func asServiceError(err error, msg string) error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return internalError(msg, err)
}
