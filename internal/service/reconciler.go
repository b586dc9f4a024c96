package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/fjod/go_cart/marketplace/internal/cache"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reconciler applies a verified gateway verdict to the payment attempt and its
// order. It is the only writer of terminal payment states.
type Reconciler struct {
	store TxStore
	cache cache.CartCache
	now   func() time.Time
	log   *zap.Logger
}

type ReconcileOutcome struct {
	Payment *domain.Payment
	Order   *domain.Order
	// Applied is false when the attempt was already terminal.
	Applied        bool
	RefundRequired bool
	Shortfalls     int
}

func NewReconciler(store TxStore, cache cache.CartCache, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store: store,
		cache: cache,
		now:   time.Now,
		log:   log,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, orderID uuid.UUID, v domain.VerifiedPayment) (*ReconcileOutcome, error) {
	if !v.Status.IsTerminal() {
		return nil, internalError("reconcile", fmt.Errorf("status %s is not terminal", v.Status))
	}

	var out *ReconcileOutcome
	err := r.store.InTx(ctx, func(q repository.Queries) error {
		out = &ReconcileOutcome{}

		// lock order: payment row first, then the order row
		payment, err := q.GetPaymentByTxRefForUpdate(ctx, v.TxRef)
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return newError(KindIntegrity, "unknown_tx_ref", "unknown transaction reference", err)
		}
		if err != nil {
			return err
		}
		if payment.OrderID != orderID {
			return newError(KindIntegrity, "order_mismatch", "transaction does not belong to this order", nil)
		}

		order, err := q.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		out.Payment, out.Order = payment, order

		if payment.Status.IsTerminal() {
			return nil
		}

		now := r.now().UTC()
		if v.Status == domain.PaymentStatusSuccessful {
			return r.applySuccess(ctx, q, out, v, now)
		}
		return r.applyFailure(ctx, q, out, v, now)
	})
	if err != nil {
		return nil, asServiceError(err, "failed to reconcile payment")
	}

	if out.Applied && out.Payment.Status == domain.PaymentStatusSuccessful {
		invalidateCart(r.cache, r.log, out.Order.UserID)
	}
	return out, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, q repository.Queries, out *ReconcileOutcome, v domain.VerifiedPayment, now time.Time) error {
	payment, order := out.Payment, out.Order

	alreadyPaid, err := q.HasSuccessfulPayment(ctx, order.ID)
	if err != nil {
		return err
	}

	var refundReason string
	switch {
	case order.Status == domain.OrderStatusCancelled:
		refundReason = domain.FailureOrderCancelled
	case order.PaymentStatus == domain.OrderPaymentPaid || alreadyPaid:
		refundReason = domain.FailureDuplicatePayment
	}

	if refundReason != "" {
		// money was captured but the order cannot take it
		applied, err := r.complete(ctx, q, payment, domain.PaymentUpdate{
			Status:               domain.PaymentStatusFailed,
			GatewayTransactionID: v.GatewayTransactionID,
			FailureReason:        refundReason,
			GatewayResponse:      v.Raw,
			VerifiedAt:           now,
		})
		if err != nil || !applied {
			return err
		}
		out.Applied = true
		out.RefundRequired = true
		r.log.Warn("successful payment needs refund",
			zap.Bool("suspicious", true),
			zap.String("tx_ref", payment.TxRef),
			zap.String("order_id", order.ID.String()),
			zap.String("reason", refundReason))
		return emit(ctx, q, order.ID.String(), domain.EventRefundRequired, paymentEvent(payment, now))
	}

	applied, err := r.complete(ctx, q, payment, domain.PaymentUpdate{
		Status:               domain.PaymentStatusSuccessful,
		GatewayTransactionID: v.GatewayTransactionID,
		GatewayResponse:      v.Raw,
		VerifiedAt:           now,
	})
	if err != nil || !applied {
		return err
	}
	out.Applied = true

	previous := order.Status
	if order.Status == domain.OrderStatusPending {
		order.Status = domain.OrderStatusProcessing
	}
	order.PaymentStatus = domain.OrderPaymentPaid
	if err := q.SetOrderState(ctx, order.ID, order.Status, order.PaymentStatus); err != nil {
		return err
	}

	for _, item := range order.Items {
		shortfall, err := q.DecrementStock(ctx, item.ProductID, item.VariantID, item.Quantity)
		if err != nil {
			return fmt.Errorf("decrement stock for product %d: %w", item.ProductID, err)
		}
		if shortfall > 0 {
			out.Shortfalls++
			r.log.Warn("stock oversold on payment",
				zap.String("order_id", order.ID.String()),
				zap.Int64("product_id", item.ProductID),
				zap.Int("shortfall", shortfall))
		}
	}

	if err := q.RemoveCartProducts(ctx, order.UserID, order.Items); err != nil {
		return err
	}

	r.log.Info("order paid",
		zap.String("order_id", order.ID.String()),
		zap.String("tx_ref", payment.TxRef),
		zap.String("amount", payment.Amount.StringFixed(2)))
	return emit(ctx, q, order.ID.String(), domain.EventOrderPaid, orderEvent(order, previous, now))
}

func (r *Reconciler) applyFailure(ctx context.Context, q repository.Queries, out *ReconcileOutcome, v domain.VerifiedPayment, now time.Time) error {
	payment, order := out.Payment, out.Order

	reason := v.FailureReason
	if reason == "" {
		reason = domain.FailureDeclined
	}
	applied, err := r.complete(ctx, q, payment, domain.PaymentUpdate{
		Status:               domain.PaymentStatusFailed,
		GatewayTransactionID: v.GatewayTransactionID,
		FailureReason:        reason,
		GatewayResponse:      v.Raw,
		VerifiedAt:           now,
	})
	if err != nil || !applied {
		return err
	}
	out.Applied = true

	// order stays PENDING so the customer can retry; the sweep cancels it later
	if !v.AttemptOnly && order.Status == domain.OrderStatusPending && order.PaymentStatus != domain.OrderPaymentPaid {
		order.PaymentStatus = domain.OrderPaymentFailed
		if err := q.SetOrderState(ctx, order.ID, order.Status, order.PaymentStatus); err != nil {
			return err
		}
	}

	r.log.Info("payment failed",
		zap.String("order_id", order.ID.String()),
		zap.String("tx_ref", payment.TxRef),
		zap.String("reason", reason))
	return emit(ctx, q, order.ID.String(), domain.EventPaymentFailed, paymentEvent(payment, now))
}

// complete performs the PENDING -> terminal compare-and-swap and mirrors it on payment.
func (r *Reconciler) complete(ctx context.Context, q repository.Queries, payment *domain.Payment, update domain.PaymentUpdate) (bool, error) {
	if !payment.Status.CanTransitionTo(update.Status) {
		return false, internalError("complete payment",
			fmt.Errorf("payment %s cannot move from %s to %s", payment.TxRef, payment.Status, update.Status))
	}
	applied, err := q.CompletePayment(ctx, payment.ID, update)
	if err != nil {
		return false, err
	}
	if !applied {
		r.log.Info("payment already settled", zap.String("tx_ref", payment.TxRef))
		return false, nil
	}

	payment.Status = update.Status
	payment.GatewayTransactionID = update.GatewayTransactionID
	payment.FailureReason = update.FailureReason
	payment.GatewayResponse = update.GatewayResponse
	verifiedAt := update.VerifiedAt
	payment.VerifiedAt = &verifiedAt
	payment.UpdatedAt = update.VerifiedAt
	return true, nil
}

// Expire fails an attempt the gateway never settled.
func (r *Reconciler) Expire(ctx context.Context, payment *domain.Payment) (*ReconcileOutcome, error) {
	return r.Reconcile(ctx, payment.OrderID, domain.VerifiedPayment{
		TxRef:         payment.TxRef,
		Status:        domain.PaymentStatusFailed,
		FailureReason: domain.FailureExpired,
	})
}

// SettleLate handles a gateway success reported for an attempt that was
// closed locally as expired or never opened. The attempt stays FAILED and the
// captured money is flagged for refund, once.
func (r *Reconciler) SettleLate(ctx context.Context, orderID uuid.UUID, v domain.VerifiedPayment) (*ReconcileOutcome, error) {
	if v.Status != domain.PaymentStatusSuccessful {
		return nil, internalError("settle late payment", fmt.Errorf("status %s is not a success", v.Status))
	}

	var out *ReconcileOutcome
	err := r.store.InTx(ctx, func(q repository.Queries) error {
		out = &ReconcileOutcome{}

		payment, err := q.GetPaymentByTxRefForUpdate(ctx, v.TxRef)
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return newError(KindIntegrity, "unknown_tx_ref", "unknown transaction reference", err)
		}
		if err != nil {
			return err
		}
		if payment.OrderID != orderID {
			return newError(KindIntegrity, "order_mismatch", "transaction does not belong to this order", nil)
		}
		order, err := q.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		out.Payment, out.Order = payment, order

		if !payment.SettlesLate() {
			return nil
		}

		now := r.now().UTC()
		update := domain.PaymentUpdate{
			Status:               domain.PaymentStatusFailed,
			GatewayTransactionID: v.GatewayTransactionID,
			FailureReason:        domain.FailureLateSuccess,
			GatewayResponse:      v.Raw,
			VerifiedAt:           now,
		}
		applied, err := q.MarkLateSuccess(ctx, payment.ID, update)
		if err != nil || !applied {
			return err
		}
		payment.GatewayTransactionID = update.GatewayTransactionID
		payment.FailureReason = update.FailureReason
		payment.GatewayResponse = update.GatewayResponse
		payment.VerifiedAt = &now
		payment.UpdatedAt = now
		out.Applied = true
		out.RefundRequired = true

		r.log.Warn("payment captured after the attempt was closed",
			zap.Bool("suspicious", true),
			zap.String("tx_ref", payment.TxRef),
			zap.String("order_id", order.ID.String()),
			zap.String("amount", v.Amount.StringFixed(2)+" "+v.Currency))
		return emit(ctx, q, order.ID.String(), domain.EventRefundRequired, paymentEvent(payment, now))
	})
	if err != nil {
		return nil, asServiceError(err, "failed to settle late payment")
	}
	return out, nil
}
