package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/fjod/go_cart/marketplace/internal/gateway"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const settleTimeout = 10 * time.Second

// PaymentGateway is the part of the gateway client the payment flow uses.
type PaymentGateway interface {
	Initialize(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error)
	Verify(ctx context.Context, txRef string) (*gateway.Transaction, error)
}

type PaymentService struct {
	store       TxStore
	gateway     PaymentGateway
	reconciler  *Reconciler
	redirectURL string
	ttl         time.Duration
	sfg         singleflight.Group // one gateway verify per tx_ref at a time
	newTxRef    func(orderNumber string) string
	log         *zap.Logger
}

func NewPaymentService(store TxStore, gw PaymentGateway, reconciler *Reconciler, redirectURL string, ttl time.Duration, log *zap.Logger) *PaymentService {
	return &PaymentService{
		store:       store,
		gateway:     gw,
		reconciler:  reconciler,
		redirectURL: redirectURL,
		ttl:         ttl,
		newTxRef:    newTxRef,
		log:         log,
	}
}

// newTxRef derives a per-attempt reference from the order number.
func newTxRef(orderNumber string) string {
	return fmt.Sprintf("%s-%s", orderNumber, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Initialize opens a new payment attempt for an unpaid order and returns the
// hosted checkout link. The attempt row is written before the gateway is called.
func (s *PaymentService) Initialize(ctx context.Context, req domain.InitializePaymentRequest) (*domain.PaymentInit, error) {
	if err := req.Validate(); err != nil {
		return nil, fieldError(err)
	}

	order, err := s.store.GetOrder(ctx, req.OrderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, newError(KindNotFound, "order_not_found", "order not found", err)
	}
	if err != nil {
		return nil, internalError("failed to load order", err)
	}
	if order.UserID != req.UserID {
		return nil, newError(KindNotFound, "order_not_found", "order not found", nil)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetPaymentByIdempotencyKey(ctx, order.ID, req.IdempotencyKey)
		if err == nil {
			return paymentInit(existing), nil
		}
		if !errors.Is(err, repository.ErrIdempotencyKeyNotFound) {
			return nil, internalError("failed to check idempotency key", err)
		}
	}

	if err := checkPayable(order); err != nil {
		return nil, err
	}

	payment := &domain.Payment{
		ID:             uuid.New(),
		OrderID:        order.ID,
		TxRef:          s.newTxRef(order.OrderNumber),
		Amount:         order.TotalAmount,
		Currency:       order.Currency,
		Status:         domain.PaymentStatusPending,
		IdempotencyKey: req.IdempotencyKey,
	}
	// the order row lock orders this insert against the failed-order sweep
	err = s.store.InTx(ctx, func(q repository.Queries) error {
		locked, err := q.GetOrderForUpdate(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := checkPayable(locked); err != nil {
			return err
		}
		return q.CreatePayment(ctx, payment)
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
			existing, getErr := s.store.GetPaymentByIdempotencyKey(ctx, order.ID, req.IdempotencyKey)
			if getErr == nil {
				return paymentInit(existing), nil
			}
			err = getErr
		}
		return nil, asServiceError(err, "failed to create payment")
	}

	charge, err := s.gateway.Initialize(ctx, gateway.ChargeRequest{
		TxRef:          payment.TxRef,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		RedirectURL:    s.redirectURL,
		PaymentOptions: order.PaymentMethod.GatewayOption(),
		Customer:       req.Customer,
		Meta: map[string]string{
			"order_id":     order.ID.String(),
			"order_number": order.OrderNumber,
		},
		Title:       "Order " + order.OrderNumber,
		Description: fmt.Sprintf("Payment for order %s", order.OrderNumber),
	})
	if err != nil {
		s.log.Warn("payment initialization failed",
			zap.String("tx_ref", payment.TxRef), zap.String("order_id", order.ID.String()), zap.Error(err))
		s.failAttempt(ctx, payment)
		if errors.Is(err, gateway.ErrRejected) {
			return nil, newError(KindValidation, "gateway_rejected", "payment gateway rejected the request", err)
		}
		return nil, newError(KindUnavailable, "gateway_unavailable", "payment gateway is unavailable, try again", err)
	}

	if err := s.store.SetPaymentLink(ctx, payment.ID, charge.Link); err != nil {
		// the attempt stays PENDING and is expired by the sweep
		return nil, internalError("failed to store payment link", err)
	}
	payment.PaymentLink = charge.Link

	s.log.Info("payment initialized",
		zap.String("tx_ref", payment.TxRef),
		zap.String("order_id", order.ID.String()),
		zap.String("amount", payment.Amount.StringFixed(2)))
	return paymentInit(payment), nil
}

func checkPayable(order *domain.Order) error {
	if order.PaymentStatus == domain.OrderPaymentPaid {
		return newError(KindConflict, "order_already_paid", "order is already paid", nil)
	}
	if order.Status != domain.OrderStatusPending || !order.PaymentStatus.Payable() {
		return newError(KindConflict, "order_not_payable",
			fmt.Sprintf("order in status %s cannot be paid", order.Status), nil)
	}
	return nil
}

// failAttempt closes an attempt the gateway never accepted so it does not sit
// in PENDING. It outlives the request context.
func (s *PaymentService) failAttempt(ctx context.Context, payment *domain.Payment) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	_, err := s.reconciler.Reconcile(ctx, payment.OrderID, domain.VerifiedPayment{
		TxRef:         payment.TxRef,
		Status:        domain.PaymentStatusFailed,
		FailureReason: domain.FailureInitialize,
		AttemptOnly:   true,
	})
	if err != nil {
		s.log.Error("failed to close payment attempt", zap.String("tx_ref", payment.TxRef), zap.Error(err))
	}
}

// Verify asks the gateway for the outcome of an attempt and applies it.
// Terminal attempts are answered from the database without side effects,
// except attempts closed locally, which are checked once more for late capture.
func (s *PaymentService) Verify(ctx context.Context, req domain.VerifyPaymentRequest) (*domain.VerificationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fieldError(err)
	}

	payment, err := s.store.GetPaymentByTxRef(ctx, req.TxRef)
	if errors.Is(err, repository.ErrPaymentNotFound) {
		s.log.Warn("verification for unknown tx_ref",
			zap.Bool("suspicious", true), zap.String("tx_ref", req.TxRef), zap.String("user_id", req.UserID))
		return nil, newError(KindIntegrity, "unknown_tx_ref", "unknown transaction reference", err)
	}
	if err != nil {
		return nil, internalError("failed to load payment", err)
	}
	if req.OrderID != uuid.Nil && payment.OrderID != req.OrderID {
		s.log.Warn("tx_ref presented for another order",
			zap.Bool("suspicious", true),
			zap.String("tx_ref", req.TxRef),
			zap.String("order_id", req.OrderID.String()))
		return nil, newError(KindIntegrity, "order_mismatch", "transaction does not belong to this order", nil)
	}

	order, err := s.store.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return nil, internalError("failed to load order", err)
	}
	if req.UserID != "" && order.UserID != req.UserID {
		return nil, newError(KindNotFound, "payment_not_found", "payment not found", nil)
	}

	if payment.Status.IsTerminal() && !payment.SettlesLate() {
		res := verificationResult(payment, order)
		res.AlreadyProcessed = true
		return res, nil
	}

	v, err, _ := s.sfg.Do(req.TxRef, func() (interface{}, error) {
		tx, err := s.gateway.Verify(ctx, payment.TxRef)
		switch {
		case errors.Is(err, gateway.ErrTransactionNotFound):
			res := verificationResult(payment, order)
			res.AlreadyProcessed = payment.Status.IsTerminal()
			return res, nil
		case errors.Is(err, gateway.ErrUnavailable):
			return nil, newError(KindUnavailable, "gateway_unavailable", "payment gateway is unavailable, try again", err)
		case err != nil:
			return nil, internalError("payment verification failed", err)
		}
		if payment.Status.IsTerminal() {
			return s.applyLate(ctx, payment, order, tx)
		}
		return s.apply(ctx, payment, order, tx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.VerificationResult), nil
}

// apply checks a gateway transaction against local records and hands terminal
// verdicts to the reconciler.
func (s *PaymentService) apply(ctx context.Context, payment *domain.Payment, order *domain.Order, tx *gateway.Transaction) (*domain.VerificationResult, error) {
	status := tx.PaymentStatus()
	if status == domain.PaymentStatusPending {
		return verificationResult(payment, order), nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if status == domain.PaymentStatusSuccessful && !s.matches(payment, order, tx) {
		s.log.Warn("gateway amount does not match order",
			zap.Bool("suspicious", true),
			zap.String("tx_ref", payment.TxRef),
			zap.String("order_id", order.ID.String()),
			zap.String("expected", payment.Amount.StringFixed(2)+" "+payment.Currency),
			zap.String("reported", tx.Amount.StringFixed(2)+" "+tx.Currency))

		_, err := s.reconciler.Reconcile(ctx, order.ID, domain.VerifiedPayment{
			TxRef:                payment.TxRef,
			GatewayTransactionID: tx.ID,
			Amount:               tx.Amount,
			Currency:             tx.Currency,
			Status:               domain.PaymentStatusFailed,
			FailureReason:        domain.FailureAmountMismatch,
			Raw:                  tx.Raw,
			AttemptOnly:          true,
		})
		if err != nil {
			s.log.Error("failed to reject mismatched payment", zap.String("tx_ref", payment.TxRef), zap.Error(err))
		}
		return nil, newError(KindIntegrity, "amount_mismatch", "payment amount does not match the order", nil)
	}

	verdict := domain.VerifiedPayment{
		TxRef:                payment.TxRef,
		GatewayTransactionID: tx.ID,
		Amount:               tx.Amount,
		Currency:             tx.Currency,
		Status:               status,
		Raw:                  tx.Raw,
	}
	if status == domain.PaymentStatusFailed {
		verdict.FailureReason = domain.FailureDeclined
	}

	out, err := s.reconciler.Reconcile(ctx, order.ID, verdict)
	if err != nil {
		return nil, err
	}
	res := verificationResult(out.Payment, out.Order)
	res.AlreadyProcessed = !out.Applied
	return res, nil
}

// applyLate looks for money captured on an attempt that was closed locally
// (expired or never opened) and flags it for refund.
func (s *PaymentService) applyLate(ctx context.Context, payment *domain.Payment, order *domain.Order, tx *gateway.Transaction) (*domain.VerificationResult, error) {
	res := verificationResult(payment, order)
	res.AlreadyProcessed = true
	if tx.PaymentStatus() != domain.PaymentStatusSuccessful || (tx.TxRef != "" && tx.TxRef != payment.TxRef) {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	out, err := s.reconciler.SettleLate(ctx, order.ID, domain.VerifiedPayment{
		TxRef:                payment.TxRef,
		GatewayTransactionID: tx.ID,
		Amount:               tx.Amount,
		Currency:             tx.Currency,
		Status:               domain.PaymentStatusSuccessful,
		Raw:                  tx.Raw,
	})
	if err != nil {
		return nil, err
	}
	res = verificationResult(out.Payment, out.Order)
	res.AlreadyProcessed = !out.Applied
	return res, nil
}

func (s *PaymentService) matches(payment *domain.Payment, order *domain.Order, tx *gateway.Transaction) bool {
	if tx.TxRef != "" && tx.TxRef != payment.TxRef {
		return false
	}
	return tx.Amount.Equal(payment.Amount) &&
		tx.Amount.Equal(order.TotalAmount) &&
		strings.EqualFold(tx.Currency, payment.Currency)
}

// HandleWebhook treats the notification as a hint only and re-verifies with the gateway.
func (s *PaymentService) HandleWebhook(ctx context.Context, txRef string) (*domain.VerificationResult, error) {
	return s.Verify(ctx, domain.VerifyPaymentRequest{TxRef: txRef})
}

// SweepStalePayments settles attempts left PENDING longer than the payment TTL.
// Attempts the gateway still reports as pending, or does not know, are expired.
func (s *PaymentService) SweepStalePayments(ctx context.Context, now time.Time) (int, error) {
	payments, err := s.store.ListStalePendingPayments(ctx, now.Add(-s.ttl), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale payments: %w", err)
	}

	settled := 0
	for _, p := range payments {
		tx, err := s.gateway.Verify(ctx, p.TxRef)
		switch {
		case errors.Is(err, gateway.ErrUnavailable):
			return settled, fmt.Errorf("payment sweep stopped: %w", err)
		case errors.Is(err, gateway.ErrTransactionNotFound) ||
			(err == nil && tx.PaymentStatus() == domain.PaymentStatusPending):
			out, err := s.reconciler.Expire(ctx, p)
			if err != nil {
				s.log.Error("expire payment", zap.String("tx_ref", p.TxRef), zap.Error(err))
				continue
			}
			if out.Applied {
				settled++
			}
		case err != nil:
			s.log.Error("verify stale payment", zap.String("tx_ref", p.TxRef), zap.Error(err))
		default:
			order, err := s.store.GetOrder(ctx, p.OrderID)
			if err != nil {
				s.log.Error("load order for stale payment", zap.String("tx_ref", p.TxRef), zap.Error(err))
				continue
			}
			res, err := s.apply(ctx, p, order, tx)
			if err != nil {
				s.log.Warn("settle stale payment", zap.String("tx_ref", p.TxRef), zap.Error(err))
				continue
			}
			if !res.AlreadyProcessed {
				settled++
			}
		}
	}
	return settled, nil
}

func paymentInit(p *domain.Payment) *domain.PaymentInit {
	return &domain.PaymentInit{
		PaymentID:   p.ID,
		OrderID:     p.OrderID,
		TxRef:       p.TxRef,
		PaymentLink: p.PaymentLink,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Status:      p.Status,
	}
}

func verificationResult(p *domain.Payment, o *domain.Order) *domain.VerificationResult {
	return &domain.VerificationResult{
		OrderID:        o.ID,
		TxRef:          p.TxRef,
		PaymentStatus:  p.Status,
		OrderStatus:    o.Status,
		OrderPayment:   o.PaymentStatus,
		Amount:         p.Amount,
		Currency:       p.Currency,
		FailureReason:  p.FailureReason,
		RefundRequired: p.RefundDue(),
	}
}
