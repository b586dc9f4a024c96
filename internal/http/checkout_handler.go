package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/fjod/go_cart/marketplace/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

type CheckoutHandler struct {
	orders   OrderService
	payments PaymentService
	timeout  time.Duration
	log      *zap.Logger
}

func NewCheckoutHandler(orders OrderService, payments PaymentService, timeout time.Duration, log *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		orders:   orders,
		payments: payments,
		timeout:  timeout,
		log:      log,
	}
}

type CreateOrderRequestDTO struct {
	AddressID      int64                     `json:"address_id"`
	PaymentMethod  domain.PaymentMethod      `json:"payment_method"`
	Items          []domain.OrderItemRequest `json:"items"`
	IdempotencyKey string                    `json:"idempotency_key,omitempty"`
}

type InitializePaymentRequestDTO struct {
	Customer       domain.Customer `json:"customer"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type VerifyPaymentRequestDTO struct {
	TxRef string `json:"tx_ref"`
}

// POST /api/checkout/create
func (h *CheckoutHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, h.log, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	var req CreateOrderRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	order, err := h.orders.CreateOrder(ctx, domain.CreateOrderRequest{
		UserID:         userID,
		AddressID:      req.AddressID,
		PaymentMethod:  domain.PaymentMethod(strings.ToUpper(string(req.PaymentMethod))),
		Items:          req.Items,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	h.log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.String("request_id", getRequestID(r.Context())))
	respondJSON(w, h.log, http.StatusCreated, "order created", order)
}

// POST /api/checkout/{orderId}/payment/initialize
// POST /api/orders/{orderId}/pay
func (h *CheckoutHandler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, h.log, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orderID, ok := orderIDParam(w, r, h.log)
	if !ok {
		return
	}

	var req InitializePaymentRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	pay, err := h.payments.Initialize(ctx, domain.InitializePaymentRequest{
		UserID:         userID,
		OrderID:        orderID,
		Customer:       req.Customer,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, h.log, http.StatusCreated, "payment initialized", pay)
}

// POST /api/checkout/{orderId}/payment/verify
func (h *CheckoutHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, h.log, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orderID, ok := orderIDParam(w, r, h.log)
	if !ok {
		return
	}

	var req VerifyPaymentRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	res, err := h.payments.Verify(ctx, domain.VerifyPaymentRequest{
		TxRef:   strings.TrimSpace(req.TxRef),
		OrderID: orderID,
		UserID:  userID,
	})
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondVerification(w, h.log, res)
}

// respondVerification answers 200 once the attempt succeeded, 202 while the
// gateway is still processing, 409 when captured money is due for refund and
// 402 for a declined attempt.
func respondVerification(w http.ResponseWriter, log *zap.Logger, res *domain.VerificationResult) {
	switch {
	case res.PaymentStatus == domain.PaymentStatusSuccessful:
		msg := "payment verified"
		if res.AlreadyProcessed {
			msg = "payment already verified"
		}
		respondJSON(w, log, http.StatusOK, msg, res)
	case res.PaymentStatus == domain.PaymentStatusPending:
		respondJSON(w, log, http.StatusAccepted, "payment is still being processed", res)
	case res.RefundRequired:
		writeJSON(w, log, statusFor(service.KindConflict), Response{
			Success: false,
			Message: "payment was received but this order cannot accept it, the amount will be refunded",
			Code:    "refund_pending",
			Data:    res,
		})
	default:
		writeJSON(w, log, statusFor(service.KindDeclined), Response{
			Success: false,
			Message: "payment was not successful, start a new payment attempt",
			Code:    "payment_declined",
			Data:    res,
		})
	}
}

func orderIDParam(w http.ResponseWriter, r *http.Request, log *zap.Logger) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderId"))
	if err != nil {
		respondError(w, log, http.StatusBadRequest, "invalid_order_id", "orderId must be a valid id")
		return uuid.Nil, false
	}
	return orderID, true
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(r *http.Request, fromBody string) string {
	if key := strings.TrimSpace(r.Header.Get(idempotencyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(fromBody)
}
