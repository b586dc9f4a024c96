package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/fjod/go_cart/marketplace/internal/service"
	"go.uber.org/zap"
)

const (
	webhookHashHeader = "verif-hash"
	maxWebhookBody    = 1 << 20
)

// PaymentsHandler serves the endpoints the gateway itself calls.
type PaymentsHandler struct {
	payments  PaymentService
	verifier  WebhookVerifier
	resultURL string
	timeout   time.Duration
	log       *zap.Logger
}

func NewPaymentsHandler(payments PaymentService, verifier WebhookVerifier, resultURL string, timeout time.Duration, log *zap.Logger) *PaymentsHandler {
	return &PaymentsHandler{
		payments:  payments,
		verifier:  verifier,
		resultURL: resultURL,
		timeout:   timeout,
		log:       log,
	}
}

type webhookBody struct {
	Event string `json:"event"`
	Data  struct {
		TxRef string `json:"tx_ref"`
	} `json:"data"`
}

// POST /api/payments/webhook
//
// The body only names the attempt; the outcome is always fetched from the
// gateway before anything changes.
func (h *PaymentsHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if !h.verifier.VerifyWebhookHash(r.Header.Get(webhookHashHeader)) {
		h.log.Warn("webhook with invalid signature", zap.Bool("suspicious", true), zap.String("remote", r.RemoteAddr))
		respondError(w, h.log, http.StatusUnauthorized, "invalid_signature", "invalid webhook signature")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var body webhookBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&body); err != nil {
		respondError(w, h.log, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	txRef := strings.TrimSpace(body.Data.TxRef)
	if txRef == "" {
		respondError(w, h.log, http.StatusBadRequest, "invalid_tx_ref", "data.tx_ref is required")
		return
	}

	res, err := h.payments.HandleWebhook(ctx, txRef)
	if err != nil {
		switch service.KindOf(err) {
		case service.KindIntegrity, service.KindNotFound:
			// redelivery would not change the answer
			h.log.Warn("webhook ignored", zap.String("tx_ref", txRef), zap.String("event", body.Event), zap.Error(err))
			respondJSON(w, h.log, http.StatusOK, "event ignored", nil)
		default:
			handleServiceError(w, r, h.log, err)
		}
		return
	}

	h.log.Info("webhook processed",
		zap.String("tx_ref", txRef),
		zap.String("event", body.Event),
		zap.String("payment_status", string(res.PaymentStatus)),
		zap.Bool("already_processed", res.AlreadyProcessed))
	respondJSON(w, h.log, http.StatusOK, "event processed", res)
}

// GET /api/payments/callback
//
// The customer lands here after the hosted checkout. Query parameters are
// informational only; the attempt is verified with the gateway and the
// customer is sent on to the storefront result page.
func (h *PaymentsHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	txRef := strings.TrimSpace(r.URL.Query().Get("tx_ref"))
	if txRef == "" {
		h.redirect(w, r, "error", "", "")
		return
	}

	res, err := h.payments.Verify(ctx, domain.VerifyPaymentRequest{TxRef: txRef})
	if err != nil {
		status := "error"
		var se *service.Error
		if errors.As(err, &se) && se.Kind == service.KindUnavailable {
			status = "pending"
		}
		h.log.Warn("callback verification failed", zap.String("tx_ref", txRef), zap.Error(err))
		h.redirect(w, r, status, "", txRef)
		return
	}

	h.redirect(w, r, callbackStatus(res), res.OrderID.String(), txRef)
}

func callbackStatus(res *domain.VerificationResult) string {
	switch {
	case res.PaymentStatus == domain.PaymentStatusSuccessful:
		return "successful"
	case res.PaymentStatus == domain.PaymentStatusPending:
		return "pending"
	case res.RefundRequired:
		return "refund_pending"
	default:
		return "failed"
	}
}

func (h *PaymentsHandler) redirect(w http.ResponseWriter, r *http.Request, status, orderID, txRef string) {
	target, err := url.Parse(h.resultURL)
	if err != nil {
		h.log.Error("invalid frontend result url", zap.String("url", h.resultURL), zap.Error(err))
		respondError(w, h.log, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	q := target.Query()
	q.Set("status", status)
	if orderID != "" {
		q.Set("order_id", orderID)
	}
	if txRef != "" {
		q.Set("tx_ref", txRef)
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}
