package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "CARD"
	PaymentMethodMobileMoney  PaymentMethod = "MOBILE_MONEY"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodMobileMoney, PaymentMethodBankTransfer:
		return true
	}
	return false
}

// GatewayOption is the payment_options value the hosted checkout understands.
func (m PaymentMethod) GatewayOption() string {
	switch m {
	case PaymentMethodMobileMoney:
		return "mobilemoneyrwanda"
	case PaymentMethodBankTransfer:
		return "banktransfer"
	default:
		return "card"
	}
}

// Failure reasons recorded on payment attempts.
const (
	FailureDeclined         = "declined"
	FailureInitialize       = "initialize_failed"
	FailureAmountMismatch   = "amount_mismatch"
	FailureDuplicatePayment = "duplicate_payment"
	FailureOrderCancelled   = "order_cancelled"
	FailureExpired          = "expired"
	// FailureLateSuccess marks an expired or unopened attempt the customer paid anyway.
	FailureLateSuccess = "late_success"
)

type Payment struct {
	ID                   uuid.UUID       `json:"id"`
	OrderID              uuid.UUID       `json:"order_id"`
	TxRef                string          `json:"tx_ref"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Status               PaymentStatus   `json:"status"`
	PaymentLink          string          `json:"payment_link,omitempty"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	GatewayResponse      json.RawMessage `json:"-"`
	IdempotencyKey       string          `json:"-"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	VerifiedAt           *time.Time      `json:"verified_at,omitempty"`
}

// SettlesLate reports whether the gateway may still capture money for a
// failed attempt: it was closed locally without a verdict from the gateway.
func (p *Payment) SettlesLate() bool {
	return p.Status == PaymentStatusFailed &&
		(p.FailureReason == FailureExpired || p.FailureReason == FailureInitialize)
}

// RefundDue reports whether money was captured for an attempt that could not pay its order.
func (p *Payment) RefundDue() bool {
	if p.Status != PaymentStatusFailed {
		return false
	}
	switch p.FailureReason {
	case FailureDuplicatePayment, FailureOrderCancelled, FailureLateSuccess:
		return true
	}
	return false
}

// PaymentUpdate moves a pending attempt into a terminal state.
type PaymentUpdate struct {
	Status               PaymentStatus
	GatewayTransactionID string
	FailureReason        string
	GatewayResponse      json.RawMessage
	VerifiedAt           time.Time
}

// VerifiedPayment is a gateway verdict ready to be applied to local state.
type VerifiedPayment struct {
	TxRef                string
	GatewayTransactionID string
	Amount               decimal.Decimal
	Currency             string
	Status               PaymentStatus
	FailureReason        string
	Raw                  json.RawMessage
	// AttemptOnly marks failures that concern the attempt itself
	// (integrity rejection, initialization error) and leave the order as is.
	AttemptOnly bool
}

type PaymentInit struct {
	PaymentID   uuid.UUID       `json:"payment_id"`
	OrderID     uuid.UUID       `json:"order_id"`
	TxRef       string          `json:"tx_ref"`
	PaymentLink string          `json:"payment_link"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      PaymentStatus   `json:"status"`
}

type VerificationResult struct {
	OrderID          uuid.UUID          `json:"order_id"`
	TxRef            string             `json:"tx_ref"`
	PaymentStatus    PaymentStatus      `json:"payment_status"`
	OrderStatus      OrderStatus        `json:"order_status"`
	OrderPayment     OrderPaymentStatus `json:"order_payment_status"`
	Amount           decimal.Decimal    `json:"amount"`
	Currency         string             `json:"currency"`
	FailureReason    string             `json:"failure_reason,omitempty"`
	RefundRequired   bool               `json:"refund_required,omitempty"`
	AlreadyProcessed bool               `json:"already_processed"`
}
