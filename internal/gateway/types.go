package gateway

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable covers network errors, timeouts, 5xx answers and an open breaker.
	// Callers may retry.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected is a 4xx answer to a well-formed call; retrying will not help.
	ErrRejected            = errors.New("payment gateway rejected the request")
	ErrTransactionNotFound = errors.New("transaction not found at payment gateway")
)

type ChargeRequest struct {
	TxRef          string
	Amount         decimal.Decimal
	Currency       string
	RedirectURL    string
	PaymentOptions string
	Customer       domain.Customer
	Meta           map[string]string
	Title          string
	Description    string
}

type Charge struct {
	TxRef string
	Link  string
}

type Transaction struct {
	ID                string
	TxRef             string
	FlwRef            string
	Amount            decimal.Decimal
	Currency          string
	Status            string
	ProcessorResponse string
	Raw               json.RawMessage
}

// PaymentStatus maps the gateway vocabulary onto attempt states. Anything that
// is neither a success nor a definite failure is still pending.
func (t *Transaction) PaymentStatus() domain.PaymentStatus {
	return MapStatus(t.Status)
}

func MapStatus(status string) domain.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "successful", "success", "completed":
		return domain.PaymentStatusSuccessful
	case "failed", "cancelled", "canceled", "error", "declined":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

// wire types

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type chargePayload struct {
	TxRef          string            `json:"tx_ref"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	RedirectURL    string            `json:"redirect_url"`
	PaymentOptions string            `json:"payment_options,omitempty"`
	Customer       customerPayload   `json:"customer"`
	Meta           map[string]string `json:"meta,omitempty"`
	Customizations customizations    `json:"customizations"`
}

type customerPayload struct {
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phonenumber,omitempty"`
}

type customizations struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type hostedLink struct {
	Link string `json:"link"`
}

type transactionData struct {
	ID                json.Number     `json:"id"`
	TxRef             string          `json:"tx_ref"`
	FlwRef            string          `json:"flw_ref"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	ProcessorResponse string          `json:"processor_response"`
}
