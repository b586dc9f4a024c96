package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/google/uuid"
)

const paymentColumns = `id, order_id, tx_ref, amount, currency, status, payment_link, gateway_transaction_id,
	failure_reason, gateway_response, idempotency_key, created_at, updated_at, verified_at`

func (q *queries) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	query := `INSERT INTO payments (id, order_id, tx_ref, amount, currency, status, idempotency_key, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	          RETURNING created_at, updated_at`

	err := q.db.QueryRowContext(ctx, query,
		payment.ID,
		payment.OrderID,
		payment.TxRef,
		payment.Amount,
		payment.Currency,
		payment.Status,
		nullString(payment.IdempotencyKey),
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "uq_payments_idempotency" {
				return ErrDuplicateIdempotencyKey
			}
			return ErrDuplicateTxRef
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (q *queries) GetPaymentByTxRef(ctx context.Context, txRef string) (*domain.Payment, error) {
	return q.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE tx_ref = $1`, txRef)
}

// GetPaymentByTxRefForUpdate locks the attempt row until the surrounding
// transaction ends; concurrent verifications of one tx_ref queue up here.
func (q *queries) GetPaymentByTxRefForUpdate(ctx context.Context, txRef string) (*domain.Payment, error) {
	return q.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE tx_ref = $1 FOR UPDATE`, txRef)
}

func (q *queries) GetPaymentByIdempotencyKey(ctx context.Context, orderID uuid.UUID, key string) (*domain.Payment, error) {
	p, err := q.getPayment(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 AND idempotency_key = $2`, orderID, key)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, ErrIdempotencyKeyNotFound
	}
	return p, err
}

func (q *queries) getPayment(ctx context.Context, query string, args ...any) (*domain.Payment, error) {
	p, err := scanPayment(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}

func (q *queries) SetPaymentLink(ctx context.Context, id uuid.UUID, link string) error {
	query := `UPDATE payments SET payment_link = $2, updated_at = NOW() WHERE id = $1`
	res, err := q.db.ExecContext(ctx, query, id, link)
	if err != nil {
		return fmt.Errorf("update payment link: %w", err)
	}
	return expectOneRow(res, ErrPaymentNotFound)
}

// CompletePayment moves a PENDING attempt to its terminal state. It reports
// false when the attempt was no longer pending, so a verdict is applied at most once.
func (q *queries) CompletePayment(ctx context.Context, id uuid.UUID, update domain.PaymentUpdate) (bool, error) {
	query := `UPDATE payments
	          SET status = $2, gateway_transaction_id = $3, failure_reason = $4, gateway_response = $5,
	              verified_at = $6, updated_at = NOW()
	          WHERE id = $1 AND status = 'PENDING'`

	var raw any
	if len(update.GatewayResponse) > 0 {
		raw = []byte(update.GatewayResponse)
	}

	res, err := q.db.ExecContext(ctx, query,
		id,
		update.Status,
		update.GatewayTransactionID,
		update.FailureReason,
		raw,
		update.VerifiedAt,
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return false, ErrDuplicateSuccess
		}
		return false, fmt.Errorf("complete payment: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkLateSuccess records a gateway success on an attempt that was already
// closed locally as expired or never opened. The attempt stays FAILED; only
// the first late success is recorded.
func (q *queries) MarkLateSuccess(ctx context.Context, id uuid.UUID, update domain.PaymentUpdate) (bool, error) {
	query := `UPDATE payments
	          SET failure_reason = $2, gateway_transaction_id = $3, gateway_response = $4,
	              verified_at = $5, updated_at = NOW()
	          WHERE id = $1 AND status = 'FAILED' AND failure_reason IN ('expired', 'initialize_failed')`

	var raw any
	if len(update.GatewayResponse) > 0 {
		raw = []byte(update.GatewayResponse)
	}

	res, err := q.db.ExecContext(ctx, query,
		id,
		update.FailureReason,
		update.GatewayTransactionID,
		raw,
		update.VerifiedAt,
	)
	if err != nil {
		return false, fmt.Errorf("mark late success: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (q *queries) HasSuccessfulPayment(ctx context.Context, orderID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1 AND status = 'SUCCESSFUL')`
	var exists bool
	if err := q.db.QueryRowContext(ctx, query, orderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("query successful payment: %w", err)
	}
	return exists, nil
}

// HasPendingPayment reports whether an attempt for the order is still in flight.
func (q *queries) HasPendingPayment(ctx context.Context, orderID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1 AND status = 'PENDING')`
	var exists bool
	if err := q.db.QueryRowContext(ctx, query, orderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("query pending payment: %w", err)
	}
	return exists, nil
}

func (q *queries) ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
	          WHERE status = 'PENDING' AND created_at < $1
	          ORDER BY created_at
	          LIMIT $2`

	rows, err := q.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return payments, nil
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var p domain.Payment
	var raw []byte
	var idempotencyKey sql.NullString
	var verifiedAt sql.NullTime
	if err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.TxRef,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.PaymentLink,
		&p.GatewayTransactionID,
		&p.FailureReason,
		&raw,
		&idempotencyKey,
		&p.CreatedAt,
		&p.UpdatedAt,
		&verifiedAt,
	); err != nil {
		return nil, err
	}
	p.GatewayResponse = raw
	p.IdempotencyKey = idempotencyKey.String
	if verifiedAt.Valid {
		p.VerifiedAt = &verifiedAt.Time
	}
	return &p, nil
}
