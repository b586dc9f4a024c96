package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const orderColumns = `id, order_number, user_id, address_id, shipping_address, payment_method, currency,
	subtotal, tax, shipping_cost, discount, total_amount, status, payment_status, idempotency_key,
	created_at, updated_at`

// CreateOrder inserts the order and all of its items. Callers run it inside
// InTx so an order is never visible without its items.
func (q *queries) CreateOrder(ctx context.Context, order *domain.Order) error {
	addressJSON, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}

	query := `INSERT INTO orders (` + orderColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
	          RETURNING created_at, updated_at`

	insertErr := q.db.QueryRowContext(ctx, query,
		order.ID,
		order.OrderNumber,
		order.UserID,
		order.AddressID,
		addressJSON,
		order.PaymentMethod,
		order.Currency,
		order.Subtotal,
		order.Tax,
		order.ShippingCost,
		order.Discount,
		order.TotalAmount,
		order.Status,
		order.PaymentStatus,
		nullString(order.IdempotencyKey),
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if insertErr != nil {
		if constraint, ok := uniqueViolation(insertErr); ok {
			if constraint == "uq_orders_idempotency" {
				return ErrDuplicateIdempotencyKey
			}
			return ErrDuplicateOrderNumber
		}
		return fmt.Errorf("insert order: %w", insertErr)
	}

	itemQuery := `INSERT INTO order_items (order_id, position, product_id, variant_id, product_name, variant_name,
	                                       quantity, unit_price, total_price)
	              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	              RETURNING id`
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		if err := q.db.QueryRowContext(ctx, itemQuery,
			order.ID,
			item.Position,
			item.ProductID,
			nullableID(item.VariantID),
			item.ProductName,
			item.VariantName,
			item.Quantity,
			item.UnitPrice,
			item.TotalPrice,
		).Scan(&item.ID); err != nil {
			return fmt.Errorf("insert order item %d: %w", item.Position, err)
		}
	}
	return nil
}

func (q *queries) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return q.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (q *queries) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return q.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error) {
	order, err := q.getOrder(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, ErrIdempotencyKeyNotFound
	}
	return order, err
}

func (q *queries) getOrder(ctx context.Context, query string, args ...any) (*domain.Order, error) {
	order, err := scanOrder(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	items, err := q.loadItems(ctx, []uuid.UUID{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = append(order.Items, items[order.ID]...)
	return order, nil
}

func (q *queries) ListOrdersByUser(ctx context.Context, userID string) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := q.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query orders by user id: %w", err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	items, err := q.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, order := range orders {
		order.Items = append(order.Items, items[order.ID]...)
	}
	return orders, nil
}

func (q *queries) loadItems(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]domain.OrderItem, error) {
	ids := make([]string, len(orderIDs))
	for i, id := range orderIDs {
		ids[i] = id.String()
	}

	query := `SELECT id, order_id, position, product_id, variant_id, product_name, variant_name,
	                 quantity, unit_price, total_price
	          FROM order_items WHERE order_id = ANY($1::uuid[]) ORDER BY order_id, position`

	rows, err := q.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var item domain.OrderItem
		var variantID sql.NullInt64
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.Position,
			&item.ProductID,
			&variantID,
			&item.ProductName,
			&item.VariantName,
			&item.Quantity,
			&item.UnitPrice,
			&item.TotalPrice,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if variantID.Valid {
			v := variantID.Int64
			item.VariantID = &v
		}
		out[item.OrderID] = append(out[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// SetOrderState overwrites status and payment status. Transition rules are
// enforced by the callers, which hold the row lock.
func (q *queries) SetOrderState(ctx context.Context, id uuid.UUID, status domain.OrderStatus, paymentStatus domain.OrderPaymentStatus) error {
	query := `UPDATE orders SET status = $2, payment_status = $3, updated_at = NOW() WHERE id = $1`
	res, err := q.db.ExecContext(ctx, query, id, status, paymentStatus)
	if err != nil {
		return fmt.Errorf("update order state: %w", err)
	}
	return expectOneRow(res, ErrOrderNotFound)
}

// ListStaleFailedOrders returns unpaid orders whose last attempt failed before
// the given time and that have no attempt still in flight.
func (q *queries) ListStaleFailedOrders(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	query := `SELECT o.id FROM orders o
	          WHERE o.status = 'PENDING' AND o.payment_status = 'FAILED' AND o.updated_at < $1
	            AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.order_id = o.id AND p.status = 'PENDING')
	          ORDER BY o.updated_at
	          LIMIT $2`

	rows, err := q.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale failed orders: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var addressJSON []byte
	var idempotencyKey sql.NullString
	if err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.UserID,
		&order.AddressID,
		&addressJSON,
		&order.PaymentMethod,
		&order.Currency,
		&order.Subtotal,
		&order.Tax,
		&order.ShippingCost,
		&order.Discount,
		&order.TotalAmount,
		&order.Status,
		&order.PaymentStatus,
		&idempotencyKey,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(addressJSON, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	order.IdempotencyKey = idempotencyKey.String
	order.Items = []domain.OrderItem{}
	return &order, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
