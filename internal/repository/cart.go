package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/shopspring/decimal"
)

func (q *queries) ListCartEntries(ctx context.Context, userID string) ([]domain.CartEntry, error) {
	// LEFT JOINs keep cart lines whose product or variant disappeared so the
	// caller can report them instead of silently dropping them.
	query := `SELECT c.id, c.user_id, c.product_id, c.variant_id, c.quantity, c.added_at,
	                 p.id, p.name, p.price, p.stock,
	                 v.id, v.product_id, v.name, v.sku, v.price, v.stock
	          FROM cart_items c
	          LEFT JOIN products p ON p.id = c.product_id AND p.deleted_at IS NULL
	          LEFT JOIN product_variants v ON v.id = c.variant_id AND v.deleted_at IS NULL
	          WHERE c.user_id = $1
	          ORDER BY c.added_at, c.id`

	rows, err := q.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.CartEntry, 0)
	for rows.Next() {
		var (
			e          domain.CartEntry
			variantID  sql.NullInt64
			pID        sql.NullInt64
			pName      sql.NullString
			pPrice     decimal.NullDecimal
			pStock     sql.NullInt64
			vID        sql.NullInt64
			vProductID sql.NullInt64
			vName      sql.NullString
			vSKU       sql.NullString
			vPrice     decimal.NullDecimal
			vStock     sql.NullInt64
		)
		if err := rows.Scan(
			&e.Item.ID, &e.Item.UserID, &e.Item.ProductID, &variantID, &e.Item.Quantity, &e.Item.AddedAt,
			&pID, &pName, &pPrice, &pStock,
			&vID, &vProductID, &vName, &vSKU, &vPrice, &vStock,
		); err != nil {
			return nil, fmt.Errorf("scan cart row: %w", err)
		}

		if variantID.Valid {
			id := variantID.Int64
			e.Item.VariantID = &id
		}
		if pID.Valid {
			e.Product = &domain.Product{ID: pID.Int64, Name: pName.String, Price: pPrice.Decimal, Stock: int(pStock.Int64)}
		}
		if vID.Valid {
			e.Variant = &domain.ProductVariant{
				ID:        vID.Int64,
				ProductID: vProductID.Int64,
				Name:      vName.String,
				SKU:       vSKU.String,
				Price:     vPrice,
				Stock:     int(vStock.Int64),
			}
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return entries, nil
}

// AddCartItem inserts a line or adds to the quantity of an existing one.
func (q *queries) AddCartItem(ctx context.Context, item *domain.CartItem) error {
	query := `INSERT INTO cart_items (user_id, product_id, variant_id, quantity, added_at)
	          VALUES ($1, $2, $3, $4, NOW())
	          ON CONFLICT (user_id, product_id, (COALESCE(variant_id, 0)))
	          DO UPDATE SET quantity = LEAST(cart_items.quantity + EXCLUDED.quantity, $5)
	          RETURNING id, quantity, added_at`

	var addedAt time.Time
	err := q.db.QueryRowContext(ctx, query,
		item.UserID, item.ProductID, nullableID(item.VariantID), item.Quantity, domain.MaxItemQuantity,
	).Scan(&item.ID, &item.Quantity, &addedAt)
	if err != nil {
		return fmt.Errorf("upsert cart item: %w", err)
	}
	item.AddedAt = addedAt
	return nil
}

func (q *queries) UpdateCartItemQuantity(ctx context.Context, userID string, itemID int64, qty int) error {
	query := `UPDATE cart_items SET quantity = $3 WHERE id = $1 AND user_id = $2`
	res, err := q.db.ExecContext(ctx, query, itemID, userID, qty)
	if err != nil {
		return fmt.Errorf("update cart item: %w", err)
	}
	return expectOneRow(res, ErrCartItemNotFound)
}

func (q *queries) DeleteCartItem(ctx context.Context, userID string, itemID int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1 AND user_id = $2`, itemID, userID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	return expectOneRow(res, ErrCartItemNotFound)
}

func (q *queries) ClearCart(ctx context.Context, userID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// RemoveCartProducts drops the cart lines that match purchased order items.
func (q *queries) RemoveCartProducts(ctx context.Context, userID string, items []domain.OrderItem) error {
	query := `DELETE FROM cart_items
	          WHERE user_id = $1 AND product_id = $2 AND COALESCE(variant_id, 0) = COALESCE($3::BIGINT, 0)`
	for _, item := range items {
		if _, err := q.db.ExecContext(ctx, query, userID, item.ProductID, nullableID(item.VariantID)); err != nil {
			return fmt.Errorf("remove purchased cart item: %w", err)
		}
	}
	return nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
