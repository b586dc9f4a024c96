package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/marketplace/domain"
)

func (q *queries) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	query := `SELECT id, name, price, stock FROM products WHERE id = $1 AND deleted_at IS NULL`

	var p domain.Product
	err := q.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (q *queries) GetVariant(ctx context.Context, id int64) (*domain.ProductVariant, error) {
	query := `SELECT id, product_id, name, sku, price, stock FROM product_variants WHERE id = $1 AND deleted_at IS NULL`

	var v domain.ProductVariant
	err := q.db.QueryRowContext(ctx, query, id).Scan(&v.ID, &v.ProductID, &v.Name, &v.SKU, &v.Price, &v.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVariantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query variant: %w", err)
	}
	return &v, nil
}

// DecrementStock lowers stock by qty, clamping at zero. The returned shortfall
// is how many units were sold beyond what was on hand.
func (q *queries) DecrementStock(ctx context.Context, productID int64, variantID *int64, qty int) (int, error) {
	table, id := "products", productID
	if variantID != nil {
		table, id = "product_variants", *variantID
	}

	query := fmt.Sprintf(`WITH old AS (SELECT id, stock FROM %[1]s WHERE id = $1 FOR UPDATE)
	          UPDATE %[1]s t SET stock = GREATEST(old.stock - $2, 0), updated_at = NOW()
	          FROM old WHERE t.id = old.id
	          RETURNING old.stock`, table)

	var before int
	err := q.db.QueryRowContext(ctx, query, id, qty).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		if variantID != nil {
			return 0, ErrVariantNotFound
		}
		return 0, ErrProductNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("decrement stock: %w", err)
	}

	if before < qty {
		return qty - before, nil
	}
	return 0, nil
}

func (q *queries) GetAddress(ctx context.Context, id int64) (*domain.Address, error) {
	query := `SELECT id, user_id, full_name, phone, line1, line2, city, country, postal_code
	          FROM addresses WHERE id = $1`

	var a domain.Address
	err := q.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.UserID, &a.FullName, &a.Phone, &a.Line1, &a.Line2, &a.City, &a.Country, &a.PostalCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query address: %w", err)
	}
	return &a, nil
}
