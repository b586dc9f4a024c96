package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/marketplace/domain"
)

// CartCache holds priced cart views. Entries are short-lived because they
// carry live catalog prices.
//
// Every Delete bumps a per-user version. A view is only stored when the
// version read before loading it is still current, so a load that raced an
// invalidation is dropped.
type CartCache interface {
	Get(ctx context.Context, userID string) (*domain.CartView, error)
	Version(ctx context.Context, userID string) (int64, error)
	Set(ctx context.Context, userID string, version int64, view *domain.CartView) error
	Delete(ctx context.Context, userID string) error
}

var (
	ErrCacheMiss    = errors.New("cache miss")
	ErrStaleVersion = errors.New("cart changed since the view was loaded")
)
