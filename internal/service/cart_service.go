package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/fjod/go_cart/marketplace/internal/cache"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type CartService struct {
	repo    repository.Queries
	cache   cache.CartCache
	sfg     singleflight.Group // Prevents cache stampede
	pricing PricingPolicy
	log     *zap.Logger
}

func NewCartService(repo repository.Queries, cache cache.CartCache, pricing PricingPolicy, log *zap.Logger) *CartService {
	return &CartService{
		repo:    repo,
		cache:   cache,
		pricing: pricing,
		log:     log,
	}
}

func (s *CartService) GetCart(ctx context.Context, userID string) (*domain.CartView, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("user_required", "user id is required")
	}

	// Use singleflight to prevent multiple concurrent cache misses for same key
	v, err, _ := s.sfg.Do(userID, func() (interface{}, error) {
		view, err := s.cache.Get(ctx, userID)
		if err == nil {
			return view, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Warn("cart cache get failed", zap.String("user_id", userID), zap.Error(err))
		}

		// read before loading so an invalidation during the load wins
		version, verErr := s.cache.Version(ctx, userID)

		view, err = s.loadView(ctx, userID)
		if err != nil {
			return nil, err
		}
		if verErr != nil {
			s.log.Warn("cart cache version failed", zap.String("user_id", userID), zap.Error(verErr))
			return view, nil
		}

		go func() {
			setCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err := s.cache.Set(setCtx, userID, version, view)
			switch {
			case errors.Is(err, cache.ErrStaleVersion):
				s.log.Debug("cart changed during load, view not cached", zap.String("user_id", userID))
			case err != nil:
				s.log.Warn("cart cache set failed", zap.String("user_id", userID), zap.Error(err))
			}
		}()

		return view, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*domain.CartView), nil
}

// loadView reads the cart straight from the store. Mutations answer with it so
// a cache fill racing the invalidation is never returned to the writer.
func (s *CartService) loadView(ctx context.Context, userID string) (*domain.CartView, error) {
	entries, err := s.repo.ListCartEntries(ctx, userID)
	if err != nil {
		return nil, internalError("failed to load cart", err)
	}
	return s.buildView(userID, entries), nil
}

// buildView prices every line against the live catalog. Lines whose product or
// variant is gone are listed separately and left out of the summary.
func (s *CartService) buildView(userID string, entries []domain.CartEntry) *domain.CartView {
	view := &domain.CartView{
		UserID:      userID,
		Items:       make([]domain.CartLine, 0, len(entries)),
		Unavailable: make([]domain.UnavailableLine, 0),
	}

	subtotal := decimal.Zero
	totalItems := 0
	for _, e := range entries {
		if reason := unavailableReason(e); reason != "" {
			view.Unavailable = append(view.Unavailable, domain.UnavailableLine{
				ItemID:    e.Item.ID,
				ProductID: e.Item.ProductID,
				VariantID: e.Item.VariantID,
				Quantity:  e.Item.Quantity,
				Reason:    reason,
			})
			continue
		}

		unit := domain.EffectivePrice(e.Product, e.Variant)
		lineTotal := unit.Mul(decimal.NewFromInt(int64(e.Item.Quantity)))
		stock := domain.AvailableStock(e.Product, e.Variant)

		line := domain.CartLine{
			ItemID:         e.Item.ID,
			ProductID:      e.Item.ProductID,
			VariantID:      e.Item.VariantID,
			ProductName:    e.Product.Name,
			Quantity:       e.Item.Quantity,
			UnitPrice:      unit,
			LineTotal:      lineTotal,
			AvailableStock: stock,
			InStock:        stock >= e.Item.Quantity,
		}
		if e.Variant != nil {
			line.VariantName = e.Variant.Name
		}
		view.Items = append(view.Items, line)

		subtotal = subtotal.Add(lineTotal)
		totalItems += e.Item.Quantity
	}

	view.Summary = s.pricing.Quote(subtotal, totalItems)
	return view
}

func unavailableReason(e domain.CartEntry) string {
	if e.Product == nil {
		return domain.UnavailableProductRemoved
	}
	if e.Item.VariantID != nil && (e.Variant == nil || e.Variant.ProductID != e.Product.ID) {
		return domain.UnavailableVariantRemoved
	}
	return ""
}

func (s *CartService) AddItem(ctx context.Context, userID string, req domain.AddCartItemRequest) (*domain.CartView, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("user_required", "user id is required")
	}
	if err := req.Validate(); err != nil {
		return nil, fieldError(err)
	}

	if _, err := s.repo.GetProduct(ctx, req.ProductID); err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, newError(KindNotFound, "product_not_found", "product not found", err)
		}
		return nil, internalError("failed to load product", err)
	}
	if req.VariantID != nil {
		variant, err := s.repo.GetVariant(ctx, *req.VariantID)
		if errors.Is(err, repository.ErrVariantNotFound) || (err == nil && variant.ProductID != req.ProductID) {
			return nil, newError(KindNotFound, "variant_not_found", "variant not found for this product", err)
		}
		if err != nil {
			return nil, internalError("failed to load variant", err)
		}
	}

	item := &domain.CartItem{
		UserID:    userID,
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
	}
	if err := s.repo.AddCartItem(ctx, item); err != nil {
		s.log.Error("add cart item failed", zap.String("user_id", userID), zap.Error(err))
		return nil, internalError("failed to add item", err)
	}

	s.invalidateCache(userID)
	return s.loadView(ctx, userID)
}

// UpdateQuantity sets the quantity of one line; zero removes it.
func (s *CartService) UpdateQuantity(ctx context.Context, userID string, itemID int64, quantity int) (*domain.CartView, error) {
	if quantity == 0 {
		return s.RemoveItem(ctx, userID, itemID)
	}
	if quantity < 0 || quantity > domain.MaxItemQuantity {
		return nil, validationError("invalid_quantity", "quantity must be between 1 and 99")
	}

	if err := s.repo.UpdateCartItemQuantity(ctx, userID, itemID, quantity); err != nil {
		if errors.Is(err, repository.ErrCartItemNotFound) {
			return nil, newError(KindNotFound, "cart_item_not_found", "cart item not found", err)
		}
		s.log.Error("update cart item failed", zap.String("user_id", userID), zap.Int64("item_id", itemID), zap.Error(err))
		return nil, internalError("failed to update item", err)
	}

	s.invalidateCache(userID)
	return s.loadView(ctx, userID)
}

func (s *CartService) RemoveItem(ctx context.Context, userID string, itemID int64) (*domain.CartView, error) {
	if err := s.repo.DeleteCartItem(ctx, userID, itemID); err != nil {
		if errors.Is(err, repository.ErrCartItemNotFound) {
			return nil, newError(KindNotFound, "cart_item_not_found", "cart item not found", err)
		}
		s.log.Error("remove cart item failed", zap.String("user_id", userID), zap.Int64("item_id", itemID), zap.Error(err))
		return nil, internalError("failed to remove item", err)
	}

	s.invalidateCache(userID)
	return s.loadView(ctx, userID)
}

func (s *CartService) Clear(ctx context.Context, userID string) error {
	if err := s.repo.ClearCart(ctx, userID); err != nil {
		s.log.Error("clear cart failed", zap.String("user_id", userID), zap.Error(err))
		return internalError("failed to clear cart", err)
	}

	s.invalidateCache(userID)
	return nil
}

func (s *CartService) invalidateCache(userID string) {
	invalidateCart(s.cache, s.log, userID)
}

func invalidateCart(c cache.CartCache, log *zap.Logger, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Delete(ctx, userID); err != nil {
		log.Warn("cart cache invalidate failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func fieldError(err error) *Error {
	var fe *domain.FieldError
	if errors.As(err, &fe) {
		return newError(KindValidation, "invalid_"+fieldCode(fe.Field), fe.Error(), err)
	}
	return newError(KindValidation, "invalid_request", err.Error(), err)
}

// fieldCode turns "items[0].quantity" into "quantity".
func fieldCode(field string) string {
	if i := strings.LastIndex(field, "."); i >= 0 {
		field = field[i+1:]
	}
	return field
}
