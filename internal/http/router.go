package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	Cart     *CartHandler
	Checkout *CheckoutHandler
	Orders   *OrdersHandler
	Payments *PaymentsHandler
	// Feed serves the admin websocket feed.
	Feed http.HandlerFunc
}

type RouterConfig struct {
	RequestTimeout time.Duration
	JWTSecret      string
	AdminAPIKey    string
	Logger         *zap.Logger
}

func NewRouter(cfg RouterConfig, h Handlers) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, log, http.StatusOK, "ok", map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// the websocket feed is long-lived and must not be compressed or timed out
		r.With(APIKeyAuth(cfg.AdminAPIKey, log)).Get("/admin/orders/feed", h.Feed)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			r.Use(middleware.Compress(5))

			r.Route("/payments", func(r chi.Router) {
				r.Post("/webhook", h.Payments.Webhook)
				r.Get("/callback", h.Payments.Callback)
			})

			r.With(APIKeyAuth(cfg.AdminAPIKey, log)).Put("/admin/orders/{orderId}/status", h.Orders.UpdateStatus)

			r.Group(func(r chi.Router) {
				r.Use(JWTAuth([]byte(cfg.JWTSecret), log))

				r.Route("/cart", func(r chi.Router) {
					r.Get("/", h.Cart.GetCart)
					r.Delete("/", h.Cart.ClearCart)
					r.Post("/items", h.Cart.AddItem)
					r.Put("/items/{itemId}", h.Cart.UpdateQuantity)
					r.Delete("/items/{itemId}", h.Cart.RemoveItem)
				})

				r.Route("/checkout", func(r chi.Router) {
					r.Post("/create", h.Checkout.CreateOrder)
					r.Post("/{orderId}/payment/initialize", h.Checkout.InitializePayment)
					r.Post("/{orderId}/payment/verify", h.Checkout.VerifyPayment)
				})

				r.Route("/orders", func(r chi.Router) {
					r.Get("/", h.Orders.ListOrders)
					r.Get("/{orderId}", h.Orders.GetOrder)
					r.Post("/{orderId}/pay", h.Checkout.InitializePayment)
					r.Post("/{orderId}/cancel", h.Orders.CancelOrder)
				})
			})
		})
	})

	return otelhttp.NewHandler(r, "marketplace-api")
}
