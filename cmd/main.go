package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/cache"
	"github.com/fjod/go_cart/marketplace/internal/config"
	"github.com/fjod/go_cart/marketplace/internal/gateway"
	h "github.com/fjod/go_cart/marketplace/internal/http"
	"github.com/fjod/go_cart/marketplace/internal/logger"
	"github.com/fjod/go_cart/marketplace/internal/notify"
	"github.com/fjod/go_cart/marketplace/internal/publisher"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/fjod/go_cart/marketplace/internal/service"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	lg, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	lg.Info("marketplace starting", zap.String("env", cfg.AppEnv), zap.String("port", cfg.HTTPPort))

	creds := &repository.Credentials{
		Host:              cfg.DB.Host,
		Port:              cfg.DB.Port,
		User:              cfg.DB.User,
		Password:          cfg.DB.Password,
		DBName:            cfg.DB.Name,
		MigrationsDirPath: cfg.DB.MigrationsPath,
	}

	repo, err := repository.NewRepository(creds, lg)
	if err != nil {
		lg.Fatal("failed to connect to database", zap.Error(err))
	}
	defer repo.Close()

	if err := repo.RunMigrations(creds); err != nil {
		lg.Fatal("failed to run migrations", zap.Error(err))
	}
	lg.Info("database migrations completed")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// carts are still served from postgres, just uncached
		lg.Warn("redis ping failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	} else {
		lg.Info("redis ping succeeded", zap.String("addr", cfg.RedisAddr))
	}
	cartCache := cache.NewRedisCache(redisClient, cfg.CartCacheTTL)

	gw := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		SecretKey:   cfg.Gateway.SecretKey,
		WebhookHash: cfg.Gateway.WebhookHash,
		RedirectURL: cfg.Gateway.RedirectURL,
		Timeout:     cfg.Gateway.Timeout,
	}, lg.Named("gateway"))

	pricing := service.PricingPolicy{
		Currency:              cfg.Pricing.Currency,
		TaxRate:               cfg.Pricing.TaxRate,
		FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
		FlatShippingFee:       cfg.Pricing.FlatShippingFee,
	}

	carts := service.NewCartService(repo, cartCache, pricing, lg.Named("cart"))
	orders := service.NewOrderService(repo, pricing, cfg.PaymentRetryWindow, lg.Named("orders"))
	reconciler := service.NewReconciler(repo, cartCache, lg.Named("reconciler"))
	payments := service.NewPaymentService(repo, gw, reconciler, cfg.Gateway.RedirectURL, cfg.PaymentTTL, lg.Named("payments"))

	hub := notify.NewHub(lg.Named("feed"))

	writer := publisher.NewKafkaWriter(cfg.KafkaTopic, cfg.KafkaBrokers...)
	poller := publisher.NewOutboxPoller(repo, writer, hub, cfg.OutboxTick, cfg.SweepTick, lg.Named("outbox"),
		publisher.Sweep{Name: "stale-payments", Run: payments.SweepStalePayments},
		publisher.Sweep{Name: "failed-orders", Run: orders.CancelFailedOrders},
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	router := h.NewRouter(h.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		JWTSecret:      cfg.JWTSecret,
		AdminAPIKey:    cfg.AdminAPIKey,
		Logger:         lg.Named("http"),
	}, h.Handlers{
		Cart:     h.NewCartHandler(carts, cfg.RequestTimeout, lg.Named("http")),
		Checkout: h.NewCheckoutHandler(orders, payments, cfg.RequestTimeout, lg.Named("http")),
		Orders:   h.NewOrdersHandler(orders, cfg.RequestTimeout, lg.Named("http")),
		Payments: h.NewPaymentsHandler(payments, gw, cfg.FrontendResultURL, cfg.RequestTimeout, lg.Named("http")),
		Feed:     hub.ServeWS,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("server forced to shutdown", zap.Error(err))
	}

	wg.Wait()
	if err := writer.Close(); err != nil {
		lg.Warn("failed to close kafka writer", zap.Error(err))
	}

	lg.Info("server exited")
}
