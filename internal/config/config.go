package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type DB struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	MigrationsPath string
}

type Gateway struct {
	BaseURL     string
	SecretKey   string
	WebhookHash string
	RedirectURL string
	Timeout     time.Duration
}

type Pricing struct {
	Currency              string
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
}

type Config struct {
	HTTPPort        string
	AppEnv          string
	LogLevel        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	DB DB

	RedisAddr     string
	RedisPassword string
	CartCacheTTL  time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret   string
	AdminAPIKey string

	Gateway           Gateway
	FrontendResultURL string
	Pricing           Pricing

	PaymentTTL         time.Duration
	PaymentRetryWindow time.Duration
	OutboxTick         time.Duration
	SweepTick          time.Duration
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; real env vars win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		AppEnv:          getEnv("APP_ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		RequestTimeout:  p.duration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		DB: DB{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           p.int("DB_PORT", 5432),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			Name:           getEnv("DB_NAME", "marketplace"),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "./internal/repository/migrations"),
		},
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		CartCacheTTL:  p.duration("CART_CACHE_TTL", 2*time.Minute),
		KafkaBrokers:  splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "marketplace-orders"),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		AdminAPIKey:   getEnv("ADMIN_API_KEY", ""),
		Gateway: Gateway{
			BaseURL:     strings.TrimRight(getEnv("FLW_BASE_URL", "https://api.flutterwave.com/v3"), "/"),
			SecretKey:   getEnv("FLW_SECRET_KEY", ""),
			WebhookHash: getEnv("FLW_WEBHOOK_HASH", ""),
			RedirectURL: getEnv("PAYMENT_REDIRECT_URL", "http://localhost:8080/api/payments/callback"),
			Timeout:     p.duration("GATEWAY_TIMEOUT", 30*time.Second),
		},
		FrontendResultURL: getEnv("FRONTEND_RESULT_URL", "http://localhost:3000/checkout/result"),
		Pricing: Pricing{
			Currency:              getEnv("CURRENCY", "RWF"),
			TaxRate:               p.decimal("TAX_RATE", "0.18"),
			FreeShippingThreshold: p.decimal("FREE_SHIPPING_THRESHOLD", "30000"),
			FlatShippingFee:       p.decimal("FLAT_SHIPPING_FEE", "2000"),
		},
		PaymentTTL:         p.duration("PAYMENT_TTL", 30*time.Minute),
		PaymentRetryWindow: p.duration("PAYMENT_RETRY_WINDOW", 24*time.Hour),
		OutboxTick:         p.duration("OUTBOX_TICK", time.Second),
		SweepTick:          p.duration("SWEEP_TICK", time.Minute),
	}

	if err := errors.Join(append(p.errs, cfg.validate())...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Pricing.TaxRate.IsNegative() || c.Pricing.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("TAX_RATE must be in [0, 1), got %s", c.Pricing.TaxRate))
	}
	if c.Pricing.FlatShippingFee.IsNegative() || c.Pricing.FreeShippingThreshold.IsNegative() {
		errs = append(errs, errors.New("shipping amounts must not be negative"))
	}
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is empty"))
	}
	if c.IsProduction() {
		for key, value := range map[string]string{
			"JWT_SECRET":       c.JWTSecret,
			"ADMIN_API_KEY":    c.AdminAPIKey,
			"FLW_SECRET_KEY":   c.Gateway.SecretKey,
			"FLW_WEBHOOK_HASH": c.Gateway.WebhookHash,
		} {
			if value == "" {
				errs = append(errs, fmt.Errorf("%s is required in production", key))
			}
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects conversion errors so Load can report all of them at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return v
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	if v <= 0 {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: must be positive", key))
		return defaultValue
	}
	return v
}

func (p *parser) decimal(key, defaultValue string) decimal.Decimal {
	raw := getEnv(key, defaultValue)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return decimal.Zero
	}
	return v
}
