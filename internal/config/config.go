// Package config loads gateway configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//   - PRICING_BASE_URL: base URL of the merchant-configuration service.
//   - STOREFRONT_CART_URL: storefront cart route, required when CART_MODE is
//     "form".
//
// Optional variables:
//   - HTTP_ADDR, GRPC_ADDR: listen addresses (default ":8080" and ":9090").
//   - CART_MODE: "form" or "memory" (default "form").
//   - COVERAGE_VENDOR: vendor marking coverage lines (default "re:do").
//   - IDLE_POLL_INTERVAL, IDLE_TIMEOUT: cart idle polling (default "100ms"
//     and "5s", must be > 0 if set).
//   - CLICK_COOLDOWN, OPERATION_TIMEOUT: checkout click guard (default "2s"
//     and "8s"; the cool-down may be zero).
//   - SESSION_TTL: idle time before a session is swept (default "30m").
//   - RESET_ON_LOAD: remove stale coverage once pricing first loads
//     (default "true").
//   - REDIS_ADDR, PRICING_CACHE_TTL: descriptor cache (off unless REDIS_ADDR
//     is set; TTL default "5m").
//   - PRICE_LOCALE: BCP 47 tag used to format prices (default "en-US").
//   - DIAGNOSTICS_RETENTION: age after which coverage events and pricing
//     errors are pruned (default "168h").
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per IP (default 10).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576").
//   - ADMIN_HOSTNAME, ADMIN_PASSWORD_HASH, TS_AUTH_KEY, TS_STATE_DIR: the
//     tsnet admin portal. ADMIN_PASSWORD_HASH is required with
//     ADMIN_HOSTNAME.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
)

const (
	CartModeForm   = "form"
	CartModeMemory = "memory"
)

const (
	defaultHTTPAddr                   = ":8080"
	defaultGRPCAddr                   = ":9090"
	defaultVendor                     = "re:do"
	defaultIdlePollInterval           = 100 * time.Millisecond
	defaultIdleTimeout                = 5 * time.Second
	defaultClickCooldown              = 2 * time.Second
	defaultOperationTimeout           = 8 * time.Second
	defaultSessionTTL                 = 30 * time.Minute
	defaultPricingCacheTTL            = 5 * time.Minute
	defaultDiagnosticsRetention       = 7 * 24 * time.Hour
	defaultPriceLocale                = "en-US"
	defaultTSStateDir                 = "tsnet-state"
	defaultAuthRateLimit              = 10
	defaultMaxJSONBodySize      int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the cartcover gateway.
type Config struct {
	DatabaseURL          string
	PricingBaseURL       string
	HTTPAddr             string
	GRPCAddr             string
	LogLevel             string
	CartMode             string
	StorefrontCartURL    string
	CoverageVendor       string
	IdlePollInterval     time.Duration
	IdleTimeout          time.Duration
	ClickCooldown        time.Duration
	OperationTimeout     time.Duration
	SessionTTL           time.Duration
	ResetOnLoad          bool
	RedisAddr            string
	PricingCacheTTL      time.Duration
	PriceLocale          string
	DiagnosticsRetention time.Duration
	AuthRateLimit        int
	MaxJSONBodySize      int64
	AdminHostname        string
	AdminPasswordHash    string
	TSAuthKey            string
	TSStateDir           string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	pricingBaseURL := strings.TrimSpace(os.Getenv("PRICING_BASE_URL"))
	if pricingBaseURL == "" {
		return Config{}, errors.New("PRICING_BASE_URL is required")
	}

	cartMode := strings.ToLower(envOrDefault("CART_MODE", CartModeForm))
	if cartMode != CartModeForm && cartMode != CartModeMemory {
		return Config{}, fmt.Errorf("CART_MODE must be %q or %q", CartModeForm, CartModeMemory)
	}
	cartURL := strings.TrimSpace(os.Getenv("STOREFRONT_CART_URL"))
	if cartMode == CartModeForm && cartURL == "" {
		return Config{}, errors.New("STOREFRONT_CART_URL is required when CART_MODE is form")
	}

	idlePollInterval, err := positiveDuration("IDLE_POLL_INTERVAL", defaultIdlePollInterval)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := positiveDuration("IDLE_TIMEOUT", defaultIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	operationTimeout, err := positiveDuration("OPERATION_TIMEOUT", defaultOperationTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionTTL, err := positiveDuration("SESSION_TTL", defaultSessionTTL)
	if err != nil {
		return Config{}, err
	}
	pricingCacheTTL, err := positiveDuration("PRICING_CACHE_TTL", defaultPricingCacheTTL)
	if err != nil {
		return Config{}, err
	}
	retention, err := positiveDuration("DIAGNOSTICS_RETENTION", defaultDiagnosticsRetention)
	if err != nil {
		return Config{}, err
	}

	clickCooldown := defaultClickCooldown
	if v := strings.TrimSpace(os.Getenv("CLICK_COOLDOWN")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CLICK_COOLDOWN: %w", err)
		}
		if parsed < 0 {
			return Config{}, errors.New("CLICK_COOLDOWN must be >= 0")
		}
		clickCooldown = parsed
	}

	resetOnLoad := true
	if v := strings.TrimSpace(os.Getenv("RESET_ON_LOAD")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse RESET_ON_LOAD: %w", err)
		}
		resetOnLoad = parsed
	}

	priceLocale := envOrDefault("PRICE_LOCALE", defaultPriceLocale)
	if _, err := language.Parse(priceLocale); err != nil {
		return Config{}, fmt.Errorf("parse PRICE_LOCALE: %w", err)
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	// Admin portal
	adminHostname := strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME"))
	adminPasswordHash := strings.TrimSpace(os.Getenv("ADMIN_PASSWORD_HASH"))
	if adminHostname != "" && adminPasswordHash == "" {
		return Config{}, errors.New("ADMIN_PASSWORD_HASH is required when ADMIN_HOSTNAME is set")
	}
	if adminPasswordHash != "" && !strings.HasPrefix(adminPasswordHash, "$argon2id$") {
		return Config{}, errors.New("ADMIN_PASSWORD_HASH must be an argon2id hash")
	}

	return Config{
		DatabaseURL:          databaseURL,
		PricingBaseURL:       pricingBaseURL,
		HTTPAddr:             envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:             envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		CartMode:             cartMode,
		StorefrontCartURL:    cartURL,
		CoverageVendor:       envOrDefault("COVERAGE_VENDOR", defaultVendor),
		IdlePollInterval:     idlePollInterval,
		IdleTimeout:          idleTimeout,
		ClickCooldown:        clickCooldown,
		OperationTimeout:     operationTimeout,
		SessionTTL:           sessionTTL,
		ResetOnLoad:          resetOnLoad,
		RedisAddr:            strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		PricingCacheTTL:      pricingCacheTTL,
		PriceLocale:          priceLocale,
		DiagnosticsRetention: retention,
		AuthRateLimit:        authRateLimit,
		MaxJSONBodySize:      maxJSONBodySize,
		AdminHostname:        adminHostname,
		AdminPasswordHash:    adminPasswordHash,
		TSAuthKey:            os.Getenv("TS_AUTH_KEY"),
		TSStateDir:           envOrDefault("TS_STATE_DIR", defaultTSStateDir),
	}, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
