package config

import (
	"testing"
	"time"
)

var configKeys = []string{
	"DATABASE_URL", "PRICING_BASE_URL", "HTTP_ADDR", "GRPC_ADDR", "LOG_LEVEL",
	"CART_MODE", "STOREFRONT_CART_URL", "COVERAGE_VENDOR", "IDLE_POLL_INTERVAL",
	"IDLE_TIMEOUT", "CLICK_COOLDOWN", "OPERATION_TIMEOUT", "SESSION_TTL",
	"RESET_ON_LOAD", "REDIS_ADDR", "PRICING_CACHE_TTL", "PRICE_LOCALE",
	"DIAGNOSTICS_RETENTION", "AUTH_RATE_LIMIT", "MAX_JSON_BODY_SIZE",
	"ADMIN_HOSTNAME", "ADMIN_PASSWORD_HASH", "TS_AUTH_KEY", "TS_STATE_DIR",
}

// setBaseEnv clears every variable Load reads and sets the required ones.
func setBaseEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("PRICING_BASE_URL", "https://pricing.example.com")
	t.Setenv("STOREFRONT_CART_URL", "https://shop.example.com/cart")
}

func TestLoad_RequiredDatabaseURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when DATABASE_URL is empty")
	}
}

func TestLoad_RequiredPricingBaseURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PRICING_BASE_URL", "  ")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when PRICING_BASE_URL is empty")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want :9090", cfg.GRPCAddr)
	}
	if cfg.CartMode != CartModeForm {
		t.Errorf("CartMode = %q, want %q", cfg.CartMode, CartModeForm)
	}
	if cfg.CoverageVendor != "re:do" {
		t.Errorf("CoverageVendor = %q, want re:do", cfg.CoverageVendor)
	}
	if cfg.IdlePollInterval != 100*time.Millisecond {
		t.Errorf("IdlePollInterval = %v, want 100ms", cfg.IdlePollInterval)
	}
	if cfg.IdleTimeout != 5*time.Second {
		t.Errorf("IdleTimeout = %v, want 5s", cfg.IdleTimeout)
	}
	if cfg.ClickCooldown != 2*time.Second {
		t.Errorf("ClickCooldown = %v, want 2s", cfg.ClickCooldown)
	}
	if cfg.OperationTimeout != 8*time.Second {
		t.Errorf("OperationTimeout = %v, want 8s", cfg.OperationTimeout)
	}
	if !cfg.ResetOnLoad {
		t.Error("ResetOnLoad = false, want true")
	}
	if cfg.PriceLocale != "en-US" {
		t.Errorf("PriceLocale = %q, want en-US", cfg.PriceLocale)
	}
	if cfg.TSStateDir != "tsnet-state" {
		t.Errorf("TSStateDir = %q, want tsnet-state", cfg.TSStateDir)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("RedisAddr = %q, want empty", cfg.RedisAddr)
	}
}

func TestLoad_CartMode(t *testing.T) {
	t.Run("form requires cart url", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("STOREFRONT_CART_URL", "")
		if _, err := Load(); err == nil {
			t.Fatal("Load() should fail without STOREFRONT_CART_URL in form mode")
		}
	})

	t.Run("memory needs no cart url", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("CART_MODE", "Memory")
		t.Setenv("STOREFRONT_CART_URL", "")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.CartMode != CartModeMemory {
			t.Errorf("CartMode = %q, want %q", cfg.CartMode, CartModeMemory)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("CART_MODE", "graphql")
		if _, err := Load(); err == nil {
			t.Fatal("Load() should fail for unknown CART_MODE")
		}
	})
}

func TestLoad_Durations_Invalid(t *testing.T) {
	keys := []string{"IDLE_POLL_INTERVAL", "IDLE_TIMEOUT", "OPERATION_TIMEOUT", "SESSION_TTL", "PRICING_CACHE_TTL", "DIAGNOSTICS_RETENTION"}
	for _, key := range keys {
		for _, value := range []string{"not-a-duration", "0s", "-1s"} {
			t.Run(key+"="+value, func(t *testing.T) {
				setBaseEnv(t)
				t.Setenv(key, value)
				if _, err := Load(); err == nil {
					t.Fatalf("Load() should fail for %s=%q", key, value)
				}
			})
		}
	}
}

func TestLoad_ClickCooldown(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CLICK_COOLDOWN", "0s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ClickCooldown != 0 {
		t.Errorf("ClickCooldown = %v, want 0", cfg.ClickCooldown)
	}

	t.Setenv("CLICK_COOLDOWN", "-1s")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail for negative CLICK_COOLDOWN")
	}
}

func TestLoad_ResetOnLoad(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RESET_ON_LOAD", "false")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ResetOnLoad {
		t.Error("ResetOnLoad = true, want false")
	}

	t.Setenv("RESET_ON_LOAD", "maybe")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail for RESET_ON_LOAD=maybe")
	}
}

func TestLoad_PriceLocale_Invalid(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PRICE_LOCALE", "not a locale!")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail for malformed PRICE_LOCALE")
	}
}

func TestLoad_AdminHostname_RequiresPasswordHash(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ADMIN_HOSTNAME", "cartcover-admin")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when ADMIN_HOSTNAME set without ADMIN_PASSWORD_HASH")
	}
}

func TestLoad_AdminPasswordHash_MustBeArgon2id(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ADMIN_HOSTNAME", "cartcover-admin")
	t.Setenv("ADMIN_PASSWORD_HASH", "$2a$10$notargon")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail for a non-argon2id ADMIN_PASSWORD_HASH")
	}

	t.Setenv("ADMIN_PASSWORD_HASH", "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AdminHostname != "cartcover-admin" {
		t.Errorf("AdminHostname = %q, want cartcover-admin", cfg.AdminHostname)
	}
}

func TestLoad_CustomAddrs(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("HTTP_ADDR", ":3000")
	t.Setenv("GRPC_ADDR", ":4000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr = %q, want :3000", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":4000" {
		t.Errorf("GRPCAddr = %q, want :4000", cfg.GRPCAddr)
	}
}

func TestEnvOrDefault(t *testing.T) {
	tests := []struct {
		name, value, want string
	}{
		{name: "empty", value: "", want: "fallback"},
		{name: "whitespace", value: "   ", want: "fallback"},
		{name: "value", value: " value ", want: "value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_KEY", tt.value)
			if got := envOrDefault("TEST_KEY", "fallback"); got != tt.want {
				t.Errorf("envOrDefault() = %q, want %q", got, tt.want)
			}
		})
	}
}
