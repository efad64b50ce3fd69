// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Auth
	JWTSecret string

	// Bank rail (SPEI) provider
	BankRailURL           string
	BankRailAPIKey        string
	BankRailAPISecret     string
	BankRailWebhookSecret string

	// Stablecoin custodian
	CustodianURL           string
	CustodianAPIKey        string
	CustodianAPISecret     string
	CustodianWebhookSecret string

	// Custody contract (optional; ledger-backed custody when RPC is empty)
	ChainRPCURL     string
	ChainID         int64
	CustodyContract string
	PrivateKey      string // Hex-encoded, with or without 0x prefix
	BridgeWallet    string
	TokenDecimals   int32

	// Notifications
	NotificationSinkURL string
	NotificationSecret  string

	// Payment policy
	PlatformCommissionPercent decimal.Decimal
	EscrowLockTTL             time.Duration
	SweepInterval             time.Duration
	ReconcileInterval         time.Duration
	WithdrawalTimeout         time.Duration
	WithdrawalPollAfter       time.Duration
	WithdrawalMaxAttempts     int
	AdapterMaxAttempts        int
	AdapterBaseDelay          time.Duration
	ExecutingStaleAfter       time.Duration

	// Infrastructure
	OTLPEndpoint       string
	RateLimitRPM       int
	WebhookWorkers     int
	CORSAllowedOrigins []string
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultChainID               = 84532 // Base Sepolia
	DefaultTokenDecimals         = 6
	DefaultCommissionPercent     = "2"
	DefaultEscrowLockTTL         = 5 * time.Minute
	DefaultSweepInterval         = time.Minute
	DefaultReconcileInterval     = 5 * time.Minute
	DefaultWithdrawalTimeout     = 15 * time.Minute
	DefaultWithdrawalPollAfter   = 5 * time.Minute
	DefaultWithdrawalMaxAttempts = 3
	DefaultAdapterMaxAttempts    = 4
	DefaultAdapterBaseDelay      = 500 * time.Millisecond
	DefaultExecutingStaleAfter   = 10 * time.Minute
	DefaultRateLimitRPM          = 120
	DefaultWebhookWorkers        = 4
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	commission, err := decimal.NewFromString(getEnv("PLATFORM_COMMISSION_PERCENT", DefaultCommissionPercent))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_COMMISSION_PERCENT: %w", err)
	}

	cfg := &Config{
		Port:                      getEnv("PORT", DefaultPort),
		Env:                       getEnv("ENV", DefaultEnv),
		LogLevel:                  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                 getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		JWTSecret:                 os.Getenv("JWT_SECRET"),
		BankRailURL:               os.Getenv("BANK_RAIL_URL"),
		BankRailAPIKey:            os.Getenv("BANK_RAIL_API_KEY"),
		BankRailAPISecret:         os.Getenv("BANK_RAIL_API_SECRET"),
		BankRailWebhookSecret:     os.Getenv("BANK_RAIL_WEBHOOK_SECRET"),
		CustodianURL:              os.Getenv("CUSTODIAN_URL"),
		CustodianAPIKey:           os.Getenv("CUSTODIAN_API_KEY"),
		CustodianAPISecret:        os.Getenv("CUSTODIAN_API_SECRET"),
		CustodianWebhookSecret:    os.Getenv("CUSTODIAN_WEBHOOK_SECRET"),
		ChainRPCURL:               os.Getenv("CHAIN_RPC_URL"),
		ChainID:                   getEnvInt64("CHAIN_ID", DefaultChainID),
		CustodyContract:           os.Getenv("CUSTODY_CONTRACT"),
		PrivateKey:                os.Getenv("PRIVATE_KEY"),
		BridgeWallet:              os.Getenv("BRIDGE_WALLET"),
		TokenDecimals:             int32(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		NotificationSinkURL:       os.Getenv("NOTIFICATION_SINK_URL"),
		NotificationSecret:        os.Getenv("NOTIFICATION_SECRET"),
		PlatformCommissionPercent: commission,
		EscrowLockTTL:             getEnvDuration("ESCROW_LOCK_TTL", DefaultEscrowLockTTL),
		SweepInterval:             getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:         getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		WithdrawalTimeout:         getEnvDuration("WITHDRAWAL_TIMEOUT", DefaultWithdrawalTimeout),
		WithdrawalPollAfter:       getEnvDuration("WITHDRAWAL_POLL_AFTER", DefaultWithdrawalPollAfter),
		WithdrawalMaxAttempts:     int(getEnvInt64("WITHDRAWAL_MAX_ATTEMPTS", DefaultWithdrawalMaxAttempts)),
		AdapterMaxAttempts:        int(getEnvInt64("ADAPTER_MAX_ATTEMPTS", DefaultAdapterMaxAttempts)),
		AdapterBaseDelay:          getEnvDuration("ADAPTER_BASE_DELAY", DefaultAdapterBaseDelay),
		ExecutingStaleAfter:       getEnvDuration("EXECUTING_STALE_AFTER", DefaultExecutingStaleAfter),
		OTLPEndpoint:              os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:              int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		WebhookWorkers:            int(getEnvInt64("WEBHOOK_WORKERS", DefaultWebhookWorkers)),
		CORSAllowedOrigins:        splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	required := map[string]string{
		"JWT_SECRET":           c.JWTSecret,
		"BANK_RAIL_URL":        c.BankRailURL,
		"BANK_RAIL_API_KEY":    c.BankRailAPIKey,
		"BANK_RAIL_API_SECRET": c.BankRailAPISecret,
		"CUSTODIAN_URL":        c.CustodianURL,
		"CUSTODIAN_API_KEY":    c.CustodianAPIKey,
		"CUSTODIAN_API_SECRET": c.CustodianAPISecret,
	}
	for _, key := range []string{
		"JWT_SECRET",
		"BANK_RAIL_URL", "BANK_RAIL_API_KEY", "BANK_RAIL_API_SECRET",
		"CUSTODIAN_URL", "CUSTODIAN_API_KEY", "CUSTODIAN_API_SECRET",
	} {
		if required[key] == "" {
			return fmt.Errorf("%s is required", key)
		}
	}

	if c.PlatformCommissionPercent.IsNegative() || c.PlatformCommissionPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("PLATFORM_COMMISSION_PERCENT must be between 0 and 100")
	}

	if c.ChainRPCURL != "" {
		if c.CustodyContract == "" {
			return fmt.Errorf("CUSTODY_CONTRACT is required when CHAIN_RPC_URL is set")
		}
		if c.BridgeWallet == "" {
			return fmt.Errorf("BRIDGE_WALLET is required when CHAIN_RPC_URL is set")
		}
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.EscrowLockTTL <= 0 {
		return fmt.Errorf("ESCROW_LOCK_TTL must be positive")
	}
	if c.WithdrawalMaxAttempts < 1 || c.AdapterMaxAttempts < 1 {
		return fmt.Errorf("retry bounds must be at least 1")
	}

	if c.IsProduction() && (c.BankRailWebhookSecret == "" || c.CustodianWebhookSecret == "") {
		return fmt.Errorf("webhook secrets are required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesChainCustody reports whether custody records live on-chain.
func (c *Config) UsesChainCustody() bool {
	return c.ChainRPCURL != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping empty items.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
