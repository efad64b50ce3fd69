package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-jwt-secret")
	t.Setenv("BANK_RAIL_URL", "https://rail.example.com")
	t.Setenv("BANK_RAIL_API_KEY", "rail-key")
	t.Setenv("BANK_RAIL_API_SECRET", "rail-secret")
	t.Setenv("CUSTODIAN_URL", "https://custodian.example.com")
	t.Setenv("CUSTODIAN_API_KEY", "cust-key")
	t.Setenv("CUSTODIAN_API_SECRET", "cust-secret")
}

func validConfig() Config {
	return Config{
		Env:                       "development",
		JWTSecret:                 "s",
		BankRailURL:               "https://rail.example.com",
		BankRailAPIKey:            "k",
		BankRailAPISecret:         "s",
		CustodianURL:              "https://custodian.example.com",
		CustodianAPIKey:           "k",
		CustodianAPISecret:        "s",
		PlatformCommissionPercent: decimal.NewFromInt(2),
		EscrowLockTTL:             time.Minute,
		WithdrawalMaxAttempts:     3,
		AdapterMaxAttempts:        4,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ESCROW_LOCK_TTL", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.EscrowLockTTL)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultWithdrawalMaxAttempts, cfg.WithdrawalMaxAttempts)
	assert.Equal(t, DefaultWithdrawalPollAfter, cfg.WithdrawalPollAfter)
	assert.Empty(t, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.PlatformCommissionPercent.Equal(decimal.NewFromInt(2)))
	assert.False(t, cfg.UsesChainCustody())
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoad_InvalidCommission(t *testing.T) {
	setRequired(t)
	t.Setenv("PLATFORM_COMMISSION_PERCENT", "two")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLATFORM_COMMISSION_PERCENT")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "missing custodian secret",
			mutate:  func(c *Config) { c.CustodianAPISecret = "" },
			wantErr: "CUSTODIAN_API_SECRET is required",
		},
		{
			name:    "commission over 100",
			mutate:  func(c *Config) { c.PlatformCommissionPercent = decimal.NewFromInt(101) },
			wantErr: "between 0 and 100",
		},
		{
			name: "chain custody without contract",
			mutate: func(c *Config) {
				c.ChainRPCURL = "https://sepolia.base.org"
			},
			wantErr: "CUSTODY_CONTRACT is required",
		},
		{
			name: "chain custody with short key",
			mutate: func(c *Config) {
				c.ChainRPCURL = "https://sepolia.base.org"
				c.CustodyContract = "0x1234567890123456789012345678901234567890"
				c.BridgeWallet = "0x2234567890123456789012345678901234567890"
				c.PrivateKey = "0xabc123"
			},
			wantErr: "64 hex characters",
		},
		{
			name: "chain custody valid",
			mutate: func(c *Config) {
				c.ChainRPCURL = "https://sepolia.base.org"
				c.CustodyContract = "0x1234567890123456789012345678901234567890"
				c.BridgeWallet = "0x2234567890123456789012345678901234567890"
				c.PrivateKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
			},
		},
		{
			name:    "zero lock ttl",
			mutate:  func(c *Config) { c.EscrowLockTTL = 0 },
			wantErr: "ESCROW_LOCK_TTL",
		},
		{
			name:    "production without webhook secrets",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "webhook secrets",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "2m")
	t.Setenv("TEST_BAD_DUR", "soon")

	assert.Equal(t, 2*time.Minute, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_DUR", time.Second))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"https://app.kustodia.mx", "https://ops.kustodia.mx"},
		splitList(" https://app.kustodia.mx, ,https://ops.kustodia.mx "))
}
