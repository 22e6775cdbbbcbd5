package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rampline/settlecore/internal/core/order"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Orders.TTL())
	assert.Equal(t, 500*time.Millisecond, cfg.Outbox.PollInterval())
	assert.Equal(t, 15*time.Second, cfg.Sweeper.SweepInterval())
	assert.Equal(t, 3, cfg.Outbox.MaxAttempts)
	assert.True(t, cfg.Database.MockMode)
	assert.Equal(t, "info", cfg.Log.Level)

	fees, err := cfg.Orders.Fees()
	require.NoError(t, err)
	assert.True(t, fees[order.SpreadCheap].Equal(decimal.RequireFromString("1.50")))
	assert.True(t, fees[order.SpreadBest].Equal(decimal.RequireFromString("2.00")))
	assert.True(t, fees[order.SpreadFastest].Equal(decimal.RequireFromString("2.50")))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settled.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9090

[orders]
ttl_seconds = 600
fee_best = "3.25"

[database]
host = "db.internal"
database = "settle_prod"
username = "settle"
mock_mode = false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.Orders.TTL())
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.False(t, cfg.Database.MockMode)

	fees, err := cfg.Orders.Fees()
	require.NoError(t, err)
	assert.True(t, fees[order.SpreadBest].Equal(decimal.RequireFromString("3.25")))
	// Unset tiers keep their defaults.
	assert.True(t, fees[order.SpreadCheap].Equal(decimal.RequireFromString("1.50")))
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/settled.toml")
	assert.Error(t, err)
}

func TestFlatEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://settle:pw@db:5432/settlecore?sslmode=require")
	t.Setenv("ORDER_TTL_SECONDS", "120")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "5")
	t.Setenv("PROTOCOL_FEE_FASTEST", "4.00")
	t.Setenv("MOCK_INITIAL_BALANCE", "2500")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://settle:pw@db:5432/settlecore?sslmode=require", cfg.Database.ConnectionString)
	assert.Equal(t, 2*time.Minute, cfg.Orders.TTL())
	assert.Equal(t, 5, cfg.Outbox.MaxAttempts)
	assert.True(t, cfg.Database.MockInitialBalance.Equal(decimal.NewFromInt(2500)))

	fees, err := cfg.Orders.Fees()
	require.NoError(t, err)
	assert.True(t, fees[order.SpreadFastest].Equal(decimal.RequireFromString("4.00")))
}

func TestPrefixedEnvOverrides(t *testing.T) {
	t.Setenv("SETTLED_SERVER_PORT", "7001")
	t.Setenv("SETTLED_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.Orders.TTLSeconds = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"negative fee", func(c *Config) { c.Orders.FeeBest = "-1" }},
		{"garbage fee", func(c *Config) { c.Orders.FeeCheap = "cheap" }},
		{"zero poll interval", func(c *Config) { c.Outbox.PollIntervalMS = 0 }},
		{"zero max attempts", func(c *Config) { c.Outbox.MaxAttempts = 0 }},
		{"zero sweep interval", func(c *Config) { c.Sweeper.SweepIntervalMS = 0 }},
		{"nil database", func(c *Config) { c.Database = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
