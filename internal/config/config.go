// Package config loads the settlement daemon configuration from defaults, an
// optional TOML file, and environment variables, in that priority order.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// Config is the complete daemon configuration.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Database *relationaldb.Config `mapstructure:"database"`
	Orders   OrdersConfig         `mapstructure:"orders"`
	Outbox   OutboxConfig         `mapstructure:"outbox"`
	Sweeper  SweeperConfig        `mapstructure:"sweeper"`
	Log      LogConfig            `mapstructure:"log"`

	configPath string
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// SystemSecret authenticates system-actor requests (expiry, admin
	// paths). Empty disables the system surface entirely.
	SystemSecret string `mapstructure:"system_secret"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// OrdersConfig carries lifecycle policy.
type OrdersConfig struct {
	// TTLSeconds is the creation-to-expiry window.
	TTLSeconds int `mapstructure:"ttl_seconds"`

	// Fee percentages per spread preference.
	FeeCheap   string `mapstructure:"fee_cheap"`
	FeeBest    string `mapstructure:"fee_best"`
	FeeFastest string `mapstructure:"fee_fastest"`
}

// TTL returns the order expiry window.
func (o OrdersConfig) TTL() time.Duration {
	return time.Duration(o.TTLSeconds) * time.Second
}

// Fees parses the per-spread fee percentages.
func (o OrdersConfig) Fees() (map[order.SpreadPreference]decimal.Decimal, error) {
	out := map[order.SpreadPreference]decimal.Decimal{}
	for pref, raw := range map[order.SpreadPreference]string{
		order.SpreadCheap:   o.FeeCheap,
		order.SpreadBest:    o.FeeBest,
		order.SpreadFastest: o.FeeFastest,
	} {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid fee for %s spread: %w", pref, err)
		}
		if pct.IsNegative() {
			return nil, fmt.Errorf("fee for %s spread must be non-negative, got %s", pref, pct)
		}
		out[pref] = pct
	}
	return out, nil
}

// OutboxConfig configures the notification worker.
type OutboxConfig struct {
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
	MaxAttempts    int `mapstructure:"max_attempts"`
}

// PollInterval returns the worker tick.
func (o OutboxConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

// SweeperConfig configures the expiry sweeper.
type SweeperConfig struct {
	SweepIntervalMS int `mapstructure:"sweep_interval_ms"`
}

// SweepInterval returns the sweeper tick.
func (s SweeperConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMS) * time.Millisecond
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Development switches to the human-readable console encoder.
	Development bool `mapstructure:"development"`
}

// ConfigPath returns the file the configuration was loaded from, if any.
func (c *Config) ConfigPath() string { return c.configPath }

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Orders.TTLSeconds <= 0 {
		return fmt.Errorf("order TTL must be positive, got %d", c.Orders.TTLSeconds)
	}
	if _, err := c.Orders.Fees(); err != nil {
		return err
	}
	if c.Outbox.PollIntervalMS <= 0 {
		return fmt.Errorf("outbox poll interval must be positive, got %d", c.Outbox.PollIntervalMS)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox max attempts must be >= 1, got %d", c.Outbox.MaxAttempts)
	}
	if c.Sweeper.SweepIntervalMS <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %d", c.Sweeper.SweepIntervalMS)
	}
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	return c.Database.Validate()
}
