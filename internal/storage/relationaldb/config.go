package relationaldb

import (
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Config contains database configuration settings.
type Config struct {
	// ConnectionString is the full DSN (DATABASE_URL). When set it takes
	// precedence over the discrete fields below.
	ConnectionString string `json:"connection_string" mapstructure:"connection_string"`
	Host             string `json:"host" mapstructure:"host"`
	Port             int    `json:"port" mapstructure:"port"`
	Database         string `json:"database" mapstructure:"database"`
	Username         string `json:"username" mapstructure:"username"`
	Password         string `json:"password" mapstructure:"password"`
	SSLMode          string `json:"ssl_mode" mapstructure:"ssl_mode"`

	// Connection pool settings.
	MaxOpenConns    int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`

	// DefaultTimeout bounds every statement; the whole transaction aborts
	// and rolls back on timeout, so no partial state is observable.
	DefaultTimeout time.Duration `json:"default_timeout" mapstructure:"default_timeout"`

	// Outbox settings applied when staging envelopes.
	OutboxMaxAttempts int `json:"outbox_max_attempts" mapstructure:"outbox_max_attempts"`

	// Mock-escrow mode: unknown accounts are seeded with
	// MockInitialBalance on first touch and missing tx hashes are
	// replaced with synthetic ones. Balances and ledger rows are
	// written either way; disabling mock mode only drops the seeding
	// and makes real tx hashes mandatory.
	MockMode           bool            `json:"mock_mode" mapstructure:"mock_mode"`
	MockInitialBalance decimal.Decimal `json:"mock_initial_balance" mapstructure:"mock_initial_balance"`
}

// NewConfig creates a Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Host:               "localhost",
		Port:               5432,
		Database:           "settlecore",
		Username:           "settlecore",
		SSLMode:            "prefer",
		MaxOpenConns:       25,
		MaxIdleConns:       5,
		ConnMaxLifetime:    time.Hour,
		ConnMaxIdleTime:    time.Minute * 15,
		DefaultTimeout:     time.Second * 10,
		OutboxMaxAttempts:  3,
		MockMode:           true,
		MockInitialBalance: decimal.Zero,
	}
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		if c.Host == "" {
			return ErrMissingHost
		}
		if c.Port <= 0 || c.Port > 65535 {
			return ErrInvalidPort
		}
		if c.Database == "" {
			return ErrMissingDatabase
		}
		if c.Username == "" {
			return ErrMissingUsername
		}
		switch c.SSLMode {
		case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
		default:
			return fmt.Errorf("invalid SSL mode: %s", c.SSLMode)
		}
	}

	if c.MaxOpenConns < 0 {
		return ErrInvalidMaxOpenConns
	}
	if c.MaxIdleConns < 0 {
		return ErrInvalidMaxIdleConns
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return ErrMaxIdleExceedsMaxOpen
	}
	if c.DefaultTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.OutboxMaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if c.MockInitialBalance.IsNegative() {
		return ErrInvalidInitialBalance
	}

	return nil
}

// BuildConnectionString builds a Postgres DSN from the config.
func (c *Config) BuildConnectionString() (string, error) {
	if c.ConnectionString != "" {
		return c.ConnectionString, nil
	}

	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	params.Set("connect_timeout", "30")
	params.Set("application_name", "settlecore")

	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: params.Encode(),
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	} else {
		u.User = url.User(c.Username)
	}

	return u.String(), nil
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a loggable representation with the password redacted.
func (c *Config) String() string {
	clone := c.Clone()
	if clone.Password != "" {
		clone.Password = "***"
	}
	if clone.ConnectionString != "" {
		return "Config{Connection: <dsn redacted>}"
	}
	return fmt.Sprintf("Config{Host: %s, Port: %d, Database: %s, MockMode: %t}",
		clone.Host, clone.Port, clone.Database, clone.MockMode)
}
