package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// Load builds the configuration in priority order:
//  1. Default values
//  2. Configuration file (settled.toml), when a path is given
//  3. Environment variables (SETTLED_ prefix, plus the flat well-known names)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configPath)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("SETTLED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindFlatEnv(v)

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalDecodeHook(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.configPath = configPath

	if cfg.Database == nil {
		cfg.Database = relationaldb.NewConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindFlatEnv wires the conventional unprefixed variable names used by
// deployment tooling onto their config keys.
func bindFlatEnv(v *viper.Viper) {
	flat := map[string]string{
		"database.connection_string":    "DATABASE_URL",
		"database.mock_mode":            "MOCK_MODE",
		"database.mock_initial_balance": "MOCK_INITIAL_BALANCE",
		"orders.ttl_seconds":            "ORDER_TTL_SECONDS",
		"orders.fee_cheap":              "PROTOCOL_FEE_CHEAP",
		"orders.fee_best":               "PROTOCOL_FEE_BEST",
		"orders.fee_fastest":            "PROTOCOL_FEE_FASTEST",
		"outbox.poll_interval_ms":       "OUTBOX_POLL_INTERVAL_MS",
		"outbox.max_attempts":           "OUTBOX_MAX_ATTEMPTS",
		"sweeper.sweep_interval_ms":     "EXPIRY_SWEEP_INTERVAL_MS",
		"server.system_secret":          "SYSTEM_SECRET",
	}
	for key, env := range flat {
		v.BindEnv(key, env) //nolint:errcheck // only errors on empty input
	}
}

// decimalDecodeHook lets exact-decimal fields unmarshal from strings and
// numbers.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return decimal.NewFromString(val)
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		case float64:
			return decimal.NewFromFloat(val), nil
		}
		return data, nil
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("orders.ttl_seconds", 1800)
	v.SetDefault("orders.fee_cheap", "1.50")
	v.SetDefault("orders.fee_best", "2.00")
	v.SetDefault("orders.fee_fastest", "2.50")

	v.SetDefault("outbox.poll_interval_ms", 500)
	v.SetDefault("outbox.max_attempts", 3)

	v.SetDefault("sweeper.sweep_interval_ms", 15000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	dbDefaults := relationaldb.NewConfig()
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.database", dbDefaults.Database)
	v.SetDefault("database.username", dbDefaults.Username)
	v.SetDefault("database.ssl_mode", dbDefaults.SSLMode)
	v.SetDefault("database.max_open_conns", dbDefaults.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", dbDefaults.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", dbDefaults.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", dbDefaults.ConnMaxIdleTime)
	v.SetDefault("database.default_timeout", dbDefaults.DefaultTimeout)
	v.SetDefault("database.outbox_max_attempts", dbDefaults.OutboxMaxAttempts)
	v.SetDefault("database.mock_mode", true)
	v.SetDefault("database.mock_initial_balance", "0")
}
