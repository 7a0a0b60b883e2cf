// Package config loads all configuration: the application file (YAML), the
// account list (config/pm_config.json) and per-user strategy files
// (config/strategies/{user_id}/{strategy}.json). Secrets can be overridden
// via BOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"perpbot/pkg/types"
)

// Config is the top-level application configuration.
type Config struct {
	AccountsPath string          `mapstructure:"accounts_path"` // default config/pm_config.json
	StrategyDir  string          `mapstructure:"strategy_dir"`  // default config/strategies
	Database     DatabaseConfig  `mapstructure:"database"`
	Exchange     ExchangeConfig  `mapstructure:"exchange"`
	Logging      LoggingConfig   `mapstructure:"logging"`
	Dashboard    DashboardConfig `mapstructure:"dashboard"`
	Shutdown     ShutdownConfig  `mapstructure:"shutdown"`
}

// DatabaseConfig sets where the SQLite file lives.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ExchangeConfig holds the exchange endpoints. Testnet accounts use the
// testnet pair instead of the main pair.
type ExchangeConfig struct {
	RESTBaseURL        string `mapstructure:"rest_base_url"`
	WSMarketURL        string `mapstructure:"ws_market_url"`
	WSUserURL          string `mapstructure:"ws_user_url"`
	TestnetRESTBaseURL string `mapstructure:"testnet_rest_base_url"`
	TestnetWSMarketURL string `mapstructure:"testnet_ws_market_url"`
	TestnetWSUserURL   string `mapstructure:"testnet_ws_user_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only status API server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ShutdownConfig bounds how long shutdown waits for in-flight work.
type ShutdownConfig struct {
	Grace time.Duration `mapstructure:"grace"`
}

// Load reads the application config from a YAML file with env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("accounts_path", "config/pm_config.json")
	v.SetDefault("strategy_dir", "config/strategies")
	v.SetDefault("database.path", "data/perpbot.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("shutdown.grace", 10*time.Second)
	v.SetDefault("exchange.rest_base_url", "https://fapi.binance.com")
	v.SetDefault("exchange.ws_market_url", "wss://fstream.binance.com/ws")
	v.SetDefault("exchange.ws_user_url", "wss://fstream.binance.com/ws")
	v.SetDefault("exchange.testnet_rest_base_url", "https://testnet.binancefuture.com")
	v.SetDefault("exchange.testnet_ws_market_url", "wss://stream.binancefuture.com/ws")
	v.SetDefault("exchange.testnet_ws_user_url", "wss://stream.binancefuture.com/ws")

	if err := v.ReadInConfig(); err != nil {
		// A missing app config file is fine; defaults cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadAccounts reads the account list. Entries are returned raw so the
// registry can validate each user independently: one malformed user must not
// sink the rest.
func LoadAccounts(path string) (map[string]map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read accounts config: %w", err)
	}

	raw := v.GetStringMap("users")
	if len(raw) == 0 {
		return nil, fmt.Errorf("accounts config %s: missing or empty 'users'", path)
	}

	users := make(map[string]map[string]any, len(raw))
	for id, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			users[id] = nil // registry records the validation failure
			continue
		}
		users[id] = m
	}
	return users, nil
}

// TradingPair binds one symbol to its indicator parameter sets.
type TradingPair struct {
	Symbol          string                    `mapstructure:"symbol" json:"symbol"`
	IndicatorParams map[string]map[string]any `mapstructure:"indicator_params" json:"indicator_params"`
}

// StrategyConfig is one strategy file.
type StrategyConfig struct {
	Timeframe    string           `mapstructure:"timeframe" json:"timeframe"`
	Leverage     int              `mapstructure:"leverage" json:"leverage"`
	PositionSide string           `mapstructure:"position_side" json:"position_side"`
	MarginMode   string           `mapstructure:"margin_mode" json:"margin_mode"`
	MarginType   string           `mapstructure:"margin_type" json:"margin_type"`
	TradingPairs []TradingPair    `mapstructure:"trading_pairs" json:"trading_pairs"`
	GridTrading  types.GridConfig `mapstructure:"grid_trading" json:"grid_trading"`
	Reverse      bool             `mapstructure:"reverse" json:"reverse"`
}

// LoadStrategy reads and validates config/strategies/{userID}/{name}.json.
func LoadStrategy(dir, userID, name string) (*StrategyConfig, error) {
	path := fmt.Sprintf("%s/%s/%s.json", dir, userID, name)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read strategy %s: %w", path, err)
	}

	var cfg StrategyConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal strategy %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks required fields and grid parameter ranges.
func (c *StrategyConfig) Validate() error {
	if c.Timeframe == "" {
		return fmt.Errorf("timeframe is required")
	}
	if c.Leverage <= 0 {
		return fmt.Errorf("leverage must be > 0")
	}
	if c.PositionSide == "" {
		return fmt.Errorf("position_side is required")
	}
	if c.MarginMode == "" {
		return fmt.Errorf("margin_mode is required")
	}
	if c.MarginType == "" {
		return fmt.Errorf("margin_type is required")
	}
	if len(c.TradingPairs) == 0 {
		return fmt.Errorf("trading_pairs must be non-empty")
	}
	for i, pair := range c.TradingPairs {
		if pair.Symbol == "" {
			return fmt.Errorf("trading_pairs[%d]: symbol is required", i)
		}
		if len(pair.IndicatorParams) == 0 {
			return fmt.Errorf("trading_pairs[%d] (%s): indicator_params is required", i, pair.Symbol)
		}
	}

	if g := c.GridTrading; g.Enabled {
		if g.GridType != "normal" && g.GridType != "abnormal" {
			return fmt.Errorf("grid_trading.grid_type must be normal or abnormal, got %q", g.GridType)
		}
		if g.Ratio <= 0 || g.Ratio > 1 {
			return fmt.Errorf("grid_trading.ratio must be in (0,1], got %v", g.Ratio)
		}
		if g.GridLevels <= 0 {
			return fmt.Errorf("grid_trading.grid_levels must be > 0")
		}
		if g.UpperPrice <= 0 || g.LowerPrice <= 0 {
			return fmt.Errorf("grid_trading.upper_price and lower_price are required when grid is enabled")
		}
		if g.UpperPrice <= g.LowerPrice {
			return fmt.Errorf("grid_trading.upper_price must be greater than lower_price")
		}
	}
	return nil
}
