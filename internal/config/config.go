package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Backtest BacktestConfig `mapstructure:"backtest"`
	Subgraph SubgraphConfig `mapstructure:"subgraph"`
	Server   ServerConfig   `mapstructure:"server"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BacktestConfig holds the sampling grid and financial parameters
type BacktestConfig struct {
	Provider             string  `mapstructure:"provider"`
	Period               int64   `mapstructure:"period"`        // blocks between samples; 68 is about 15 minutes
	SegmentsBack         int64   `mapstructure:"segments_back"` // blocks to look back from end_block
	EndBlock             int64   `mapstructure:"end_block"`     // 0 = latest indexed block
	LiquidationIncentive float64 `mapstructure:"liquidation_incentive"`
	CollateralFactor     float64 `mapstructure:"collateral_factor"`
	SlippageDivisor      float64 `mapstructure:"slippage_divisor"`
	Concurrency          int     `mapstructure:"concurrency"`
}

// SubgraphConfig holds GraphQL endpoints and client tuning
type SubgraphConfig struct {
	Providers         map[string]string `mapstructure:"providers"` // provider name -> subgraph URL
	ETHPriceProvider  string            `mapstructure:"eth_price_provider"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	MaxRetries        int               `mapstructure:"max_retries"`
	RetryDelayBase    time.Duration     `mapstructure:"retry_delay_base"`
	BatchSize         int               `mapstructure:"batch_size"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	CacheMaxAge  time.Duration `mapstructure:"cache_max_age"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath     string `mapstructure:"db_path"`
	MaxReports int    `mapstructure:"max_reports"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional .env file, the config file and
// environment variables. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	setDefaults(v)

	// TOKENDOWN_BACKTEST_PROVIDER overrides backtest.provider
	v.SetEnvPrefix("TOKENDOWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Backtest defaults
	v.SetDefault("backtest.provider", "sushiswap")
	v.SetDefault("backtest.period", 68)
	v.SetDefault("backtest.segments_back", 6500)
	v.SetDefault("backtest.end_block", 14077409)
	v.SetDefault("backtest.liquidation_incentive", 0.15)
	v.SetDefault("backtest.collateral_factor", 0.75)
	v.SetDefault("backtest.slippage_divisor", 8.0)
	v.SetDefault("backtest.concurrency", 4)

	// Subgraph defaults
	v.SetDefault("subgraph.providers", map[string]string{
		"sushiswap": "https://api.thegraph.com/subgraphs/name/sushiswap/exchange",
		"uniswap":   "https://api.thegraph.com/subgraphs/name/uniswap/uniswap-v2",
	})
	v.SetDefault("subgraph.eth_price_provider", "uniswap")
	v.SetDefault("subgraph.timeout", "30s")
	v.SetDefault("subgraph.max_retries", 3)
	v.SetDefault("subgraph.retry_delay_base", "1s")
	v.SetDefault("subgraph.batch_size", 100)
	v.SetDefault("subgraph.requests_per_second", 5.0)

	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cache_max_age", "720h") // 30 days
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "5m")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/tokendown.db")
	v.SetDefault("storage.max_reports", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Backtest config
	if c.Backtest.Provider == "" {
		return fmt.Errorf("backtest.provider is required")
	}
	if _, ok := c.Subgraph.Providers[c.Backtest.Provider]; !ok {
		return fmt.Errorf("backtest.provider %q has no subgraph.providers entry", c.Backtest.Provider)
	}
	if c.Backtest.Period < 1 {
		return fmt.Errorf("backtest.period must be at least 1")
	}
	if c.Backtest.SegmentsBack < c.Backtest.Period {
		return fmt.Errorf("backtest.segments_back must be at least backtest.period")
	}
	if c.Backtest.EndBlock < 0 {
		return fmt.Errorf("backtest.end_block must not be negative")
	}
	if c.Backtest.EndBlock > 0 && c.Backtest.SegmentsBack >= c.Backtest.EndBlock {
		return fmt.Errorf("backtest.segments_back must be below backtest.end_block")
	}
	if c.Backtest.LiquidationIncentive <= 0 || c.Backtest.LiquidationIncentive >= 1 {
		return fmt.Errorf("backtest.liquidation_incentive must be between 0 and 1 (exclusive)")
	}
	if c.Backtest.CollateralFactor <= 0 || c.Backtest.CollateralFactor >= 1 {
		return fmt.Errorf("backtest.collateral_factor must be between 0 and 1 (exclusive)")
	}
	if c.Backtest.SlippageDivisor <= 0 {
		return fmt.Errorf("backtest.slippage_divisor must be positive")
	}
	if c.Backtest.Concurrency < 1 {
		return fmt.Errorf("backtest.concurrency must be at least 1")
	}

	// Validate Subgraph config
	if len(c.Subgraph.Providers) == 0 {
		return fmt.Errorf("subgraph.providers must contain at least one provider")
	}
	for name, url := range c.Subgraph.Providers {
		if url == "" {
			return fmt.Errorf("subgraph.providers.%s must not be empty", name)
		}
	}
	if _, ok := c.Subgraph.Providers[c.Subgraph.ETHPriceProvider]; !ok {
		return fmt.Errorf("subgraph.eth_price_provider %q has no subgraph.providers entry", c.Subgraph.ETHPriceProvider)
	}
	if c.Subgraph.Timeout < time.Second {
		return fmt.Errorf("subgraph.timeout must be at least 1 second")
	}
	if c.Subgraph.MaxRetries < 1 {
		return fmt.Errorf("subgraph.max_retries must be at least 1")
	}
	if c.Subgraph.BatchSize < 1 || c.Subgraph.BatchSize > 1000 {
		return fmt.Errorf("subgraph.batch_size must be between 1 and 1000")
	}
	if c.Subgraph.RequestsPerSecond < 0 {
		return fmt.Errorf("subgraph.requests_per_second must not be negative")
	}

	// Validate Server config
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.CacheMaxAge < 0 {
		return fmt.Errorf("server.cache_max_age must not be negative")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Storage config
	if c.Storage.MaxReports < 1 {
		return fmt.Errorf("storage.max_reports must be at least 1")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
