// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SieveConfig holds the tunable decision-worthiness thresholds. They are
// configuration, not contract: changing them changes verdicts, but the sieve
// stays total and deterministic for a fixed config.
type SieveConfig struct {
	MinDiffLines  int `mapstructure:"SIEVE_MIN_DIFF_LINES"`
	MinBodyLength int `mapstructure:"SIEVE_MIN_BODY_LENGTH"`
	MaxPatchBytes int `mapstructure:"SIEVE_MAX_PATCH_BYTES"`
}

// GovernorConfig bounds paid extraction per repository over a trailing window.
type GovernorConfig struct {
	Window   time.Duration `mapstructure:"EXTRACTION_WINDOW"`
	MaxCost  float64       `mapstructure:"EXTRACTION_MAX_COST"`
	MaxCalls int64         `mapstructure:"EXTRACTION_MAX_CALLS"`
}

// Config holds all configuration for the application.
type Config struct {
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DBURL           string        `mapstructure:"DB_URL"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR"`
	GithubToken     string        `mapstructure:"GITHUB_TOKEN"`
	AnthropicAPIKey string        `mapstructure:"ANTHROPIC_API_KEY"`
	ExtractionModel string        `mapstructure:"EXTRACTION_MODEL"`
	SyncInterval    time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncLookback    int           `mapstructure:"SYNC_LOOKBACK_DAYS"`
	CursorOverlap   time.Duration `mapstructure:"CURSOR_OVERLAP"`
	SyncStuckAfter  time.Duration `mapstructure:"SYNC_STUCK_AFTER"`
	SyncMaxPages    int           `mapstructure:"SYNC_MAX_PAGES"`
	Sieve           SieveConfig   `mapstructure:",squash"`
	Governor        GovernorConfig `mapstructure:",squash"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("SYNC_INTERVAL", "1h")
	viper.SetDefault("SYNC_LOOKBACK_DAYS", 90)
	viper.SetDefault("CURSOR_OVERLAP", "120m")
	viper.SetDefault("SYNC_STUCK_AFTER", "30m")
	viper.SetDefault("SYNC_MAX_PAGES", 10)
	viper.SetDefault("EXTRACTION_MODEL", "claude-3-5-haiku-latest")
	viper.SetDefault("EXTRACTION_WINDOW", "24h")
	viper.SetDefault("EXTRACTION_MAX_COST", 5.0)
	viper.SetDefault("EXTRACTION_MAX_CALLS", 200)
	viper.SetDefault("SIEVE_MIN_DIFF_LINES", 10)
	viper.SetDefault("SIEVE_MIN_BODY_LENGTH", 40)
	viper.SetDefault("SIEVE_MAX_PATCH_BYTES", 65536)

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if cfg.AnthropicAPIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is a required configuration field")
	}
	if cfg.SyncLookback <= 0 {
		return nil, errors.New("SYNC_LOOKBACK_DAYS must be positive")
	}
	if cfg.Governor.MaxCost <= 0 {
		return nil, errors.New("EXTRACTION_MAX_COST must be positive")
	}

	return &cfg, nil
}
