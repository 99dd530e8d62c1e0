// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config holds every setting read at startup. Storage is chosen by which
// URLs are set: DATABASE_URL selects PostgreSQL, else REDIS_URL selects the
// Redis aggregate store, else everything stays in memory.
type Config struct {
	Port             string `env:"PORT" envDefault:"8080"`
	DatabaseURL      string `env:"DATABASE_URL"`
	RedisURL         string `env:"REDIS_URL"`
	TradeJournalPath string `env:"TRADE_JOURNAL_PATH"`

	StartingCash decimal.Decimal `env:"LEDGER_STARTING_CASH" envDefault:"1000000"`
	MaxCash      decimal.Decimal `env:"LEDGER_MAX_CASH" envDefault:"1000000000"`
	MaxRetries   int             `env:"LEDGER_MAX_RETRIES" envDefault:"8"`
	HistoryCap   int             `env:"LEDGER_HISTORY_CAP" envDefault:"500"`
	ForceOCC     bool            `env:"LEDGER_FORCE_OCC" envDefault:"false"`

	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	LogLevel string        `env:"LOG_LEVEL" envDefault:"info"`
	Currency string        `env:"CURRENCY" envDefault:"INR"`
}

// Load reads the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFrom reads configuration from environ instead of the process
// environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints the tags cannot express.
func (c *Config) Validate() error {
	if !c.StartingCash.IsPositive() {
		return fmt.Errorf("config: LEDGER_STARTING_CASH must be > 0, got %s", c.StartingCash)
	}
	if c.MaxCash.LessThan(c.StartingCash) {
		return fmt.Errorf("config: LEDGER_MAX_CASH %s is below LEDGER_STARTING_CASH %s", c.MaxCash, c.StartingCash)
	}
	if c.MaxRetries < 1 || c.MaxRetries > 64 {
		return fmt.Errorf("config: LEDGER_MAX_RETRIES must be in 1..64, got %d", c.MaxRetries)
	}
	if c.HistoryCap < 1 {
		return fmt.Errorf("config: LEDGER_HISTORY_CAP must be >= 1, got %d", c.HistoryCap)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("config: CURRENCY must be an ISO 4217 code, got %q", c.Currency)
	}
	return nil
}
