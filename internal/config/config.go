// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/memeflip/flip-engine/internal/payout"
)

// Config holds everything main needs to wire the server. Amounts are in
// the token's smallest unit.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	MinBet        int64 `env:"MIN_BET" envDefault:"1000"`
	MaxBet        int64 `env:"MAX_BET" envDefault:"100000"`
	DailyLimit    int64 `env:"DAILY_LIMIT" envDefault:"500000"`
	MaxDailyFlips int   `env:"MAX_DAILY_FLIPS" envDefault:"0"`
	MinWithdrawal int64 `env:"MIN_WITHDRAWAL" envDefault:"10000"`

	HouseFeeBPS int64 `env:"HOUSE_FEE_BPS" envDefault:"500"`
	BurnBPS     int64 `env:"BURN_BPS" envDefault:"500"`

	RevealWindow    time.Duration `env:"REVEAL_WINDOW" envDefault:"5m"`
	BalanceCacheTTL time.Duration `env:"BALANCE_CACHE_TTL" envDefault:"30s"`

	// RequireTokenBalance makes each wager need matching on-chain holdings.
	// Needs REDIS_URL, where the indexer writes balance snapshots.
	RequireTokenBalance bool `env:"REQUIRE_TOKEN_BALANCE" envDefault:"false"`
}

// Load reads an optional .env file and then the environment. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment without touching .env.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MinBet <= 0 {
		errs = append(errs, fmt.Errorf("MIN_BET must be positive, got %d", c.MinBet))
	}
	if c.MaxBet < c.MinBet {
		errs = append(errs, fmt.Errorf("MAX_BET %d is below MIN_BET %d", c.MaxBet, c.MinBet))
	}
	if c.DailyLimit < c.MaxBet {
		errs = append(errs, fmt.Errorf("DAILY_LIMIT %d is below MAX_BET %d", c.DailyLimit, c.MaxBet))
	}
	if c.MaxDailyFlips < 0 {
		errs = append(errs, fmt.Errorf("MAX_DAILY_FLIPS must not be negative, got %d", c.MaxDailyFlips))
	}
	if c.MinWithdrawal <= 0 {
		errs = append(errs, fmt.Errorf("MIN_WITHDRAWAL must be positive, got %d", c.MinWithdrawal))
	}
	if _, err := payout.NewCalculator(c.HouseFeeBPS, c.BurnBPS); err != nil {
		errs = append(errs, fmt.Errorf("HOUSE_FEE_BPS/BURN_BPS: %w", err))
	}
	if c.RevealWindow <= 0 {
		errs = append(errs, fmt.Errorf("REVEAL_WINDOW must be positive, got %s", c.RevealWindow))
	}
	if c.RequireTokenBalance && c.RedisURL == "" {
		errs = append(errs, errors.New("REQUIRE_TOKEN_BALANCE needs REDIS_URL"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func (c Config) MinBetAmount() decimal.Decimal        { return decimal.NewFromInt(c.MinBet) }
func (c Config) MaxBetAmount() decimal.Decimal        { return decimal.NewFromInt(c.MaxBet) }
func (c Config) DailyLimitAmount() decimal.Decimal    { return decimal.NewFromInt(c.DailyLimit) }
func (c Config) MinWithdrawalAmount() decimal.Decimal { return decimal.NewFromInt(c.MinWithdrawal) }
