// Package config loads the engine configuration from a TOML file with
// environment overrides for deployment-specific settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/impactmx/impact-engine/internal/model"
	"github.com/impactmx/impact-engine/internal/staking"
)

// Config is the full engine configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Market  MarketConfig  `toml:"market"`
	Staking StakingConfig `toml:"staking"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string `toml:"port"`
	ReadTimeoutSec  int    `toml:"read_timeout_sec" validate:"gt=0"`
	WriteTimeoutSec int    `toml:"write_timeout_sec" validate:"gt=0"`
	IdleTimeoutSec  int    `toml:"idle_timeout_sec" validate:"gt=0"`
}

// StoreConfig selects and configures the persistence backend.
// DatabaseURL wins over SQLitePath; with neither set the engine runs on the
// in-memory store.
type StoreConfig struct {
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`
	SQLitePath  string `toml:"sqlite_path"`
	CacheTTLSec int    `toml:"cache_ttl_sec" validate:"gte=0"`
}

// MarketConfig holds marketplace parameters.
type MarketConfig struct {
	Admin           string `toml:"admin" validate:"required"`
	PlatformAccount string `toml:"platform_account" validate:"required"`
	EscrowAccount   string `toml:"escrow_account" validate:"required"`
	PlatformFeeBps  int64  `toml:"platform_fee_bps" validate:"gte=0,lte=10000"`
	RefundExcess    bool   `toml:"refund_excess"`
}

// StakingConfig holds reward-engine parameters.
type StakingConfig struct {
	PoolAccount      string    `toml:"pool_account" validate:"required"`
	BaseRateBps      int64     `toml:"base_rate_bps" validate:"gte=0"`
	MinLockDays      int64     `toml:"min_lock_days" validate:"gt=0"`
	MaxLockDays      int64     `toml:"max_lock_days" validate:"gt=0"`
	MaxRewardPerFold string    `toml:"max_reward_per_fold"`
	Tiers            []TierRow `toml:"tiers"`
}

// TierRow is one lock-tier table entry in the TOML file.
type TierRow struct {
	ThresholdDays int64  `toml:"threshold_days" validate:"gt=0"`
	Multiplier    string `toml:"multiplier" validate:"required"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeoutSec:  10,
			WriteTimeoutSec: 10,
			IdleTimeoutSec:  60,
		},
		Store: StoreConfig{
			CacheTTLSec: 30,
		},
		Market: MarketConfig{
			Admin:           "admin",
			PlatformAccount: "platform",
			EscrowAccount:   "escrow",
			PlatformFeeBps:  250,
		},
		Staking: StakingConfig{
			PoolAccount: "pool",
			BaseRateBps: 500,
			MinLockDays: 1,
			MaxLockDays: 4 * 365,
			Tiers: []TierRow{
				{ThresholdDays: 30, Multiplier: "1.5"},
				{ThresholdDays: 90, Multiplier: "2"},
				{ThresholdDays: 365, Multiplier: "3"},
			},
		},
	}
}

// Load reads the TOML file at path (skipped when empty), applies environment
// overrides, and validates. Unknown keys in the file are an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
}

// Validate checks field constraints plus the cross-field rules the struct
// tags cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Staking.MaxLockDays < c.Staking.MinLockDays {
		return fmt.Errorf("config: max_lock_days %d below min_lock_days %d",
			c.Staking.MaxLockDays, c.Staking.MinLockDays)
	}
	if c.Staking.MaxRewardPerFold != "" {
		foldCap, err := decimal.NewFromString(c.Staking.MaxRewardPerFold)
		if err != nil || foldCap.IsNegative() {
			return fmt.Errorf("config: invalid max_reward_per_fold %q", c.Staking.MaxRewardPerFold)
		}
	}
	tiers, err := c.tiers()
	if err != nil {
		return err
	}
	if err := staking.ValidateTiers(tiers); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) tiers() ([]model.LockTier, error) {
	tiers := make([]model.LockTier, len(c.Staking.Tiers))
	for i, row := range c.Staking.Tiers {
		mult, err := decimal.NewFromString(row.Multiplier)
		if err != nil {
			return nil, fmt.Errorf("config: tier %d: invalid multiplier %q", i, row.Multiplier)
		}
		tiers[i] = model.LockTier{
			Threshold:  time.Duration(row.ThresholdDays) * 24 * time.Hour,
			Multiplier: mult,
		}
	}
	return tiers, nil
}

// SystemConfig converts the validated file configuration into the initial
// runtime config persisted on first boot.
func (c Config) SystemConfig() (*model.SystemConfig, error) {
	tiers, err := c.tiers()
	if err != nil {
		return nil, err
	}

	foldCap := decimal.Zero
	if c.Staking.MaxRewardPerFold != "" {
		foldCap, err = decimal.NewFromString(c.Staking.MaxRewardPerFold)
		if err != nil {
			return nil, fmt.Errorf("config: invalid max_reward_per_fold %q", c.Staking.MaxRewardPerFold)
		}
	}

	return &model.SystemConfig{
		Admin:            c.Market.Admin,
		PlatformAccount:  c.Market.PlatformAccount,
		EscrowAccount:    c.Market.EscrowAccount,
		PoolAccount:      c.Staking.PoolAccount,
		PlatformFeeBps:   c.Market.PlatformFeeBps,
		BaseRateBps:      c.Staking.BaseRateBps,
		MinLock:          time.Duration(c.Staking.MinLockDays) * 24 * time.Hour,
		MaxLock:          time.Duration(c.Staking.MaxLockDays) * 24 * time.Hour,
		Tiers:            tiers,
		RefundExcess:     c.Market.RefundExcess,
		MaxRewardPerFold: foldCap,
	}, nil
}
