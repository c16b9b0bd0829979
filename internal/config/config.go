// Package config loads runtime configuration from environment variables and
// an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"agrimarket/internal/core/calendar"
	"agrimarket/internal/domain/reservation"
)

// Config holds all runtime configuration. Every field maps 1:1 to an env var.
type Config struct {
	// Server
	Env      string `mapstructure:"APP_ENV"` // development | production
	Port     int    `mapstructure:"APP_PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Storage. An empty DATABASE_URL runs on the in-memory store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	// Optional. Without it every worker replica runs every job.
	RedisURL string `mapstructure:"REDIS_URL"`

	// Business calendar
	CalendarOffset string `mapstructure:"CALENDAR_TZ_OFFSET"`

	// Checkout holds
	HoldWindow         time.Duration `mapstructure:"HOLD_WINDOW"`
	HoldCooldown       time.Duration `mapstructure:"HOLD_COOLDOWN"`
	HoldDailyLimit     int           `mapstructure:"HOLD_DAILY_LIMIT"`
	HoldFairShare      string        `mapstructure:"HOLD_FAIR_SHARE"`
	NearExpiryDays     int           `mapstructure:"NEAR_EXPIRY_DAYS"`
	NearExpiryDiscount string        `mapstructure:"NEAR_EXPIRY_DISCOUNT"`

	// Replay window for X-Idempotency-Key
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	// Worker
	SweepHour         int           `mapstructure:"SWEEP_HOUR"`
	HoldPurgeInterval time.Duration `mapstructure:"HOLD_PURGE_INTERVAL"`
}

var defaults = map[string]any{
	"APP_ENV":              "development",
	"APP_PORT":             8080,
	"LOG_LEVEL":            "info",
	"DATABASE_URL":         "",
	"DB_MAX_CONNS":         20,
	"REDIS_URL":            "",
	"CALENDAR_TZ_OFFSET":   "+09:00",
	"HOLD_WINDOW":          "10m",
	"HOLD_COOLDOWN":        "30m",
	"HOLD_DAILY_LIMIT":     5,
	"HOLD_FAIR_SHARE":      "0.5",
	"NEAR_EXPIRY_DAYS":     2,
	"NEAR_EXPIRY_DISCOUNT": "0.3",
	"IDEMPOTENCY_TTL":      "24h",
	"SWEEP_HOUR":           0,
	"HOLD_PURGE_INTERVAL":  "1h",
}

// Load reads configuration from environment variables (and optional .env file).
func Load() (*Config, error) {
	return load(viper.New(), true)
}

func load(v *viper.Viper, readFile bool) (*Config, error) {
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if readFile {
		// Optional .env file for local development; missing is fine.
		_ = v.ReadInConfig()
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := calendar.ParseOffset(c.CalendarOffset); err != nil {
		return fmt.Errorf("CALENDAR_TZ_OFFSET: %w", err)
	}
	if c.SweepHour < 0 || c.SweepHour > 23 {
		return fmt.Errorf("SWEEP_HOUR must be in 0..23, got %d", c.SweepHour)
	}
	if c.HoldPurgeInterval <= 0 {
		return fmt.Errorf("HOLD_PURGE_INTERVAL must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	if _, err := c.ReservationPolicy(); err != nil {
		return err
	}
	return nil
}

// IsDevelopment reports whether APP_ENV selects development logging.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

// Calendar builds the business calendar.
func (c *Config) Calendar() (*calendar.Calendar, error) {
	return calendar.New(c.CalendarOffset)
}

// ReservationPolicy builds the hold limits.
func (c *Config) ReservationPolicy() (reservation.Policy, error) {
	share, err := decimal.NewFromString(c.HoldFairShare)
	if err != nil {
		return reservation.Policy{}, fmt.Errorf("HOLD_FAIR_SHARE: %w", err)
	}
	discount, err := decimal.NewFromString(c.NearExpiryDiscount)
	if err != nil {
		return reservation.Policy{}, fmt.Errorf("NEAR_EXPIRY_DISCOUNT: %w", err)
	}
	p := reservation.Policy{
		HoldWindow:         c.HoldWindow,
		CooldownWindow:     c.HoldCooldown,
		DailyLimit:         c.HoldDailyLimit,
		FairShare:          share,
		NearExpiryDays:     c.NearExpiryDays,
		NearExpiryDiscount: discount,
	}
	if err := p.Validate(); err != nil {
		return reservation.Policy{}, fmt.Errorf("reservation policy: %w", err)
	}
	return p, nil
}
