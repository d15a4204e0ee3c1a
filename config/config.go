/*
Package config loads engine configuration from TOML.

PURPOSE:
  One place for every tunable: loyalty rates, stock defaults, coupon
  code shape, coordinator retry bounds, alert dedupe window, and server
  wiring. Defaults are production-sane; a config file overrides only
  what it names.

USAGE:
  cfg := config.Default()
  if path != "" {
      cfg, err = config.Load(path)
  }
*/
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full engine configuration.
type Config struct {
	Server      Server      `toml:"server"`
	Coordinator Coordinator `toml:"coordinator"`
	Alerts      Alerts      `toml:"alerts"`
	Stock       Stock       `toml:"stock"`
	Loyalty     Loyalty     `toml:"loyalty"`
	Coupon      Coupon      `toml:"coupon"`
}

type Server struct {
	Addr   string `toml:"addr"`
	DBPath string `toml:"db_path"`
}

type Coordinator struct {
	MaxRetries  int      `toml:"max_retries"`
	BackoffBase duration `toml:"backoff_base"`
}

type Alerts struct {
	QueueSize    int      `toml:"queue_size"`
	DedupeWindow duration `toml:"dedupe_window"`
}

type Stock struct {
	DefaultRestockThreshold int64 `toml:"default_restock_threshold"`
}

type Loyalty struct {
	WelcomeBonus     int64 `toml:"welcome_bonus"`
	MinRedeemPoints  int64 `toml:"min_redeem_points"`
	MaxRedeemPercent int64 `toml:"max_redeem_percent"`
	RedeemRate       int64 `toml:"redeem_rate"`
	PointsPerAmount  int64 `toml:"points_per_amount"`
	MilestoneStep    int64 `toml:"milestone_step"`
}

type Coupon struct {
	CodeLength       int      `toml:"code_length"`
	MaxCodeAttempts  int      `toml:"max_code_attempts"`
	ExpirySweepEvery duration `toml:"expiry_sweep_every"`
	ExpiryNoticeLead duration `toml:"expiry_notice_lead"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:   ":8080",
			DBPath: "ledger.db",
		},
		Coordinator: Coordinator{
			MaxRetries:  5,
			BackoffBase: duration{5 * time.Millisecond},
		},
		Alerts: Alerts{
			QueueSize:    256,
			DedupeWindow: duration{24 * time.Hour},
		},
		Stock: Stock{
			DefaultRestockThreshold: 5,
		},
		Loyalty: Loyalty{
			WelcomeBonus:     0,
			MinRedeemPoints:  100,
			MaxRedeemPercent: 50,
			RedeemRate:       2,
			PointsPerAmount:  50,
			MilestoneStep:    1000,
		},
		Coupon: Coupon{
			CodeLength:       8,
			MaxCodeAttempts:  5,
			ExpirySweepEvery: duration{1 * time.Hour},
			ExpiryNoticeLead: duration{48 * time.Hour},
		},
	}
}

// Load reads a TOML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// duration wraps time.Duration so TOML can carry "30s" / "24h" strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
