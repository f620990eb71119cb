// Package config defines all configuration for the liquidation executor.
// Config is loaded from a YAML file (the path passed to Load) with
// sensitive fields overridable via EXEC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Risk      RiskConfig      `mapstructure:"risk"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ExchangeConfig holds Binance USDT-M Futures endpoints and API credentials.
type ExchangeConfig struct {
	RESTBaseURL   string   `mapstructure:"rest_base_url"`
	WSMarketURL   string   `mapstructure:"ws_market_url"`
	WSUserURL     string   `mapstructure:"ws_user_url"`
	APIKey        string   `mapstructure:"api_key"`
	APISecret     string   `mapstructure:"api_secret"`
	Symbols       []string `mapstructure:"symbols"`
	RecvWindowMs  int64    `mapstructure:"recv_window_ms"`
	ListenKeyMins int      `mapstructure:"listen_key_renew_minutes"`

	SubmitTimeoutMs   int64 `mapstructure:"submit_timeout_ms"`
	CancelTimeoutMs   int64 `mapstructure:"cancel_timeout_ms"`
	VerifyTimeoutMs   int64 `mapstructure:"verify_timeout_ms"`
	ListenKeyTimeoutMs int64 `mapstructure:"listen_key_timeout_ms"`

	InitialReconnectDelayMs int64 `mapstructure:"initial_reconnect_delay_ms"`
	MaxReconnectDelayMs     int64 `mapstructure:"max_reconnect_delay_ms"`
}

// ExecutionConfig parameterizes the per-side order-lifecycle state machine
// (internal/execution.Config maps onto this one-for-one at wiring time).
type ExecutionConfig struct {
	BaseLotMult      string `mapstructure:"base_lot_mult"`
	MaxMult          string `mapstructure:"max_mult"`
	MaxOrderNotional string `mapstructure:"max_order_notional"`

	OrderTTLMillis       int64 `mapstructure:"order_ttl_ms"`
	CancelTimeoutMillis  int64 `mapstructure:"cancel_timeout_ms"`
	RepostCooldownMillis int64 `mapstructure:"repost_cooldown_ms"`

	MakerSafetyTicks int64  `mapstructure:"maker_safety_ticks"`
	PricingStyle     string `mapstructure:"pricing_style"`
	CustomTicks      int64  `mapstructure:"custom_ticks"`

	BaseMakerTimeoutsToEscalate int `mapstructure:"base_maker_timeouts_to_escalate"`
	AggrFillsToDeescalate       int `mapstructure:"aggr_fills_to_deescalate"`
	AggrTimeoutsToDeescalate    int `mapstructure:"aggr_timeouts_to_deescalate"`

	ClientIDPrefix string `mapstructure:"client_id_prefix"`
}

// AccelTierConfig and ROITierConfig mirror internal/signal's tier tables.
type AccelTierConfig struct {
	Ret  string `mapstructure:"ret"`
	Mult string `mapstructure:"mult"`
}

type ROITierConfig struct {
	ROI  string `mapstructure:"roi"`
	Mult string `mapstructure:"mult"`
}

// SignalConfig parameterizes the exit-condition engine.
type SignalConfig struct {
	StaleDataMillis     int64             `mapstructure:"stale_data_ms"`
	MinSignalIntervalMs int64             `mapstructure:"min_signal_interval_ms"`
	AccelWindowMillis   int64             `mapstructure:"accel_window_ms"`
	AccelTiers          []AccelTierConfig `mapstructure:"accel_tiers"`
	ROITiers            []ROITierConfig   `mapstructure:"roi_tiers"`
}

// PanicTierConfig mirrors internal/risk.PanicTier.
type PanicTierConfig struct {
	Distance                string `mapstructure:"distance"`
	SliceRatio              string `mapstructure:"slice_ratio"`
	TTLPercent              string `mapstructure:"ttl_percent"`
	MakerTimeoutsToEscalate int    `mapstructure:"maker_timeouts_to_escalate"`
}

// RiskConfig parameterizes the three-tier risk supervisor.
type RiskConfig struct {
	LiqDistanceThreshold string            `mapstructure:"liq_distance_threshold"`
	Hysteresis           string            `mapstructure:"hysteresis"`
	PanicCloseTiers      []PanicTierConfig `mapstructure:"panic_close_tiers"`

	ProtectiveStopDistToLiq      string `mapstructure:"protective_stop_dist_to_liq"`
	ProtectiveStopClientIDPrefix string `mapstructure:"protective_stop_client_id_prefix"`
	ExternalConflictTolerance   string `mapstructure:"external_conflict_tolerance"`
}

// RateLimitConfig sets the in-process submit/cancel admission budgets.
type RateLimitConfig struct {
	MaxSubmitsPerSec int `mapstructure:"max_submits_per_sec"`
	MaxCancelsPerSec int `mapstructure:"max_cancels_per_sec"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus /metrics HTTP surface.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: EXEC_API_KEY, EXEC_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("EXEC_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("EXEC_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if os.Getenv("EXEC_DRY_RUN") == "true" || os.Getenv("EXEC_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set EXEC_API_KEY)")
	}
	if c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange.api_secret is required (set EXEC_API_SECRET)")
	}
	if len(c.Exchange.Symbols) == 0 {
		return fmt.Errorf("exchange.symbols must list at least one symbol")
	}
	if c.Execution.OrderTTLMillis <= 0 {
		return fmt.Errorf("execution.order_ttl_ms must be > 0")
	}
	if c.Execution.BaseMakerTimeoutsToEscalate <= 0 {
		return fmt.Errorf("execution.base_maker_timeouts_to_escalate must be > 0")
	}
	if c.RateLimit.MaxSubmitsPerSec <= 0 {
		return fmt.Errorf("rate_limit.max_submits_per_sec must be > 0")
	}
	if len(c.Risk.PanicCloseTiers) == 0 {
		return fmt.Errorf("risk.panic_close_tiers must list at least one tier")
	}
	return nil
}

// DefaultTimeout returns ms milliseconds as a time.Duration, applying the §5
// fallback when a config field was left at zero or set negative.
func DefaultTimeout(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
