package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hedgesys/sentinel/pkg/types"
)

// Config is the whole process configuration.
type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	HTTPListen string           `mapstructure:"http_listen"`
	NATSURL    string           `mapstructure:"nats_url"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Forecast   ForecastConfig   `mapstructure:"forecast"`
	LossMin    LossMinConfig    `mapstructure:"loss_minimization"`
	Emergency  EmergencyConfig  `mapstructure:"emergency"`
	Broker     BrokerConfig     `mapstructure:"broker"`
}

// MonitoringConfig drives the per-account polling loop.
type MonitoringConfig struct {
	PollingIntervalMs  int                `mapstructure:"polling_interval_ms"`
	WarningThreshold   float64            `mapstructure:"warning_threshold"`
	DangerThreshold    float64            `mapstructure:"danger_threshold"`
	CriticalThreshold  float64            `mapstructure:"critical_threshold"`
	DefaultLossCut     float64            `mapstructure:"default_loss_cut"`
	LossCutByBroker    map[string]float64 `mapstructure:"loss_cut_by_broker"`
	RapidChangePercent float64            `mapstructure:"rapid_change_percent"`
}

// PollingInterval converts the configured milliseconds to a duration.
func (m MonitoringConfig) PollingInterval() time.Duration {
	return time.Duration(m.PollingIntervalMs) * time.Millisecond
}

// LossCutFor returns the loss-cut level for a broker, falling back to
// the default.
func (m MonitoringConfig) LossCutFor(broker string) float64 {
	if lvl, ok := m.LossCutByBroker[broker]; ok {
		return lvl
	}
	return m.DefaultLossCut
}

// ForecastConfig tunes the forecaster.
type ForecastConfig struct {
	RecomputeIntervalMs int     `mapstructure:"recompute_interval_ms"`
	TargetMarginLevel   float64 `mapstructure:"target_margin_level"`
	CountdownConfidence float64 `mapstructure:"countdown_confidence"`
}

// LossMinConfig carries the loss minimization preferences.
type LossMinConfig struct {
	MaxLossPercentage          float64 `mapstructure:"max_loss_percentage"`
	PreferPartialClose         bool    `mapstructure:"prefer_partial_close"`
	EnableHedging              bool    `mapstructure:"enable_hedging"`
	HedgeRatio                 float64 `mapstructure:"hedge_ratio"`
	PrioritizeMarginEfficiency bool    `mapstructure:"prioritize_margin_efficiency"`
}

// EmergencyConfig shapes emergency mode behavior.
type EmergencyConfig struct {
	SuspendedOperations   map[string][]string `mapstructure:"suspended_operations"`
	AllowedOperations     map[string][]string `mapstructure:"allowed_operations"`
	AutoRecoveryEnabled   bool                `mapstructure:"auto_recovery_enabled"`
	AutoRecoveryTimeoutMs int                 `mapstructure:"auto_recovery_timeout_ms"`
	ReserveAccount        string              `mapstructure:"reserve_account"`
}

// AutoRecoveryTimeout converts the configured milliseconds to a duration.
func (e EmergencyConfig) AutoRecoveryTimeout() time.Duration {
	return time.Duration(e.AutoRecoveryTimeoutMs) * time.Millisecond
}

// SuspendedByLevel remaps the string-keyed config onto emergency levels.
func (e EmergencyConfig) SuspendedByLevel() map[types.EmergencyLevel][]string {
	return opsByLevel(e.SuspendedOperations)
}

// AllowedByLevel remaps the string-keyed config onto emergency levels.
func (e EmergencyConfig) AllowedByLevel() map[types.EmergencyLevel][]string {
	return opsByLevel(e.AllowedOperations)
}

func opsByLevel(m map[string][]string) map[types.EmergencyLevel][]string {
	out := make(map[types.EmergencyLevel][]string, len(m))
	for level, ops := range m {
		out[types.EmergencyLevel(level)] = append([]string(nil), ops...)
	}
	return out
}

// BrokerConfig selects and credentials the command channel.
type BrokerConfig struct {
	Mode      string `mapstructure:"mode"` // sim or binance
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Load reads configuration from the given file (optional) plus
// SENTINEL_* environment overrides, on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Monitoring.PollingIntervalMs <= 0 {
		return fmt.Errorf("polling interval must be positive, got %d", c.Monitoring.PollingIntervalMs)
	}
	if c.Monitoring.WarningThreshold <= c.Monitoring.DangerThreshold ||
		c.Monitoring.DangerThreshold <= c.Monitoring.CriticalThreshold {
		return fmt.Errorf("thresholds must descend warning > danger > critical, got %.0f/%.0f/%.0f",
			c.Monitoring.WarningThreshold, c.Monitoring.DangerThreshold, c.Monitoring.CriticalThreshold)
	}
	if c.Monitoring.DefaultLossCut <= 0 || c.Monitoring.DefaultLossCut >= c.Monitoring.CriticalThreshold {
		return fmt.Errorf("loss cut %.0f must sit below the critical threshold", c.Monitoring.DefaultLossCut)
	}
	if c.LossMin.HedgeRatio < 0 || c.LossMin.HedgeRatio > 1 {
		return fmt.Errorf("hedge ratio %.2f out of [0,1]", c.LossMin.HedgeRatio)
	}
	if c.Broker.Mode != "sim" && c.Broker.Mode != "binance" {
		return fmt.Errorf("unknown broker mode %q", c.Broker.Mode)
	}
	if c.Broker.Mode == "binance" && (c.Broker.APIKey == "" || c.Broker.SecretKey == "") {
		return fmt.Errorf("binance broker mode requires api_key and secret_key")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_listen", ":8090")
	v.SetDefault("nats_url", "")

	v.SetDefault("monitoring.polling_interval_ms", 1000)
	v.SetDefault("monitoring.warning_threshold", 200.0)
	v.SetDefault("monitoring.danger_threshold", 150.0)
	v.SetDefault("monitoring.critical_threshold", 100.0)
	v.SetDefault("monitoring.default_loss_cut", 50.0)
	v.SetDefault("monitoring.rapid_change_percent", 5.0)

	v.SetDefault("forecast.recompute_interval_ms", 30000)
	v.SetDefault("forecast.target_margin_level", 200.0)
	v.SetDefault("forecast.countdown_confidence", 0.7)

	v.SetDefault("loss_minimization.max_loss_percentage", 30.0)
	v.SetDefault("loss_minimization.prefer_partial_close", true)
	v.SetDefault("loss_minimization.enable_hedging", true)
	v.SetDefault("loss_minimization.hedge_ratio", 0.5)
	v.SetDefault("loss_minimization.prioritize_margin_efficiency", false)

	v.SetDefault("emergency.auto_recovery_enabled", true)
	v.SetDefault("emergency.auto_recovery_timeout_ms", 1800000)
	v.SetDefault("emergency.suspended_operations", map[string][]string{
		"low":      {"new_position"},
		"medium":   {"new_position", "position_increase"},
		"high":     {"new_position", "position_increase", "withdrawal"},
		"critical": {"new_position", "position_increase", "withdrawal", "manual_trading"},
	})
	v.SetDefault("emergency.allowed_operations", map[string][]string{
		"low":      {"position_close", "hedge_open", "deposit", "withdrawal", "manual_trading"},
		"medium":   {"position_close", "hedge_open", "deposit", "manual_trading"},
		"high":     {"position_close", "hedge_open", "deposit"},
		"critical": {"position_close", "hedge_open", "deposit"},
	})

	v.SetDefault("broker.mode", "sim")
}
