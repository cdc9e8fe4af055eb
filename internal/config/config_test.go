package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgesys/sentinel/pkg/types"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Second, cfg.Monitoring.PollingInterval())
	assert.Equal(t, 200.0, cfg.Monitoring.WarningThreshold)
	assert.Equal(t, 50.0, cfg.Monitoring.DefaultLossCut)
	assert.Equal(t, "sim", cfg.Broker.Mode)
	assert.True(t, cfg.LossMin.PreferPartialClose)
	assert.Equal(t, 30*time.Minute, cfg.Emergency.AutoRecoveryTimeout())
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.yaml")
	content := `
monitoring:
  polling_interval_ms: 2000
  default_loss_cut: 20
  loss_cut_by_broker:
    alpha: 30
loss_minimization:
  hedge_ratio: 0.8
broker:
  mode: sim
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Monitoring.PollingInterval())
	assert.Equal(t, 30.0, cfg.Monitoring.LossCutFor("alpha"))
	assert.Equal(t, 20.0, cfg.Monitoring.LossCutFor("unknown"))
	assert.Equal(t, 0.8, cfg.LossMin.HedgeRatio)
}

func TestLoad_InvalidRejected(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name    string
		content string
	}{
		{"inverted thresholds", "monitoring:\n  warning_threshold: 100\n  danger_threshold: 150\n"},
		{"loss cut above critical", "monitoring:\n  default_loss_cut: 120\n"},
		{"bad hedge ratio", "loss_minimization:\n  hedge_ratio: 1.5\n"},
		{"unknown broker mode", "broker:\n  mode: carrier_pigeon\n"},
		{"binance without keys", "broker:\n  mode: binance\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestEmergencyConfig_OpsByLevel(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	suspended := cfg.Emergency.SuspendedByLevel()
	assert.Contains(t, suspended[types.EmergencyLevelCritical], "manual_trading")
	assert.NotContains(t, suspended[types.EmergencyLevelLow], "withdrawal")

	allowed := cfg.Emergency.AllowedByLevel()
	assert.Contains(t, allowed[types.EmergencyLevelCritical], "position_close")
}
