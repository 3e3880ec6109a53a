package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.BettingDuration())
	assert.Equal(t, "down", cfg.Wager.TiePolicy)
	assert.True(t, cfg.Wager.FeeRate.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, int32(2), cfg.Wager.PayoutScale)
	assert.Equal(t, time.Second, cfg.TickInterval())
}

func TestLoad_YAMLValues(t *testing.T) {
	path := writeConfig(t, `
round:
  betting_seconds: 5
  play_seconds: 10
wager:
  fee_rate: 0
  payout_scale: 0
  max_amount: 250.5
  tie_policy: refund
kafka:
  brokers: [a:9092, b:9092]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.BettingDuration())
	assert.Equal(t, 10*time.Second, cfg.PlayDuration())
	assert.True(t, cfg.Wager.FeeRate.IsZero(), "an explicit zero fee is kept")
	assert.Equal(t, int32(0), cfg.Wager.PayoutScale, "whole-unit payouts are kept")
	assert.True(t, cfg.Wager.MaxAmount.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, "refund", cfg.Wager.TiePolicy)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9000\"\n")
	t.Setenv("PORT", "9100")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	for name, body := range map[string]string{
		"fee rate of one":  "wager:\n  fee_rate: 1\n",
		"unknown tie rule": "wager:\n  tie_policy: split\n",
		"negative scale":   "wager:\n  payout_scale: -1\n",
		"demo cap too low": "demo:\n  initial_balance: 500\n  max_balance: 100\n",
		"malformed yaml":   "round: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
