package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
instruments:
  - symbol: BTCUSDT
risk:
  order_timeout: 3s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bybit", cfg.Exchange.Name)
	assert.Equal(t, "15", cfg.Instruments[0].Interval)
	assert.Equal(t, 500, cfg.Instruments[0].History)
	assert.Equal(t, 1.0, cfg.Risk.MaxRiskPercent)
	assert.Equal(t, 3*time.Second, cfg.Risk.OrderTimeout)
	assert.Equal(t, []string{"ema_slope"}, cfg.Predictor.Kinds)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "snr.db", cfg.Storage.Path)

	sc := cfg.SessionConfig()
	assert.Equal(t, 2000, sc.MaxCandles)
	assert.Equal(t, 10, sc.Horizon)
	assert.Equal(t, "bybit", sc.Strategy.Exchange)
	assert.Equal(t, 1.5, sc.Strategy.Trade.MinRewardToRisk)
	assert.Equal(t, 10, sc.Strategy.Trade.Lookback)

	forecasters, err := cfg.Forecasters()
	require.NoError(t, err)
	require.Len(t, forecasters, 1)
	assert.Equal(t, "ema_slope_20", forecasters[0].Name())
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Instruments, 2)
	assert.Len(t, cfg.Predictor.Kinds, 3)
	assert.Equal(t, 1.1, cfg.Risk.StopSafetyFactor)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "instruments: [\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{Instruments: []InstrumentConfig{{Symbol: "BTCUSDT"}}}
		c.ApplyDefaults()
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no instruments", func(c *Config) { c.Instruments = nil }},
		{"empty symbol", func(c *Config) { c.Instruments[0].Symbol = "" }},
		{"duplicate symbol", func(c *Config) { c.Instruments = append(c.Instruments, c.Instruments[0]) }},
		{"negative spread", func(c *Config) { c.Instruments[0].Spread = -1 }},
		{"unknown exchange", func(c *Config) { c.Exchange.Name = "ftx" }},
		{"risk above 100", func(c *Config) { c.Risk.MaxRiskPercent = 150 }},
		{"inverted reward bounds", func(c *Config) { c.Risk.MaxRewardToRisk = 1 }},
		{"safety factor below one", func(c *Config) { c.Risk.StopSafetyFactor = 0.5 }},
		{"unknown predictor", func(c *Config) { c.Predictor.Kinds = []string{"oracle"} }},
		{"soft fallback above one", func(c *Config) { c.SnR.SoftFallback = 2 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestInstrumentSpecOverrides(t *testing.T) {
	c := &Config{Instruments: []InstrumentConfig{{Symbol: "EURUSD", PipSize: 0.0001, PipValue: 0.1}}}
	inst, ok := c.Instrument("EURUSD")
	require.True(t, ok)
	spec := inst.Spec()
	assert.Equal(t, "EURUSD", spec.Symbol)
	assert.Equal(t, 0.0001, spec.PipSize)

	_, ok = c.Instrument("GBPUSD")
	assert.False(t, ok)
}
