package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/usecase"
)

type Config struct {
	Exchange    ExchangeConfig     `yaml:"exchange"`
	Paper       PaperConfig        `yaml:"paper"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	MaxCandles  int                `yaml:"max_candles"`
	Risk        RiskConfig         `yaml:"risk"`
	SnR         SnRConfig          `yaml:"snr"`
	Predictor   PredictorConfig    `yaml:"predictor"`
	Strategy    StrategyConfig     `yaml:"strategy"`
	Logging     struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
}

type ExchangeConfig struct {
	Name              string  `yaml:"name"` // bybit or paper
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	RESTEndpoint      string  `yaml:"rest_endpoint"`
	WSEndpoint        string  `yaml:"ws_endpoint"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// PaperConfig seeds the simulated account used by the paper exchange and the backtest.
type PaperConfig struct {
	Balance     float64 `yaml:"balance"`
	Currency    string  `yaml:"currency"`
	SlippageBps float64 `yaml:"slippage_bps"`
}

// InstrumentConfig names a traded symbol. Zero instrument parameters are read from the
// exchange; non-zero values override it.
type InstrumentConfig struct {
	Symbol     string  `yaml:"symbol"`
	Interval   string  `yaml:"interval"`
	History    int     `yaml:"history"`
	PipSize    float64 `yaml:"pip_size"`
	PipValue   float64 `yaml:"pip_value"`
	MinVolume  float64 `yaml:"min_volume"`
	VolumeStep float64 `yaml:"volume_step"`
	Spread     float64 `yaml:"spread"`
}

func (i InstrumentConfig) Spec() domain.InstrumentSpec {
	return domain.InstrumentSpec{
		Symbol:     i.Symbol,
		PipSize:    i.PipSize,
		PipValue:   i.PipValue,
		MinVolume:  i.MinVolume,
		VolumeStep: i.VolumeStep,
		Spread:     i.Spread,
	}
}

type RiskConfig struct {
	MaxRiskPercent   float64       `yaml:"max_risk_percent"`
	MinRewardToRisk  float64       `yaml:"min_reward_to_risk"`
	MaxRewardToRisk  float64       `yaml:"max_reward_to_risk"`
	StopLookback     int           `yaml:"stop_lookback"`
	StopSafetyFactor float64       `yaml:"stop_safety_factor"`
	OrderTimeout     time.Duration `yaml:"order_timeout"`
}

type SnRConfig struct {
	Lookback              int     `yaml:"lookback"`
	BucketPips            float64 `yaml:"bucket_pips"`
	VolatilityFactor      float64 `yaml:"volatility_factor"`
	ReversalTolerancePips float64 `yaml:"reversal_tolerance_pips"`
	MaxIterations         int     `yaml:"max_iterations"`
	SoftFallback          float64 `yaml:"soft_fallback"`
}

type PredictorConfig struct {
	Horizon        int      `yaml:"horizon"`
	Kinds          []string `yaml:"kinds"`
	TrendLookback  int      `yaml:"trend_lookback"`
	TrendThreshold float64  `yaml:"trend_threshold"`
	EMAPeriod      int      `yaml:"ema_period"`
	SlopeThreshold float64  `yaml:"slope_threshold"`
}

type StrategyConfig struct {
	TrendLookback   int     `yaml:"trend_lookback"`
	TrendSmoothing  int     `yaml:"trend_smoothing"`
	TrendThreshold  float64 `yaml:"trend_threshold"`
	PullbackFactor  float64 `yaml:"pullback_factor"`
	PullbackTimeout int     `yaml:"pullback_timeout"`
	MaxHoldCandles  int     `yaml:"max_hold_candles"`
}

var forecasterKinds = []string{"candle_pattern", "ema_slope", "ensemble"}

// Load reads path, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Exchange.Name == "" {
		c.Exchange.Name = "bybit"
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		c.Exchange.RequestsPerSecond = 10
	}
	if c.Paper.Balance == 0 {
		c.Paper.Balance = 10000
	}
	if c.Paper.Currency == "" {
		c.Paper.Currency = "USDT"
	}
	for i := range c.Instruments {
		if c.Instruments[i].Interval == "" {
			c.Instruments[i].Interval = "15"
		}
		if c.Instruments[i].History == 0 {
			c.Instruments[i].History = 500
		}
	}
	if c.MaxCandles == 0 {
		c.MaxCandles = 2000
	}

	r := &c.Risk
	if r.MaxRiskPercent == 0 {
		r.MaxRiskPercent = 1
	}
	if r.MinRewardToRisk == 0 {
		r.MinRewardToRisk = 1.5
	}
	if r.MaxRewardToRisk == 0 {
		r.MaxRewardToRisk = 3
	}
	if r.StopLookback == 0 {
		r.StopLookback = 10
	}
	if r.StopSafetyFactor == 0 {
		r.StopSafetyFactor = 1
	}
	if r.OrderTimeout == 0 {
		r.OrderTimeout = 10 * time.Second
	}

	s := &c.SnR
	if s.Lookback == 0 {
		s.Lookback = 200
	}
	if s.BucketPips == 0 {
		s.BucketPips = 5
	}
	if s.VolatilityFactor == 0 {
		s.VolatilityFactor = 0.5
	}
	if s.MaxIterations == 0 {
		s.MaxIterations = 100
	}

	p := &c.Predictor
	if p.Horizon == 0 {
		p.Horizon = 10
	}
	if len(p.Kinds) == 0 {
		p.Kinds = []string{"ema_slope"}
	}
	if p.TrendLookback == 0 {
		p.TrendLookback = 5
	}
	if p.TrendThreshold == 0 {
		p.TrendThreshold = 0.5
	}
	if p.EMAPeriod == 0 {
		p.EMAPeriod = 20
	}
	if p.SlopeThreshold == 0 {
		p.SlopeThreshold = 0.1
	}

	st := &c.Strategy
	if st.TrendLookback == 0 {
		st.TrendLookback = 20
	}
	if st.TrendSmoothing == 0 {
		st.TrendSmoothing = 5
	}
	if st.TrendThreshold == 0 {
		st.TrendThreshold = 0.5
	}
	if st.PullbackFactor == 0 {
		st.PullbackFactor = 0.5
	}
	if st.PullbackTimeout == 0 {
		st.PullbackTimeout = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "snr.db"
	}
}

func (c *Config) Validate() error {
	switch c.Exchange.Name {
	case "bybit", "paper":
	default:
		return fmt.Errorf("unknown exchange %q (want bybit or paper)", c.Exchange.Name)
	}

	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument must be configured")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for i, inst := range c.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("instrument %d must have a symbol", i)
		}
		if seen[inst.Symbol] {
			return fmt.Errorf("instrument %s configured twice", inst.Symbol)
		}
		seen[inst.Symbol] = true
		if inst.PipSize < 0 || inst.PipValue < 0 || inst.MinVolume < 0 || inst.VolumeStep < 0 || inst.Spread < 0 {
			return fmt.Errorf("instrument %s: parameters cannot be negative", inst.Symbol)
		}
	}

	if c.Risk.MaxRiskPercent <= 0 || c.Risk.MaxRiskPercent > 100 {
		return fmt.Errorf("max_risk_percent must be in (0, 100], got %v", c.Risk.MaxRiskPercent)
	}
	if c.Risk.MinRewardToRisk <= 0 {
		return fmt.Errorf("min_reward_to_risk must be positive")
	}
	if c.Risk.MaxRewardToRisk < c.Risk.MinRewardToRisk {
		return fmt.Errorf("max_reward_to_risk %v below min_reward_to_risk %v", c.Risk.MaxRewardToRisk, c.Risk.MinRewardToRisk)
	}
	if c.Risk.StopLookback < 1 {
		return fmt.Errorf("stop_lookback must be at least 1")
	}
	if c.Risk.StopSafetyFactor < 1 {
		return fmt.Errorf("stop_safety_factor must be at least 1")
	}

	if c.SnR.Lookback < 2 {
		return fmt.Errorf("snr lookback must be at least 2")
	}
	if c.SnR.SoftFallback < 0 || c.SnR.SoftFallback > 1 {
		return fmt.Errorf("snr soft_fallback must be in [0, 1]")
	}

	if c.Predictor.Horizon < 1 {
		return fmt.Errorf("predictor horizon must be at least 1")
	}
	for _, kind := range c.Predictor.Kinds {
		if !slices.Contains(forecasterKinds, kind) {
			return fmt.Errorf("unknown predictor kind %q", kind)
		}
	}

	if c.Strategy.PullbackFactor < 0 {
		return fmt.Errorf("pullback_factor cannot be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d", c.Server.Port)
	}
	return nil
}

// Instrument returns the configuration of symbol.
func (c *Config) Instrument(symbol string) (InstrumentConfig, bool) {
	for _, inst := range c.Instruments {
		if inst.Symbol == symbol {
			return inst, true
		}
	}
	return InstrumentConfig{}, false
}

func (c *Config) BrokerConfig() usecase.BrokerConfig {
	return usecase.BrokerConfig{Exchange: c.Exchange.Name, OrderTimeout: c.Risk.OrderTimeout}
}

func (c *Config) ForecasterConfig() usecase.ForecasterConfig {
	return usecase.ForecasterConfig{
		TrendLookback:  c.Predictor.TrendLookback,
		TrendThreshold: c.Predictor.TrendThreshold,
		EMAPeriod:      c.Predictor.EMAPeriod,
		SlopeThreshold: c.Predictor.SlopeThreshold,
	}
}

// Forecasters builds one forecaster per configured kind.
func (c *Config) Forecasters() ([]usecase.Forecaster, error) {
	out := make([]usecase.Forecaster, 0, len(c.Predictor.Kinds))
	for _, kind := range c.Predictor.Kinds {
		f, err := usecase.NewForecaster(kind, c.ForecasterConfig())
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *Config) SessionConfig() usecase.SessionConfig {
	return usecase.SessionConfig{
		MaxCandles: c.MaxCandles,
		SnR: usecase.SnRConfig{
			Lookback:              c.SnR.Lookback,
			BucketPips:            c.SnR.BucketPips,
			VolatilityFactor:      c.SnR.VolatilityFactor,
			ReversalTolerancePips: c.SnR.ReversalTolerancePips,
			MaxIterations:         c.SnR.MaxIterations,
			SoftFallback:          c.SnR.SoftFallback,
		},
		Horizon: c.Predictor.Horizon,
		Strategy: usecase.StrategyConfig{
			Exchange:        c.Exchange.Name,
			TrendLookback:   c.Strategy.TrendLookback,
			TrendSmoothing:  c.Strategy.TrendSmoothing,
			TrendThreshold:  c.Strategy.TrendThreshold,
			PullbackFactor:  c.Strategy.PullbackFactor,
			PullbackTimeout: c.Strategy.PullbackTimeout,
			MaxHoldCandles:  c.Strategy.MaxHoldCandles,
			Trade: usecase.TradeParams{
				Lookback:         c.Risk.StopLookback,
				MinRewardToRisk:  c.Risk.MinRewardToRisk,
				MaxRewardToRisk:  c.Risk.MaxRewardToRisk,
				MaxRiskPercent:   c.Risk.MaxRiskPercent,
				StopSafetyFactor: c.Risk.StopSafetyFactor,
			},
		},
	}
}
