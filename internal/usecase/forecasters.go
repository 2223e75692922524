package usecase

import (
	"fmt"

	"github.com/vitos/crypto_trade_snr/internal/domain"
)

// CandlePatternForecaster reads the last completed candle against the trend before it:
// a hammer after a decline or an inverted hammer after a rally signals a reversal, a
// strengthening marubozu signals continuation in its own direction.
type CandlePatternForecaster struct {
	TrendLookback  int
	TrendThreshold float64
}

func (f CandlePatternForecaster) Name() string { return "candle_pattern" }

func (f CandlePatternForecaster) Forecast(s *Series) (domain.Side, bool) {
	lookback := max(f.TrendLookback, 2)
	if s.Count() < lookback+2 {
		return "", false
	}
	c, err := s.At(-1)
	if err != nil {
		return "", false
	}
	ref := s.MedianCandleSize(-1-lookback, -1)
	trend := s.MeasureTrend(-1-lookback, -1)

	switch c.Classify(ref) {
	case domain.ShapeHammer:
		if trend < -f.TrendThreshold {
			return domain.SideLong, true
		}
	case domain.ShapeInvertedHammer:
		if trend > f.TrendThreshold {
			return domain.SideShort, true
		}
	case domain.ShapeMarubozuStrengthening:
		return domain.SideFromSign(c.Sign()), c.Sign() != 0
	}
	return "", false
}

// EMASlopeForecaster follows the slope of an EMA of closes, measured in median candle sizes.
type EMASlopeForecaster struct {
	Period    int
	Threshold float64
}

func (f EMASlopeForecaster) Name() string { return fmt.Sprintf("ema_slope_%d", f.Period) }

func (f EMASlopeForecaster) Forecast(s *Series) (domain.Side, bool) {
	period := max(f.Period, 2)
	window := s.Window(1-3*period, 1)
	if len(window) <= period {
		return "", false
	}
	ema := NewEMA(period)
	var prev, cur float64
	for _, c := range window {
		prev = cur
		cur = ema.Update(c.Close)
	}
	ref := s.MedianCandleSize(1-3*period, 1)
	if ref <= 0 {
		return "", false
	}
	slope := (cur - prev) / ref
	switch {
	case slope > f.Threshold:
		return domain.SideLong, true
	case slope < -f.Threshold:
		return domain.SideShort, true
	}
	return "", false
}

// EnsembleForecaster forecasts the direction that at least Quorum members agree on and that
// outvotes the opposite direction.
type EnsembleForecaster struct {
	Members []Forecaster
	Quorum  int
}

func (f EnsembleForecaster) Name() string { return "ensemble" }

func (f EnsembleForecaster) Forecast(s *Series) (domain.Side, bool) {
	quorum := f.Quorum
	if quorum <= 0 {
		quorum = len(f.Members)/2 + 1
	}
	var long, short int
	for _, m := range f.Members {
		side, ok := m.Forecast(s)
		if !ok {
			continue
		}
		switch side {
		case domain.SideLong:
			long++
		case domain.SideShort:
			short++
		}
	}
	switch {
	case long >= quorum && long > short:
		return domain.SideLong, true
	case short >= quorum && short > long:
		return domain.SideShort, true
	}
	return "", false
}

// NewForecaster builds a forecaster by name: candle_pattern, ema_slope or ensemble
// (every other kind combined by majority).
func NewForecaster(kind string, cfg ForecasterConfig) (Forecaster, error) {
	switch kind {
	case "candle_pattern":
		return CandlePatternForecaster{TrendLookback: cfg.TrendLookback, TrendThreshold: cfg.TrendThreshold}, nil
	case "ema_slope":
		return EMASlopeForecaster{Period: cfg.EMAPeriod, Threshold: cfg.SlopeThreshold}, nil
	case "ensemble":
		return EnsembleForecaster{
			Members: []Forecaster{
				CandlePatternForecaster{TrendLookback: cfg.TrendLookback, TrendThreshold: cfg.TrendThreshold},
				EMASlopeForecaster{Period: cfg.EMAPeriod, Threshold: cfg.SlopeThreshold},
			},
			Quorum: 1,
		}, nil
	}
	return nil, fmt.Errorf("unknown forecaster %q", kind)
}

type ForecasterConfig struct {
	TrendLookback  int
	TrendThreshold float64
	EMAPeriod      int
	SlopeThreshold float64
}
