package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/metrics"
)

type SessionConfig struct {
	MaxCandles int
	SnR        SnRConfig
	Horizon    int
	Strategy   StrategyConfig
}

// Session owns the full component set of one instrument. Only the ledger is shared
// between sessions.
type Session struct {
	mu sync.RWMutex

	series     *Series
	detector   *LevelDetector
	predictors []*Predictor
	strategy   *PullbackStrategy
	ledger     Ledger
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewSession wires the components of an instrument. The first forecaster drives the strategy;
// the others are only evaluated.
func NewSession(cfg SessionConfig, spec domain.InstrumentSpec, ledger Ledger, journal domain.TradeJournal,
	forecasters []Forecaster, logger *zap.Logger, m *metrics.Metrics) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		series:   NewSeries(spec, cfg.MaxCandles),
		detector: NewLevelDetector(cfg.SnR, logger, m),
		ledger:   ledger,
		logger:   logger.With(zap.String("symbol", spec.Symbol)),
		metrics:  m,
	}
	for _, f := range forecasters {
		s.predictors = append(s.predictors, NewPredictor(f, s.series, cfg.Horizon, logger, m))
	}
	var driver *Predictor
	if len(s.predictors) > 0 {
		driver = s.predictors[0]
	}
	s.strategy = NewPullbackStrategy(cfg.Strategy, s.series, s.detector, driver, ledger, journal, logger, m)

	s.series.OnUpdate(func(bool) { s.detector.Refresh(s.series) })
	for _, p := range s.predictors {
		s.series.OnUpdate(p.OnUpdate)
	}
	return s
}

func (s *Session) Symbol() string { return s.series.Spec().Symbol }

// Warmup loads history without running the strategy.
func (s *Session) Warmup(candles []domain.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candles {
		newCandle, err := s.series.Append(c)
		if err != nil {
			return fmt.Errorf("warmup %s: %w", s.Symbol(), err)
		}
		if newCandle {
			s.strategy.updateTrend()
		}
	}
	return nil
}

// OnCandle handles one candle update end to end: the series and its listeners, the ledger
// refresh on a new candle, then the strategy.
func (s *Session) OnCandle(ctx context.Context, c domain.Candle) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	newCandle, err := s.series.Append(c)
	if err != nil {
		return err
	}
	s.metrics.ObserveCandle(s.Symbol(), newCandle)

	if newCandle && s.ledger != nil {
		if err := s.ledger.Update(ctx); err != nil {
			s.logger.Warn("Ledger refresh failed", zap.Error(err))
		}
	}
	if s.ledger != nil {
		s.strategy.OnUpdate(ctx, newCandle)
	}
	s.metrics.ObserveTick(time.Since(start))
	return nil
}

// SetSpread updates the instrument spread, e.g. from a ticker.
func (s *Session) SetSpread(spread float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series.SetSpread(spread)
}

type TradeView struct {
	Label         string             `json:"label"`
	Side          domain.Side        `json:"side"`
	EntryPrice    float64            `json:"entry_price"`
	StopLoss      float64            `json:"stop_loss"`
	TakeProfit    float64            `json:"take_profit"`
	Volume        float64            `json:"volume"`
	PeakFavorable float64            `json:"peak_favorable_pips"`
	PeakAdverse   float64            `json:"peak_adverse_pips"`
	Result        domain.TradeResult `json:"result"`
}

type SessionStatus struct {
	Symbol         string                 `json:"symbol"`
	Candles        int                    `json:"candles"`
	Bid            float64                `json:"bid"`
	Ask            float64                `json:"ask"`
	LastCandle     *domain.Candle         `json:"last_candle,omitempty"`
	State          string                 `json:"state"`
	Trend          float64                `json:"trend"`
	PullbackSide   domain.Side            `json:"pullback_side,omitempty"`
	PullbackTarget float64                `json:"pullback_target,omitempty"`
	Forecasts      map[string]domain.Side `json:"forecasts"`
	Trade          *TradeView             `json:"trade,omitempty"`
}

func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SessionStatus{
		Symbol:    s.Symbol(),
		Candles:   s.series.Count(),
		Bid:       s.series.Bid(),
		Ask:       s.series.Ask(),
		State:     s.strategy.State().String(),
		Trend:     s.strategy.Trend(),
		Forecasts: make(map[string]domain.Side, len(s.predictors)),
	}
	if c, ok := s.series.Latest(); ok {
		st.LastCandle = &c
	}
	if side, target, ok := s.strategy.PullbackTarget(); ok {
		st.PullbackSide, st.PullbackTarget = side, target
	}
	for _, p := range s.predictors {
		st.Forecasts[p.Name()] = p.Current()
	}
	if t := s.strategy.Trade(); t != nil {
		st.Trade = &TradeView{
			Label:         t.Label,
			Side:          t.Side,
			EntryPrice:    t.EntryPrice,
			StopLoss:      t.StopLoss,
			TakeProfit:    t.TakeProfit,
			Volume:        t.Volume,
			PeakFavorable: t.PeakFavorablePips(),
			PeakAdverse:   t.PeakAdversePips(),
			Result:        t.Result,
		}
	}
	return st
}

// Levels returns the last detected support/resistance levels.
func (s *Session) Levels() SnRResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detector.Latest()
}

// PredictorStats returns the evaluation of every predictor of the session.
func (s *Session) PredictorStats() []domain.PredictorStepStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PredictorStepStats
	for _, p := range s.predictors {
		out = append(out, p.Stats()...)
	}
	return out
}
