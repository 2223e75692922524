package usecase

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/metrics"
)

type StrategyState int

const (
	StateFindEntryTrigger StrategyState = iota
	StateEnterOnPullBack
	StateManagePosition
)

func (s StrategyState) String() string {
	switch s {
	case StateFindEntryTrigger:
		return "FIND_ENTRY_TRIGGER"
	case StateEnterOnPullBack:
		return "ENTER_ON_PULLBACK"
	case StateManagePosition:
		return "MANAGE_POSITION"
	}
	return "UNKNOWN"
}

type StrategyConfig struct {
	Exchange        string
	TrendLookback   int     // candles in the trend measure
	TrendSmoothing  int     // EMA period over the trend measure
	TrendThreshold  float64 // minimum |trend| to look for an entry
	PullbackFactor  float64 // pull-back depth in median candle sizes
	PullbackTimeout int     // candles to wait for the pull-back, 0 waits forever
	MaxHoldCandles  int     // candles after which a position is closed, 0 holds until stop/target
	Trade           TradeParams
}

// PullbackStrategy waits for a trend the predictor agrees with, then enters on a pull-back
// against it and manages the position until the stop, the target or the holding limit.
type PullbackStrategy struct {
	cfg       StrategyConfig
	series    *Series
	detector  *LevelDetector
	predictor *Predictor
	ledger    Ledger
	journal   domain.TradeJournal
	logger    *zap.Logger
	metrics   *metrics.Metrics

	state StrategyState
	trend *EMA

	side    domain.Side
	target  float64
	waiting int

	trade    *Trade
	position *domain.Position
	openedAt time.Time
	now      func() time.Time
}

func NewPullbackStrategy(cfg StrategyConfig, series *Series, detector *LevelDetector, predictor *Predictor,
	ledger Ledger, journal domain.TradeJournal, logger *zap.Logger, m *metrics.Metrics) *PullbackStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TrendLookback <= 0 {
		cfg.TrendLookback = 20
	}
	return &PullbackStrategy{
		cfg:       cfg,
		series:    series,
		detector:  detector,
		predictor: predictor,
		ledger:    ledger,
		journal:   journal,
		logger:    logger.With(zap.String("symbol", series.Spec().Symbol)),
		metrics:   m,
		trend:     NewEMA(cfg.TrendSmoothing),
		now:       time.Now,
	}
}

func (s *PullbackStrategy) State() StrategyState { return s.state }

// Trend is the smoothed trend measure of the completed candles.
func (s *PullbackStrategy) Trend() float64 { return s.trend.Value() }

// Trade returns the trade being managed, nil outside ManagePosition.
func (s *PullbackStrategy) Trade() *Trade { return s.trade }

// PullbackTarget returns the armed entry side and price while waiting for the pull-back.
func (s *PullbackStrategy) PullbackTarget() (domain.Side, float64, bool) {
	if s.state != StateEnterOnPullBack {
		return "", 0, false
	}
	return s.side, s.target, true
}

// OnUpdate runs one step of the state machine. It is called after the series, the levels,
// the predictor and the ledger have been updated for the tick.
func (s *PullbackStrategy) OnUpdate(ctx context.Context, newCandle bool) {
	if s.series.Count() == 0 {
		return
	}
	if newCandle {
		s.updateTrend()
	}

	switch s.state {
	case StateFindEntryTrigger:
		s.findEntryTrigger()
	case StateEnterOnPullBack:
		s.enterOnPullBack(ctx, newCandle)
	case StateManagePosition:
		s.managePosition(ctx, newCandle)
	}
	s.metrics.SetStrategyState(s.series.Spec().Symbol, int(s.state))
}

// updateTrend feeds the trend of the candles completed so far into the smoothing average.
func (s *PullbackStrategy) updateTrend() {
	s.trend.Update(s.series.MeasureTrend(-s.cfg.TrendLookback, 0))
}

func (s *PullbackStrategy) findEntryTrigger() {
	trend := s.trend.Value()
	if !s.trend.Ready() || math.Abs(trend) < s.cfg.TrendThreshold {
		return
	}
	side := domain.SideFromSign(trend)
	if s.predictor == nil || s.predictor.Current() != side {
		return
	}

	ref := s.series.MedianCandleSize(-s.cfg.TrendLookback, 1)
	price := s.series.Price(side)
	depth := s.cfg.PullbackFactor * ref
	s.side = side
	s.target = price - side.Sign()*depth
	// a level inside the pull-back zone is where the pull-back is expected to turn
	if l, ok := s.detector.NearestLevel(price, -side.Sign()); ok && side.Sign()*(price-l.Price) <= depth {
		s.target = l.Price
	}
	s.waiting = 0
	s.transition(StateEnterOnPullBack)
	s.logger.Info("Entry trigger",
		zap.String("side", string(side)),
		zap.Float64("trend", trend),
		zap.Float64("pullback_target", s.target))
}

func (s *PullbackStrategy) enterOnPullBack(ctx context.Context, newCandle bool) {
	if newCandle {
		s.waiting++
		if s.cfg.PullbackTimeout > 0 && s.waiting > s.cfg.PullbackTimeout {
			s.logger.Info("Pull-back expired", zap.String("side", string(s.side)), zap.Float64("target", s.target))
			s.transition(StateFindEntryTrigger)
			return
		}
	}
	sign := s.side.Sign()
	if sign*(s.series.Price(s.side)-s.target) > 0 {
		return
	}

	trade, err := NewTrade(s.side, s.series, s.ledger, s.detector.Latest(), s.cfg.Trade)
	if err != nil {
		if IsSizingFailure(err) {
			s.metrics.SizingFailed(s.series.Spec().Symbol, "risk_budget")
			s.logger.Warn("Entry skipped", zap.Error(err))
		} else {
			s.metrics.SizingFailed(s.series.Spec().Symbol, "invalid")
			s.logger.Error("Trade sizing failed", zap.Error(err))
		}
		s.transition(StateFindEntryTrigger)
		return
	}

	pos := s.ledger.CreateOrder(ctx, trade)
	if pos == nil {
		// retried on the next tick
		return
	}
	s.trade = trade
	s.position = pos
	s.openedAt = s.now()
	s.transition(StateManagePosition)
}

func (s *PullbackStrategy) managePosition(ctx context.Context, newCandle bool) {
	if newCandle {
		if c, err := s.series.At(-1); err == nil {
			s.trade.AddCandle(c, -1)
		}
	}

	if !s.ledger.HasPosition(s.position) {
		// the venue closed it; the forming candle tells whether stop or target did
		if c, ok := s.series.Latest(); ok {
			s.trade.Settle(c, 0)
		}
		s.trade.Close()
		s.finish(ctx)
		return
	}

	expired := s.cfg.MaxHoldCandles > 0 && s.heldCandles() >= s.cfg.MaxHoldCandles
	if s.trade.Result == domain.TradeOpen && !expired {
		return
	}
	// resolved on our side but still live on the venue, or held too long
	if err := s.ledger.ClosePosition(ctx, s.position); err != nil {
		return
	}
	s.trade.Close()
	s.finish(ctx)
}

// heldCandles counts the candles opened since the entry candle. An entry candle trimmed out
// of the series has been held longer than any window the series keeps.
func (s *PullbackStrategy) heldCandles() int {
	idx, ok := s.series.IndexOf(s.trade.EntryTime)
	if !ok {
		return math.MaxInt
	}
	return -idx
}

func (s *PullbackStrategy) finish(ctx context.Context) {
	t := s.trade
	s.logger.Info("Trade finished",
		zap.String("label", t.Label),
		zap.String("result", string(t.Result)),
		zap.Float64("peak_favorable_pips", t.PeakFavorablePips()),
		zap.Float64("peak_adverse_pips", t.PeakAdversePips()))

	if s.journal != nil {
		rec := &domain.TradeRecord{
			Exchange:      s.cfg.Exchange,
			Symbol:        t.Symbol,
			Label:         t.Label,
			Side:          t.Side,
			Volume:        t.Volume,
			EntryPrice:    t.EntryPrice,
			StopLoss:      t.StopLoss,
			TakeProfit:    t.TakeProfit,
			PeakFavorable: t.PeakFavorable,
			PeakAdverse:   t.PeakAdverse,
			Result:        t.Result,
			OpenedAt:      s.openedAt,
			ClosedAt:      s.now(),
		}
		if err := s.journal.SaveTrade(ctx, rec); err != nil {
			s.logger.Error("Failed to journal trade", zap.Error(err))
		}
	}

	s.trade = nil
	s.position = nil
	s.transition(StateFindEntryTrigger)
}

func (s *PullbackStrategy) transition(next StrategyState) {
	if next == s.state {
		return
	}
	s.logger.Debug("State change", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
}
