package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/usecase"
)

type fakeLedger struct {
	balance    float64
	risk       float64
	failCreate bool
	closeErr   error

	open    map[string]*domain.Position
	orders  []*usecase.Trade
	closed  []*domain.Position
	updates int
}

func newFakeLedger(balance float64) *fakeLedger {
	return &fakeLedger{balance: balance, open: make(map[string]*domain.Position)}
}

func (l *fakeLedger) Snapshot() usecase.LedgerSnapshot {
	return usecase.LedgerSnapshot{
		Account:               domain.AccountSnapshot{Balance: l.balance, Equity: l.balance},
		RiskFromOpenPositions: l.risk,
	}
}

func (l *fakeLedger) Update(context.Context) error {
	l.updates++
	return nil
}

func (l *fakeLedger) CreateOrder(_ context.Context, t *usecase.Trade) *domain.Position {
	if l.failCreate {
		return nil
	}
	l.orders = append(l.orders, t)
	pos := &domain.Position{
		ID:         fmt.Sprintf("ord-%d", len(l.orders)),
		Symbol:     t.Symbol,
		Side:       t.Side,
		Size:       t.Volume,
		EntryPrice: t.EntryPrice,
		StopLoss:   t.StopLoss,
		TakeProfit: t.TakeProfit,
	}
	l.open[pos.ID] = pos
	return pos
}

func (l *fakeLedger) ClosePosition(_ context.Context, pos *domain.Position) error {
	if l.closeErr != nil {
		return l.closeErr
	}
	delete(l.open, pos.ID)
	l.closed = append(l.closed, pos)
	return nil
}

func (l *fakeLedger) HasPosition(pos *domain.Position) bool {
	if pos == nil {
		return false
	}
	_, ok := l.open[pos.ID]
	return ok
}

type memJournal struct {
	trades []*domain.TradeRecord
	stats  []domain.PredictorStepStats
}

func (j *memJournal) SaveTrade(_ context.Context, rec *domain.TradeRecord) error {
	j.trades = append(j.trades, rec)
	return nil
}

func (j *memJournal) ListTrades(_ context.Context, limit int) ([]*domain.TradeRecord, error) {
	return j.trades, nil
}

func (j *memJournal) SavePredictorStats(_ context.Context, stats []domain.PredictorStepStats) error {
	j.stats = append(j.stats, stats...)
	return nil
}

func (j *memJournal) ListPredictorStats(_ context.Context, symbol string) ([]domain.PredictorStepStats, error) {
	return j.stats, nil
}

type harness struct {
	t        *testing.T
	series   *usecase.Series
	strategy *usecase.PullbackStrategy
	ledger   *fakeLedger
	journal  *memJournal
}

var strategyConfig = usecase.StrategyConfig{
	Exchange:        "paper",
	TrendLookback:   3,
	TrendSmoothing:  1,
	TrendThreshold:  0.3,
	PullbackFactor:  0.5,
	PullbackTimeout: 2,
	Trade: usecase.TradeParams{
		Lookback:         3,
		MinRewardToRisk:  1.5,
		MaxRewardToRisk:  3,
		MaxRiskPercent:   1,
		StopSafetyFactor: 1,
	},
}

func newHarness(t *testing.T, cfg usecase.StrategyConfig, ledger *fakeLedger) *harness {
	return newHarnessWithLevels(t, cfg, usecase.SnRConfig{Lookback: 50}, 0, ledger)
}

func newHarnessWithLevels(t *testing.T, cfg usecase.StrategyConfig, snr usecase.SnRConfig, maxCandles int, ledger *fakeLedger) *harness {
	series := usecase.NewSeries(eurusd, maxCandles)
	detector := usecase.NewLevelDetector(snr, nil, nil)
	series.OnUpdate(func(bool) { detector.Refresh(series) })
	predictor := attach(series, alwaysLong(), 5)
	journal := &memJournal{}
	return &harness{
		t:        t,
		series:   series,
		strategy: usecase.NewPullbackStrategy(cfg, series, detector, predictor, ledger, journal, nil, nil),
		ledger:   ledger,
		journal:  journal,
	}
}

func (h *harness) feed(c domain.Candle) {
	h.t.Helper()
	isNew, err := h.series.Append(c)
	require.NoError(h.t, err)
	h.strategy.OnUpdate(context.Background(), isNew)
}

// armLong feeds two rising candles: the second one triggers a long entry
// with a pull-back target of 1.2014.
func (h *harness) armLong() {
	h.t.Helper()
	h.feed(candle(1, 1.2000, 1.2011, 1.1999, 1.2010))
	assert.Equal(h.t, usecase.StateFindEntryTrigger, h.strategy.State())

	h.feed(candle(2, 1.2010, 1.2021, 1.2009, 1.2020))
	require.Equal(h.t, usecase.StateEnterOnPullBack, h.strategy.State())

	side, target, ok := h.strategy.PullbackTarget()
	require.True(h.t, ok)
	assert.Equal(h.t, domain.SideLong, side)
	assert.InDelta(h.t, 1.2014, target, 1e-9)
}

// enter pulls the forming candle back below the target.
func (h *harness) enter() {
	h.t.Helper()
	h.armLong()
	h.feed(candle(2, 1.2010, 1.2021, 1.2009, 1.2013))
	require.Equal(h.t, usecase.StateManagePosition, h.strategy.State())
}

func TestPullbackStrategy_FullCycleToStop(t *testing.T) {
	h := newHarness(t, strategyConfig, newFakeLedger(10000))
	h.enter()

	require.Len(t, h.ledger.orders, 1)
	trade := h.strategy.Trade()
	require.NotNil(t, trade)
	assert.Equal(t, domain.SideLong, trade.Side)
	assert.InDelta(t, 1.2013, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 1.1999, trade.StopLoss, 1e-9)
	assert.Equal(t, 71.0, trade.Volume)
	assert.InDelta(t, 1.2034, trade.TakeProfit, 1e-9)

	h.feed(candle(3, 1.2014, 1.2020, 1.2005, 1.2018))
	h.feed(candle(4, 1.2010, 1.2012, 1.1990, 1.1995)) // through the stop
	assert.Equal(t, usecase.StateManagePosition, h.strategy.State())

	h.feed(candle(5, 1.1995, 1.2000, 1.1990, 1.1998))
	assert.Equal(t, usecase.StateFindEntryTrigger, h.strategy.State())
	assert.Nil(t, h.strategy.Trade())
	require.Len(t, h.ledger.closed, 1)

	require.Len(t, h.journal.trades, 1)
	rec := h.journal.trades[0]
	assert.Equal(t, domain.TradeHitStop, rec.Result)
	assert.Equal(t, "paper", rec.Exchange)
	assert.Equal(t, "EURUSD", rec.Symbol)
	assert.InDelta(t, 0.0014, rec.PeakAdverse, 1e-9)
}

func TestPullbackStrategy_VenueClosedPosition(t *testing.T) {
	h := newHarness(t, strategyConfig, newFakeLedger(10000))
	h.enter()
	h.feed(candle(3, 1.2014, 1.2020, 1.2005, 1.2018))

	// the venue's stop fires inside candle 4
	for id := range h.ledger.open {
		delete(h.ledger.open, id)
	}
	h.feed(candle(4, 1.2010, 1.2012, 1.1990, 1.1995))

	assert.Equal(t, usecase.StateFindEntryTrigger, h.strategy.State())
	assert.Empty(t, h.ledger.closed, "nothing left to close")
	require.Len(t, h.journal.trades, 1)
	assert.Equal(t, domain.TradeHitStop, h.journal.trades[0].Result)
}

func TestPullbackStrategy_TargetSnapsToLevel(t *testing.T) {
	cfg := strategyConfig
	cfg.PullbackFactor = 1
	h := newHarness(t, cfg, newFakeLedger(10000))

	// levels at 1.1999, 1.2009, 1.2011 and 1.2021; the pull-back zone reaches down to 1.2008
	h.feed(candle(1, 1.2000, 1.2011, 1.1999, 1.2010))
	h.feed(candle(2, 1.2010, 1.2021, 1.2009, 1.2020))
	require.Equal(t, usecase.StateEnterOnPullBack, h.strategy.State())

	_, target, ok := h.strategy.PullbackTarget()
	require.True(t, ok)
	assert.InDelta(t, 1.2011, target, 1e-9)
}

func TestPullbackStrategy_SoftFallbackAcceptsLevelAtPrice(t *testing.T) {
	h := newHarnessWithLevels(t, strategyConfig, usecase.SnRConfig{Lookback: 50, SoftFallback: 0.1}, 0, newFakeLedger(10000))

	// 1.2021 sits one pip above the price, inside the 0.1 * 0.0012 slack
	h.feed(candle(1, 1.2000, 1.2011, 1.1999, 1.2010))
	h.feed(candle(2, 1.2010, 1.2021, 1.2009, 1.2020))
	require.Equal(t, usecase.StateEnterOnPullBack, h.strategy.State())

	_, target, ok := h.strategy.PullbackTarget()
	require.True(t, ok)
	assert.InDelta(t, 1.2021, target, 1e-9)
}

func TestPullbackStrategy_VenueStopInsideEntryCandle(t *testing.T) {
	h := newHarness(t, strategyConfig, newFakeLedger(10000))
	h.enter()

	for id := range h.ledger.open {
		delete(h.ledger.open, id)
	}
	// the entry candle keeps forming and runs through the 1.1999 stop
	h.feed(candle(2, 1.2010, 1.2021, 1.1995, 1.1997))

	assert.Equal(t, usecase.StateFindEntryTrigger, h.strategy.State())
	require.Len(t, h.journal.trades, 1)
	assert.Equal(t, domain.TradeHitStop, h.journal.trades[0].Result)
}

func TestPullbackStrategy_MaxHoldSurvivesTrimmedHistory(t *testing.T) {
	cfg := strategyConfig
	cfg.MaxHoldCandles = 10
	ledger := newFakeLedger(10000)
	h := newHarnessWithLevels(t, cfg, usecase.SnRConfig{Lookback: 50}, 2, ledger)
	h.enter()

	h.feed(candle(3, 1.2014, 1.2020, 1.2005, 1.2018))
	assert.Equal(t, usecase.StateManagePosition, h.strategy.State())

	// the entry candle drops out of the two-candle history
	h.feed(candle(4, 1.2018, 1.2022, 1.2010, 1.2019))
	assert.Equal(t, usecase.StateFindEntryTrigger, h.strategy.State())
	require.Len(t, ledger.closed, 1)
	require.Len(t, h.journal.trades, 1)
	assert.Equal(t, domain.TradeClosed, h.journal.trades[0].Result)
}

func TestPullbackStrategy_PullbackExpires(t *testing.T) {
	h := newHarness(t, strategyConfig, newFakeLedger(10000))
	h.armLong()

	h.feed(candle(3, 1.2020, 1.2031, 1.2019, 1.2030))
	h.feed(candle(4, 1.2030, 1.2041, 1.2029, 1.2040))
	assert.Equal(t, usecase.StateEnterOnPullBack, h.strategy.State())

	h.feed(candle(5, 1.2040, 1.2051, 1.2039, 1.2050))
	assert.Equal(t, usecase.StateFindEntryTrigger, h.strategy.State())
	assert.Empty(t, h.ledger.orders)
}

func TestPullbackStrategy_InsufficientBudgetSkipsEntry(t *testing.T) {
	ledger := newFakeLedger(10000)
	ledger.risk = 100
	h := newHarness(t, strategyConfig, ledger)
	h.armLong()

	h.feed(candle(2, 1.2010, 1.2021, 1.2009, 1.2013))

	assert.Equal(t, usecase.StateFindEntryTrigger, h.strategy.State())
	assert.Empty(t, ledger.orders)
}

func TestPullbackStrategy_OrderFailureRetries(t *testing.T) {
	ledger := newFakeLedger(10000)
	ledger.failCreate = true
	h := newHarness(t, strategyConfig, ledger)
	h.armLong()

	h.feed(candle(2, 1.2010, 1.2021, 1.2009, 1.2013))
	assert.Equal(t, usecase.StateEnterOnPullBack, h.strategy.State())
	assert.Nil(t, h.strategy.Trade())

	ledger.failCreate = false
	h.feed(candle(2, 1.2010, 1.2021, 1.2009, 1.2012))
	assert.Equal(t, usecase.StateManagePosition, h.strategy.State())
	assert.Len(t, ledger.orders, 1)
}

func TestPullbackStrategy_MaxHoldClosesPosition(t *testing.T) {
	cfg := strategyConfig
	cfg.MaxHoldCandles = 2
	ledger := newFakeLedger(10000)
	h := newHarness(t, cfg, ledger)
	h.enter()

	h.feed(candle(3, 1.2014, 1.2020, 1.2005, 1.2018))
	assert.Equal(t, usecase.StateManagePosition, h.strategy.State())

	ledger.closeErr = errors.New("venue busy")
	h.feed(candle(4, 1.2018, 1.2022, 1.2010, 1.2019))
	assert.Equal(t, usecase.StateManagePosition, h.strategy.State(), "close failed, retried next tick")

	ledger.closeErr = nil
	h.feed(candle(4, 1.2018, 1.2022, 1.2010, 1.2020))
	assert.Equal(t, usecase.StateFindEntryTrigger, h.strategy.State())
	require.Len(t, h.journal.trades, 1)
	assert.Equal(t, domain.TradeClosed, h.journal.trades[0].Result)
}

func TestStrategyState_String(t *testing.T) {
	assert.Equal(t, "FIND_ENTRY_TRIGGER", usecase.StateFindEntryTrigger.String())
	assert.Equal(t, "ENTER_ON_PULLBACK", usecase.StateEnterOnPullBack.String())
	assert.Equal(t, "MANAGE_POSITION", usecase.StateManagePosition.String())
}
