package usecase

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/vitos/crypto_trade_snr/internal/domain"
)

type TradeParams struct {
	Lookback         int     // candles scanned for the stop
	MinRewardToRisk  float64 // target band start, multiples of the stop distance
	MaxRewardToRisk  float64 // target band end
	MaxRiskPercent   float64 // account risk cap including this trade
	StopSafetyFactor float64 // multiplies the stop distance, 1 when unset

	// EntryIndex enters at the open of a historical candle. It wins over EntryPrice.
	EntryIndex *int
	// EntryPrice is an explicit entry; zero means the current market price.
	EntryPrice float64
	// Pending marks the trade as a limit order at EntryPrice.
	Pending bool
}

// Trade is a sized trade plan that tracks its own excursion until it resolves.
type Trade struct {
	Symbol       string
	Label        string
	Side         domain.Side
	EntryPrice   float64
	StopLoss     float64
	TakeProfit   float64
	StopDistance float64
	Volume       float64
	Pending      bool
	TargetLevel  *domain.Level // the level the target was snapped to, if any

	PeakFavorable float64
	PeakAdverse   float64
	Result        domain.TradeResult
	EntryTime     int64
	ClosedIndex   int

	spec     domain.InstrumentSpec
	lastTime int64
}

// NewTrade derives entry, stop, volume and target for a trade in the given direction.
// The volume is chosen so that the account risk after the trade stays within MaxRiskPercent.
func NewTrade(side domain.Side, series *Series, ledger RiskLedger, levels SnRResult, p TradeParams) (*Trade, error) {
	sign := side.Sign()
	if sign == 0 {
		return nil, fmt.Errorf("invalid side %q", side)
	}
	if series.Count() == 0 {
		return nil, domain.ErrNoMarketPrice
	}
	spec := series.Spec()
	if spec.PipSize <= 0 || spec.PipValue <= 0 {
		return nil, fmt.Errorf("%w: %s has no pip size or value", domain.ErrUnknownInstrument, spec.Symbol)
	}

	t := &Trade{
		Symbol:  spec.Symbol,
		Side:    side,
		Pending: p.Pending,
		Result:  domain.TradeOpen,
		spec:    spec,
	}

	// entry
	entryIndex := 0
	latest, _ := series.Latest()
	t.EntryTime = latest.Time
	switch {
	case p.EntryIndex != nil:
		c, err := series.At(*p.EntryIndex)
		if err != nil {
			return nil, err
		}
		entryIndex = *p.EntryIndex
		t.EntryTime = c.Time
		t.EntryPrice = c.Open
		if side == domain.SideLong {
			t.EntryPrice += spec.Spread
		}
	case p.EntryPrice > 0:
		t.EntryPrice = p.EntryPrice
	default:
		t.EntryPrice = series.Price(side)
	}
	t.lastTime = t.EntryTime

	// stop
	lookback := max(p.Lookback, 1)
	i0, i1 := entryIndex+1-lookback, entryIndex+1
	if p.EntryIndex != nil {
		// a historical entry happens at the open; that candle's range comes later
		i0, i1 = entryIndex-lookback, entryIndex
	}
	stop := 0.0
	for _, c := range series.Window(i0, i1) {
		stop = math.Max(stop, sign*(t.EntryPrice-c.WickLimit(-sign)))
	}
	if stop <= 0 {
		stop = series.MedianCandleSize(i0, i1)
	}
	if stop <= 0 {
		stop = spec.PipSize
	}
	if side == domain.SideShort {
		stop += spec.Spread
	}
	if p.StopSafetyFactor > 0 {
		stop *= p.StopSafetyFactor
	}

	// volume
	budget := ledger.Snapshot().AvailableRisk(p.MaxRiskPercent)
	if budget <= 0 {
		return nil, fmt.Errorf("%w: available %.2f", domain.ErrInsufficientRiskBudget, budget)
	}
	stopPips := roundTo(spec.Pips(stop), 1e-6)
	raw := budget / (stopPips * spec.PipValue)
	t.Volume = floorToStep(raw, spec.VolumeStep)
	if t.Volume < spec.MinVolume {
		// the smallest tradable size, with the stop tightened when it would not fit the budget
		t.Volume = spec.MinVolume
		stop = math.Min(stop, budget/(spec.MinVolume*spec.PipValue)*spec.PipSize)
	}
	if t.Volume <= 0 {
		return nil, fmt.Errorf("%w: volume rounds to zero", domain.ErrInsufficientRiskBudget)
	}
	t.StopDistance = stop
	t.StopLoss = t.EntryPrice - sign*stop

	// target
	minRtR := p.MinRewardToRisk
	if minRtR <= 0 {
		minRtR = 1
	}
	maxRtR := math.Max(p.MaxRewardToRisk, minRtR)
	t.TakeProfit = t.EntryPrice + sign*minRtR*stop
	if l, ok := levels.NearestWithin(t.EntryPrice, sign, t.TakeProfit, t.EntryPrice+sign*maxRtR*stop); ok {
		t.TakeProfit = l.Price
		t.TargetLevel = &l
	}
	return t, nil
}

// AddCandle feeds a candle that formed after the entry. Candles at or before the last one
// seen, and any candle after the trade resolved, are ignored. Within a candle the stop is
// checked before the target.
func (t *Trade) AddCandle(c domain.Candle, index int) {
	if t.Result != domain.TradeOpen || c.Time <= t.lastTime {
		return
	}
	t.lastTime = c.Time
	t.walk(c, index)
}

// Settle feeds the candle during which the position was closed outside the trade, even when
// it is the entry candle or was already seen.
func (t *Trade) Settle(c domain.Candle, index int) {
	if t.Result != domain.TradeOpen {
		return
	}
	t.lastTime = max(t.lastTime, c.Time)
	t.walk(c, index)
}

func (t *Trade) walk(c domain.Candle, index int) {
	sign := t.Side.Sign()
	adj := 0.0
	if t.Side == domain.SideShort {
		// shorts exit at the ask
		adj = t.spec.Spread
	}
	for _, px := range [4]float64{c.Open, c.WickLimit(-sign), c.WickLimit(sign), c.Close} {
		px += adj
		if sign*(px-t.StopLoss) <= 0 {
			t.PeakAdverse = t.StopDistance
			t.Result = domain.TradeHitStop
			t.ClosedIndex = index
			return
		}
		if sign*(px-t.TakeProfit) >= 0 {
			t.PeakFavorable = sign * (t.TakeProfit - t.EntryPrice)
			t.Result = domain.TradeHitTarget
			t.ClosedIndex = index
			return
		}
		move := sign * (px - t.EntryPrice)
		t.PeakFavorable = math.Max(t.PeakFavorable, move)
		t.PeakAdverse = math.Max(t.PeakAdverse, -move)
	}
}

// Close marks a still-open trade as closed by the strategy.
func (t *Trade) Close() {
	if t.Result == domain.TradeOpen {
		t.Result = domain.TradeClosed
	}
}

// RiskInAccountCurrency is the loss if the stop is hit.
func (t *Trade) RiskInAccountCurrency() float64 {
	return t.spec.Pips(t.StopDistance) * t.spec.PipValue * t.Volume
}

func (t *Trade) RewardToRisk() float64 {
	if t.StopDistance <= 0 {
		return 0
	}
	return t.Side.Sign() * (t.TakeProfit - t.EntryPrice) / t.StopDistance
}

func (t *Trade) PeakFavorablePips() float64 { return t.spec.Pips(t.PeakFavorable) }
func (t *Trade) PeakAdversePips() float64   { return t.spec.Pips(t.PeakAdverse) }

func roundTo(v, unit float64) float64 {
	return math.Round(v/unit) * unit
}

// floorToStep rounds v to 8 decimals, then down to a multiple of step.
func floorToStep(v, step float64) float64 {
	d := decimal.NewFromFloat(v).Round(8)
	if step > 0 {
		s := decimal.NewFromFloat(step)
		d = d.Div(s).Floor().Mul(s)
	}
	f, _ := d.Float64()
	return f
}

// IsSizingFailure reports errors that mean the trade does not fit, as opposed to bad input.
func IsSizingFailure(err error) bool {
	return errors.Is(err, domain.ErrInsufficientRiskBudget)
}
