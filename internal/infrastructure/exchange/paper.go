package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_snr/internal/domain"
)

// Fill is a simulated execution.
type Fill struct {
	OrderID  string      `json:"order_id"`
	Symbol   string      `json:"symbol"`
	Side     domain.Side `json:"side"`
	Volume   float64     `json:"volume"`
	Price    float64     `json:"price"`
	Slippage float64     `json:"slippage"`
	Reason   string      `json:"reason"` // open, stop, target, close
	PnL      float64     `json:"pnl"`
	FilledAt time.Time   `json:"filled_at"`
}

type paperPosition struct {
	pos   *domain.Position
	since int64 // candle time of the fill; that candle's range is not replayed
}

// PaperExecutor simulates the venue for backtests and paper trading. Prices come from the
// candles passed to OnCandle; positions are closed pessimistically, stop before target.
type PaperExecutor struct {
	mu        sync.RWMutex
	specs     map[string]domain.InstrumentSpec
	balance   float64
	currency  string
	leverage  float64
	positions []*paperPosition
	pending   []*paperPosition
	last      map[string]domain.Candle
	fills     []Fill
	orderSeq  int64

	slippageBps float64
	logger      *zap.Logger
	now         func() time.Time
}

// NewPaperExecutor creates a simulated account. slippageBps worsens every market fill by
// that many basis points.
func NewPaperExecutor(balance float64, currency string, specs map[string]domain.InstrumentSpec, slippageBps float64, logger *zap.Logger) *PaperExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperExecutor{
		specs:       specs,
		balance:     balance,
		currency:    currency,
		leverage:    1,
		last:        make(map[string]domain.Candle),
		fills:       make([]Fill, 0, 256),
		slippageBps: slippageBps,
		logger:      logger,
		now:         time.Now,
	}
}

// GetFills returns a snapshot of all fills.
func (p *PaperExecutor) GetFills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

func (p *PaperExecutor) Submit(_ context.Context, req domain.OrderRequest) (*domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	spec, ok := p.specs[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", domain.ErrOrderRejected, domain.ErrUnknownInstrument, req.Symbol)
	}
	if req.Volume <= 0 || req.Side.Sign() == 0 {
		return nil, fmt.Errorf("%w: invalid order %s %v", domain.ErrOrderRejected, req.Side, req.Volume)
	}
	last, ok := p.last[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", domain.ErrOrderRejected, domain.ErrNoMarketPrice, req.Symbol)
	}

	p.orderSeq++
	pos := &domain.Position{
		ID:         fmt.Sprintf("PAPER-%d", p.orderSeq),
		Exchange:   "paper",
		Symbol:     req.Symbol,
		Label:      req.Label,
		Side:       req.Side,
		Size:       req.Volume,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   p.now(),
	}

	if req.EntryPrice > 0 {
		pos.EntryPrice = req.EntryPrice
		pos.Pending = true
		p.pending = append(p.pending, &paperPosition{pos: pos, since: last.Time})
		p.logger.Info("Paper limit order placed", zap.String("id", pos.ID), zap.String("symbol", pos.Symbol), zap.Float64("price", pos.EntryPrice))
		return clonePosition(pos), nil
	}

	price, slip := p.marketPrice(spec, last.Close, req.Side, true)
	pos.EntryPrice = price
	p.positions = append(p.positions, &paperPosition{pos: pos, since: last.Time})
	p.record(pos, price, slip, "open", 0)
	return clonePosition(pos), nil
}

func (p *PaperExecutor) Close(_ context.Context, pos *domain.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pp := range p.pending {
		if pp.pos.ID == pos.ID {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			p.logger.Info("Paper limit order cancelled", zap.String("id", pos.ID))
			return nil
		}
	}
	for i, pp := range p.positions {
		if pp.pos.ID != pos.ID {
			continue
		}
		spec := p.specs[pp.pos.Symbol]
		last := p.last[pp.pos.Symbol]
		price, slip := p.marketPrice(spec, last.Close, pp.pos.Side, false)
		p.realize(i, price, slip, "close")
		return nil
	}
	return fmt.Errorf("%w: %s not found", domain.ErrOrderRejected, pos.ID)
}

func (p *PaperExecutor) Account(_ context.Context) (domain.AccountSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	equity := p.balance
	for _, pp := range p.positions {
		spec := p.specs[pp.pos.Symbol]
		last, ok := p.last[pp.pos.Symbol]
		if !ok {
			continue
		}
		exit, _ := p.marketPrice(spec, last.Close, pp.pos.Side, false)
		equity += pnl(spec, pp.pos, exit)
	}
	return domain.AccountSnapshot{
		Balance:  p.balance,
		Equity:   equity,
		Currency: p.currency,
		Leverage: p.leverage,
	}, nil
}

func (p *PaperExecutor) Positions(_ context.Context) ([]*domain.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return clonePositions(p.positions), nil
}

func (p *PaperExecutor) PendingOrders(_ context.Context) ([]*domain.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return clonePositions(p.pending), nil
}

// OnCandle advances the simulation: limit orders fill, then stops and targets are checked.
// Candle prices are bid prices; buys fill and shorts exit at bid plus spread.
func (p *PaperExecutor) OnCandle(symbol string, c domain.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last[symbol] = c
	spec := p.specs[symbol]

	kept := p.pending[:0]
	for _, pp := range p.pending {
		pos := pp.pos
		if pos.Symbol != symbol || c.Time <= pp.since {
			kept = append(kept, pp)
			continue
		}
		long := pos.Side == domain.SideLong
		if (long && c.Low+spec.Spread <= pos.EntryPrice) || (!long && c.High >= pos.EntryPrice) {
			pos.Pending = false
			p.positions = append(p.positions, &paperPosition{pos: pos, since: c.Time - 1})
			p.record(pos, pos.EntryPrice, 0, "open", 0)
			continue
		}
		kept = append(kept, pp)
	}
	p.pending = kept

	for i := 0; i < len(p.positions); {
		pp := p.positions[i]
		pos := pp.pos
		if pos.Symbol != symbol || c.Time <= pp.since {
			i++
			continue
		}
		adj := 0.0
		if pos.Side == domain.SideShort {
			adj = spec.Spread
		}
		sign := pos.Side.Sign()
		adverse := c.WickLimit(-sign) + adj
		favorable := c.WickLimit(sign) + adj
		switch {
		case pos.StopLoss > 0 && sign*(adverse-pos.StopLoss) <= 0:
			p.realize(i, pos.StopLoss, 0, "stop")
		case pos.TakeProfit > 0 && sign*(favorable-pos.TakeProfit) >= 0:
			p.realize(i, pos.TakeProfit, 0, "target")
		default:
			i++
		}
	}
}

// marketPrice returns the fill price of a market order. Entries of longs and exits of
// shorts pay the spread; slippage always works against the order.
func (p *PaperExecutor) marketPrice(spec domain.InstrumentSpec, bid float64, side domain.Side, opening bool) (float64, float64) {
	buy := (side == domain.SideLong) == opening
	price := bid
	if buy {
		price += spec.Spread
	}
	slip := price * p.slippageBps / 10000
	if buy {
		return price + slip, slip
	}
	return price - slip, slip
}

// realize closes positions[i] at price and books the P&L. Callers hold the lock.
func (p *PaperExecutor) realize(i int, price, slip float64, reason string) {
	pos := p.positions[i].pos
	profit := pnl(p.specs[pos.Symbol], pos, price)
	p.balance += profit
	p.positions = append(p.positions[:i], p.positions[i+1:]...)
	p.record(pos, price, slip, reason, profit)
}

func (p *PaperExecutor) record(pos *domain.Position, price, slip float64, reason string, profit float64) {
	p.fills = append(p.fills, Fill{
		OrderID:  pos.ID,
		Symbol:   pos.Symbol,
		Side:     pos.Side,
		Volume:   pos.Size,
		Price:    price,
		Slippage: slip,
		Reason:   reason,
		PnL:      profit,
		FilledAt: p.now(),
	})
	p.logger.Info("Paper fill",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.String("reason", reason),
		zap.Float64("price", price),
		zap.Float64("volume", pos.Size),
		zap.Float64("pnl", profit),
		zap.Float64("balance", p.balance))
}

func pnl(spec domain.InstrumentSpec, pos *domain.Position, exit float64) float64 {
	return spec.Pips(pos.Side.Sign()*(exit-pos.EntryPrice)) * spec.PipValue * pos.Size
}

func clonePosition(pos *domain.Position) *domain.Position {
	cp := *pos
	return &cp
}

func clonePositions(list []*paperPosition) []*domain.Position {
	out := make([]*domain.Position, len(list))
	for i, pp := range list {
		out[i] = clonePosition(pp.pos)
	}
	return out
}
