package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/metrics"
)

// InstrumentRegistry maps a symbol to its static parameters. It is read-only once the
// sessions are running.
type InstrumentRegistry map[string]domain.InstrumentSpec

// LedgerSnapshot is the account-wide risk state, rebuilt from scratch on every refresh.
type LedgerSnapshot struct {
	Account               domain.AccountSnapshot `json:"account"`
	Positions             []*domain.Position     `json:"positions"`
	Pending               []*domain.Position     `json:"pending"`
	RiskFromOpenPositions float64                `json:"risk_from_open_positions"`
	RiskFromPendingOrders float64                `json:"risk_from_pending_orders"`
	UpdatedAt             time.Time              `json:"updated_at"`
}

func (s LedgerSnapshot) TotalRisk() float64 {
	return s.RiskFromOpenPositions + s.RiskFromPendingOrders
}

// TotalRiskPercent is the total risk as a percentage of the balance; 0 without a balance.
func (s LedgerSnapshot) TotalRiskPercent() float64 {
	if s.Account.Balance <= 0 {
		return 0
	}
	return 100 * s.TotalRisk() / s.Account.Balance
}

// AvailableRisk is the account-currency budget left under maxRiskPercent.
func (s LedgerSnapshot) AvailableRisk(maxRiskPercent float64) float64 {
	if s.Account.Balance <= 0 {
		return 0
	}
	return (maxRiskPercent - s.TotalRiskPercent()) * s.Account.Balance / 100
}

// RiskLedger gives trade sizing a consistent view of the account risk.
type RiskLedger interface {
	Snapshot() LedgerSnapshot
}

// Ledger is the risk ledger as used by strategies: a snapshot source that can also route orders.
type Ledger interface {
	RiskLedger
	Update(ctx context.Context) error
	CreateOrder(ctx context.Context, trade *Trade) *domain.Position
	ClosePosition(ctx context.Context, pos *domain.Position) error
	HasPosition(pos *domain.Position) bool
}

type BrokerConfig struct {
	Exchange     string
	OrderTimeout time.Duration
}

// Broker is the risk ledger shared by every session of an account.
type Broker struct {
	venue       domain.Venue
	instruments InstrumentRegistry
	cfg         BrokerConfig
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu       sync.RWMutex
	snapshot LedgerSnapshot
	newLabel func() string
	now      func() time.Time
}

func NewBroker(venue domain.Venue, instruments InstrumentRegistry, cfg BrokerConfig, logger *zap.Logger, m *metrics.Metrics) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	return &Broker{
		venue:       venue,
		instruments: instruments,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		newLabel:    func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// Snapshot returns the ledger state of the last refresh.
func (b *Broker) Snapshot() LedgerSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

func (b *Broker) TotalRisk() float64        { return b.Snapshot().TotalRisk() }
func (b *Broker) TotalRiskPercent() float64 { return b.Snapshot().TotalRiskPercent() }

// Update pulls the account, positions and pending orders and recomputes the risk.
// On failure the previous snapshot is kept.
func (b *Broker) Update(ctx context.Context) error {
	account, err := b.venue.Account(ctx)
	if err != nil {
		b.metrics.CollaboratorError("account")
		return fmt.Errorf("failed to fetch account: %w", err)
	}
	positions, err := b.venue.Positions(ctx)
	if err != nil {
		b.metrics.CollaboratorError("positions")
		return fmt.Errorf("failed to fetch positions: %w", err)
	}
	pending, err := b.venue.PendingOrders(ctx)
	if err != nil {
		b.metrics.CollaboratorError("pending_orders")
		return fmt.Errorf("failed to fetch pending orders: %w", err)
	}

	snap := LedgerSnapshot{
		Account:               account,
		Positions:             positions,
		Pending:               pending,
		RiskFromOpenPositions: b.sumRisk(positions),
		RiskFromPendingOrders: b.sumRisk(pending),
		UpdatedAt:             b.now(),
	}

	b.mu.Lock()
	b.snapshot = snap
	b.mu.Unlock()

	b.metrics.SetLedger(account.Balance, snap.TotalRiskPercent())
	return nil
}

func (b *Broker) sumRisk(positions []*domain.Position) float64 {
	total := 0.0
	for _, p := range positions {
		r, err := b.positionRisk(p)
		if err != nil {
			b.logger.Warn("Position not valued in ledger", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		total += r
	}
	return total
}

// positionRisk is the account-currency loss if the stop is hit. A position without a stop
// counts as zero incremental risk.
func (b *Broker) positionRisk(p *domain.Position) (float64, error) {
	if p.StopLoss == 0 {
		return 0, nil
	}
	spec, ok := b.instruments[p.Symbol]
	if !ok || spec.PipSize <= 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, p.Symbol)
	}
	distance := p.Side.Sign() * (p.EntryPrice - p.StopLoss)
	return spec.Pips(distance) * spec.PipValue * p.Size, nil
}

// CreateOrder sends the trade to the venue. Failures are logged and yield nil.
// A filled order is added to the snapshot until the next refresh so that other
// sessions sizing in the meantime see its risk.
func (b *Broker) CreateOrder(ctx context.Context, trade *Trade) *domain.Position {
	if trade.Label == "" {
		trade.Label = b.newLabel()
	}
	req := domain.OrderRequest{
		Symbol:     trade.Symbol,
		Label:      trade.Label,
		Side:       trade.Side,
		Volume:     trade.Volume,
		StopLoss:   trade.StopLoss,
		TakeProfit: trade.TakeProfit,
	}
	if trade.Pending {
		req.EntryPrice = trade.EntryPrice
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.OrderTimeout)
	defer cancel()

	pos, err := b.venue.Submit(ctx, req)
	if err != nil || pos == nil {
		if err == nil {
			err = domain.ErrOrderRejected
		}
		b.metrics.Order(trade.Symbol, "failed")
		b.metrics.CollaboratorError("submit")
		b.logger.Error("Order submission failed",
			zap.String("symbol", trade.Symbol),
			zap.String("side", string(trade.Side)),
			zap.Float64("volume", trade.Volume),
			zap.Error(err))
		return nil
	}
	if pos.Label == "" {
		pos.Label = trade.Label
	}
	// market fills come back without a price until the next refresh
	if pos.EntryPrice == 0 {
		pos.EntryPrice = trade.EntryPrice
	}
	if pos.StopLoss == 0 {
		pos.StopLoss = trade.StopLoss
	}

	risk, rerr := b.positionRisk(pos)
	if rerr != nil {
		b.logger.Warn("Position not valued in ledger", zap.String("symbol", pos.Symbol), zap.Error(rerr))
	}
	b.mu.Lock()
	// copy on write, readers may hold the previous slices
	if pos.Pending {
		b.snapshot.Pending = append(slices.Clip(b.snapshot.Pending), pos)
		b.snapshot.RiskFromPendingOrders += risk
	} else {
		b.snapshot.Positions = append(slices.Clip(b.snapshot.Positions), pos)
		b.snapshot.RiskFromOpenPositions += risk
	}
	b.mu.Unlock()

	b.metrics.Order(trade.Symbol, "submitted")
	b.logger.Info("Order submitted",
		zap.String("symbol", trade.Symbol),
		zap.String("label", trade.Label),
		zap.String("id", pos.ID),
		zap.String("side", string(trade.Side)),
		zap.Float64("volume", trade.Volume),
		zap.Float64("entry", trade.EntryPrice),
		zap.Float64("stop_loss", trade.StopLoss),
		zap.Float64("take_profit", trade.TakeProfit))
	return pos
}

// ClosePosition asks the venue to close a position or cancel a pending order.
func (b *Broker) ClosePosition(ctx context.Context, pos *domain.Position) error {
	if pos == nil {
		return errors.New("nil position")
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.OrderTimeout)
	defer cancel()

	if err := b.venue.Close(ctx, pos); err != nil {
		b.metrics.CollaboratorError("close")
		b.logger.Error("Failed to close position", zap.String("symbol", pos.Symbol), zap.String("id", pos.ID), zap.Error(err))
		return fmt.Errorf("failed to close %s: %w", pos.ID, err)
	}
	b.metrics.Order(pos.Symbol, "closed")
	return nil
}

// HasPosition reports whether the snapshot still holds the position (matched by ID, then label).
func (b *Broker) HasPosition(pos *domain.Position) bool {
	if pos == nil {
		return false
	}
	snap := b.Snapshot()
	for _, list := range [][]*domain.Position{snap.Positions, snap.Pending} {
		for _, p := range list {
			if p.Symbol != pos.Symbol {
				continue
			}
			if (pos.ID != "" && p.ID == pos.ID) || (pos.Label != "" && p.Label == pos.Label) {
				return true
			}
		}
	}
	return false
}
