package domain

import "context"

// OrderExecutor is the order execution sink of the host platform.
type OrderExecutor interface {
	Submit(ctx context.Context, req OrderRequest) (*Position, error)
	Close(ctx context.Context, pos *Position) error
}

// AccountSource returns the current account snapshot.
type AccountSource interface {
	Account(ctx context.Context) (AccountSnapshot, error)
}

// PositionSource enumerates live positions and pending orders across all symbols.
type PositionSource interface {
	Positions(ctx context.Context) ([]*Position, error)
	PendingOrders(ctx context.Context) ([]*Position, error)
}

// Venue is everything the risk ledger needs from the host platform.
type Venue interface {
	OrderExecutor
	AccountSource
	PositionSource
}

// TradeJournal stores closed trades and predictor evaluations.
type TradeJournal interface {
	SaveTrade(ctx context.Context, rec *TradeRecord) error
	ListTrades(ctx context.Context, limit int) ([]*TradeRecord, error)

	SavePredictorStats(ctx context.Context, stats []PredictorStepStats) error
	ListPredictorStats(ctx context.Context, symbol string) ([]PredictorStepStats, error)
}
