package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for long, -1 for short and 0 for anything else.
func (s Side) Sign() float64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	}
	return 0
}

func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	}
	return ""
}

// SideFromSign maps a price sign to a side; zero maps to the empty side.
func SideFromSign(sign float64) Side {
	switch {
	case sign > 0:
		return SideLong
	case sign < 0:
		return SideShort
	}
	return ""
}

// Position is an open position or a pending order as reported by the execution venue.
// StopLoss and TakeProfit are zero when not set.
type Position struct {
	ID         string    `json:"id"`
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Label      string    `json:"label"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Pending    bool      `json:"pending"`
	OpenedAt   time.Time `json:"opened_at"`
}

// OrderRequest is what the risk ledger hands to the execution sink.
// EntryPrice zero means a market order.
type OrderRequest struct {
	Symbol     string
	Label      string
	Side       Side
	Volume     float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
}

// AccountSnapshot is the account state pulled from the host platform.
type AccountSnapshot struct {
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Currency string  `json:"currency"`
	Leverage float64 `json:"leverage"`
}

// TradeResult is the lifecycle outcome of a sized trade.
type TradeResult string

const (
	TradeOpen      TradeResult = "OPEN"
	TradeHitStop   TradeResult = "HIT_STOP"
	TradeHitTarget TradeResult = "HIT_TARGET"
	TradeClosed    TradeResult = "CLOSED"
)

// TradeRecord is a closed trade as stored in the journal.
type TradeRecord struct {
	ID            int64       `json:"id"`
	Exchange      string      `json:"exchange"`
	Symbol        string      `json:"symbol"`
	Label         string      `json:"label"`
	Side          Side        `json:"side"`
	Volume        float64     `json:"volume"`
	EntryPrice    float64     `json:"entry_price"`
	StopLoss      float64     `json:"stop_loss"`
	TakeProfit    float64     `json:"take_profit"`
	PeakFavorable float64     `json:"peak_favorable"`
	PeakAdverse   float64     `json:"peak_adverse"`
	Result        TradeResult `json:"result"`
	OpenedAt      time.Time   `json:"opened_at"`
	ClosedAt      time.Time   `json:"closed_at"`
}
