package domain

import "errors"

var (
	ErrOutOfRange             = errors.New("index out of range")
	ErrMalformedCandle        = errors.New("malformed candle")
	ErrInsufficientRiskBudget = errors.New("insufficient risk budget")
	ErrNoMarketPrice          = errors.New("no market price")
	ErrOrderRejected          = errors.New("order rejected")
	ErrUnknownInstrument      = errors.New("unknown instrument")
)
