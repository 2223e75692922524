package domain

import (
	"fmt"
	"math"
)

// Candle is an OHLC bar. Time is the bar open time in UTC milliseconds.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Median float64 `json:"median"`
	Volume float64 `json:"volume"`
}

// NewCandle builds a candle and repairs high/low so that they bound open and close.
func NewCandle(ts int64, open, high, low, close, volume float64) Candle {
	high = math.Max(high, math.Max(open, close))
	low = math.Min(low, math.Min(open, close))
	return Candle{
		Time:   ts,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Median: (high + low) / 2,
		Volume: volume,
	}
}

// Validate reports input contract violations. It is meant for the ingestion boundary.
func (c Candle) Validate() error {
	for _, p := range []float64{c.Open, c.High, c.Low, c.Close} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return fmt.Errorf("%w: price %v at %d", ErrMalformedCandle, p, c.Time)
		}
	}
	if math.IsNaN(c.Volume) || c.Volume < 0 {
		return fmt.Errorf("%w: volume %v at %d", ErrMalformedCandle, c.Volume, c.Time)
	}
	if c.High < c.Low {
		return fmt.Errorf("%w: high %v below low %v at %d", ErrMalformedCandle, c.High, c.Low, c.Time)
	}
	return nil
}

// Sign is +1 for a bullish candle, -1 for a bearish one and 0 when flat.
func (c Candle) Sign() float64 {
	switch {
	case c.Close > c.Open:
		return 1
	case c.Close < c.Open:
		return -1
	}
	return 0
}

func (c Candle) BodyLength() float64  { return math.Abs(c.Close - c.Open) }
func (c Candle) TotalLength() float64 { return c.High - c.Low }
func (c Candle) UpperWick() float64   { return c.High - math.Max(c.Open, c.Close) }
func (c Candle) LowerWick() float64   { return math.Min(c.Open, c.Close) - c.Low }

// WickLimit returns the high for sign>0, the low for sign<0 and the median otherwise.
func (c Candle) WickLimit(sign float64) float64 {
	switch {
	case sign > 0:
		return c.High
	case sign < 0:
		return c.Low
	}
	return c.Median
}

// BodyLimit returns the top of the body for sign>0, the bottom for sign<0 and the median otherwise.
func (c Candle) BodyLimit(sign float64) float64 {
	switch {
	case sign > 0:
		return math.Max(c.Open, c.Close)
	case sign < 0:
		return math.Min(c.Open, c.Close)
	}
	return c.Median
}

type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeDoji
	ShapeSpinningTop
	ShapeHammer
	ShapeInvertedHammer
	ShapeMarubozu
	ShapeMarubozuWeakening
	ShapeMarubozuStrengthening
)

func (s Shape) String() string {
	switch s {
	case ShapeDoji:
		return "Doji"
	case ShapeSpinningTop:
		return "SpinningTop"
	case ShapeHammer:
		return "Hammer"
	case ShapeInvertedHammer:
		return "InvertedHammer"
	case ShapeMarubozu:
		return "Marubozu"
	case ShapeMarubozuWeakening:
		return "MarubozuWeakening"
	case ShapeMarubozuStrengthening:
		return "MarubozuStrengthening"
	}
	return "Unknown"
}

// Classify names the candle shape from its body/wick ratios. referenceSize is the
// typical candle size of the surrounding window; a non-positive value uses the candle itself.
func (c Candle) Classify(referenceSize float64) Shape {
	total := c.TotalLength()
	if total <= 0 {
		return ShapeDoji
	}
	ref := referenceSize
	if ref <= 0 {
		ref = total
	}

	body := c.BodyLength()
	bodyRatio := body / total
	upper := c.UpperWick() / total
	lower := c.LowerWick() / total

	switch {
	case bodyRatio <= 0.1 || body <= 0.05*ref:
		return ShapeDoji
	case bodyRatio >= 0.85:
		// wick on the side the candle closed on vs the side it opened on
		closeWick, openWick := upper, lower
		if c.Sign() < 0 {
			closeWick, openWick = lower, upper
		}
		switch {
		case closeWick > openWick:
			return ShapeMarubozuWeakening
		case total >= 1.5*ref:
			return ShapeMarubozuStrengthening
		}
		return ShapeMarubozu
	case total >= 0.5*ref && lower >= 2*bodyRatio && upper <= 0.15:
		return ShapeHammer
	case total >= 0.5*ref && upper >= 2*bodyRatio && lower <= 0.15:
		return ShapeInvertedHammer
	case bodyRatio <= 0.35 && upper >= 0.25 && lower >= 0.25:
		return ShapeSpinningTop
	}
	return ShapeUnknown
}
