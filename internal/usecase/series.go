package usecase

import (
	"fmt"
	"iter"
	"math"
	"sort"

	"github.com/vitos/crypto_trade_snr/internal/domain"
)

// Series is the append-only candle history of one instrument.
//
// Candles are addressed by reverse index: 0 is the newest (possibly still forming)
// candle and negative indices reach into the past. A fixed point in history moves one
// index further from 0 on every new candle; pin it with IndexOf when it must survive appends.
type Series struct {
	spec       domain.InstrumentSpec
	candles    []domain.Candle // oldest first
	maxCandles int
	listeners  []func(newCandle bool)
}

// NewSeries creates an empty series. maxCandles <= 0 keeps the whole history.
func NewSeries(spec domain.InstrumentSpec, maxCandles int) *Series {
	return &Series{
		spec:       spec,
		maxCandles: maxCandles,
	}
}

func (s *Series) Spec() domain.InstrumentSpec { return s.spec }

// SetSpread updates the current spread of the instrument.
func (s *Series) SetSpread(spread float64) { s.spec.Spread = spread }

func (s *Series) Count() int { return len(s.candles) }

// OldestIndex is the most negative valid index. It is 1 on an empty series, so no index is valid.
func (s *Series) OldestIndex() int { return 1 - len(s.candles) }

// NewestIndex is 0 once the series holds a candle, -1 before that.
func (s *Series) NewestIndex() int {
	if len(s.candles) == 0 {
		return -1
	}
	return 0
}

// OnUpdate registers a change listener. Listeners run synchronously, in registration order,
// after every Append.
func (s *Series) OnUpdate(fn func(newCandle bool)) {
	s.listeners = append(s.listeners, fn)
}

// Append adds a candle. A candle with the newest timestamp replaces the newest candle in place.
func (s *Series) Append(c domain.Candle) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}

	newCandle := true
	if n := len(s.candles); n > 0 {
		last := s.candles[n-1]
		switch {
		case c.Time == last.Time:
			newCandle = false
		case c.Time < last.Time:
			return false, fmt.Errorf("%w: timestamp %d older than newest %d", domain.ErrMalformedCandle, c.Time, last.Time)
		}
	}

	if newCandle {
		s.candles = append(s.candles, c)
		if s.maxCandles > 0 && len(s.candles) > s.maxCandles {
			trimmed := make([]domain.Candle, s.maxCandles, s.maxCandles+s.maxCandles/4+1)
			copy(trimmed, s.candles[len(s.candles)-s.maxCandles:])
			s.candles = trimmed
		}
	} else {
		s.candles[len(s.candles)-1] = c
	}

	for _, fn := range s.listeners {
		fn(newCandle)
	}
	return newCandle, nil
}

// At returns the candle at a reverse index.
func (s *Series) At(index int) (domain.Candle, error) {
	if index > s.NewestIndex() || index < s.OldestIndex() {
		return domain.Candle{}, fmt.Errorf("%w: %d not in [%d, %d]", domain.ErrOutOfRange, index, s.OldestIndex(), s.NewestIndex())
	}
	return s.candles[len(s.candles)-1+index], nil
}

// Latest returns the newest candle.
func (s *Series) Latest() (domain.Candle, bool) {
	if len(s.candles) == 0 {
		return domain.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// IndexOf returns the current reverse index of the candle opened at ts.
func (s *Series) IndexOf(ts int64) (int, bool) {
	pos := sort.Search(len(s.candles), func(i int) bool { return s.candles[i].Time >= ts })
	if pos == len(s.candles) || s.candles[pos].Time != ts {
		return 0, false
	}
	return pos - (len(s.candles) - 1), true
}

// Bid is the latest close. Candle prices are bid prices.
func (s *Series) Bid() float64 {
	c, ok := s.Latest()
	if !ok {
		return 0
	}
	return c.Close
}

// Ask is the latest close plus the spread.
func (s *Series) Ask() float64 {
	c, ok := s.Latest()
	if !ok {
		return 0
	}
	return c.Close + s.spec.Spread
}

// Price returns the market price on the entry side of a trade in the given direction.
func (s *Series) Price(side domain.Side) float64 {
	if side == domain.SideLong {
		return s.Ask()
	}
	return s.Bid()
}

// clamp maps the inclusive-exclusive reverse-index range [i0, i1) onto storage positions.
func (s *Series) clamp(i0, i1 int) (int, int) {
	n := len(s.candles)
	lo := n - 1 + max(i0, s.OldestIndex())
	hi := n - 1 + min(i1, 1)
	lo = min(max(lo, 0), n)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Window returns the candles in [i0, i1), oldest first. Out-of-range bounds are clamped.
func (s *Series) Window(i0, i1 int) []domain.Candle {
	lo, hi := s.clamp(i0, i1)
	return s.candles[lo:hi]
}

// MeanCandleSize is the mean high-low range over [i0, i1).
func (s *Series) MeanCandleSize(i0, i1 int) float64 {
	w := s.Window(i0, i1)
	if len(w) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range w {
		sum += c.TotalLength()
	}
	return sum / float64(len(w))
}

// MedianCandleSize is the median high-low range over [i0, i1).
func (s *Series) MedianCandleSize(i0, i1 int) float64 {
	w := s.Window(i0, i1)
	if len(w) == 0 {
		return 0
	}
	sizes := make([]float64, len(w))
	for i, c := range w {
		sizes[i] = c.TotalLength()
	}
	sort.Float64s(sizes)
	mid := len(sizes) / 2
	if len(sizes)%2 == 0 {
		return (sizes[mid-1] + sizes[mid]) / 2
	}
	return sizes[mid]
}

// MeasureTrend returns the body-weighted share of same-sign candles over [i0, i1),
// normalised by the candles' total length. The result lies in [-1, 1].
func (s *Series) MeasureTrend(i0, i1 int) float64 {
	var signed, total float64
	for _, c := range s.Window(i0, i1) {
		signed += c.Sign() * c.BodyLength()
		total += c.TotalLength()
	}
	if total <= 0 {
		return 0
	}
	return signed / total
}

// PathPoint is one sample of the reconstructed intrabar price path.
type PathPoint struct {
	Index float64
	Ask   float64
	Bid   float64
}

// HighResolutionPath walks [i0, i1) through each candle's open, extremes and close.
// Bullish candles visit the low before the high, bearish candles the high before the low,
// flat candles visit the extreme nearer the open first. Repeated prices are skipped.
func (s *Series) HighResolutionPath(i0, i1 int) iter.Seq[PathPoint] {
	lo, hi := s.clamp(i0, i1)
	candles := s.candles[lo:hi]
	first := float64(lo - (len(s.candles) - 1))
	spread := s.spec.Spread

	return func(yield func(PathPoint) bool) {
		last := math.NaN()
		for k, c := range candles {
			base := first + float64(k)
			for j, p := range intrabar(c) {
				if p == last {
					continue
				}
				last = p
				if !yield(PathPoint{Index: base + float64(j)/4, Ask: p + spread, Bid: p}) {
					return
				}
			}
		}
	}
}

func intrabar(c domain.Candle) [4]float64 {
	lowFirst := c.Sign() > 0
	if c.Sign() == 0 {
		lowFirst = c.Open-c.Low <= c.High-c.Open
	}
	if lowFirst {
		return [4]float64{c.Open, c.Low, c.High, c.Close}
	}
	return [4]float64{c.Open, c.High, c.Low, c.Close}
}

// StationaryPoints returns the direction reversals of a path. Moves of at most tolerance
// are treated as noise. Each reversal is reported at the sample before the direction change.
func StationaryPoints(path iter.Seq[PathPoint], tolerance float64) []domain.StationaryPoint {
	var (
		points  []domain.StationaryPoint
		prev    PathPoint
		started bool
		dir     float64
	)
	for p := range path {
		if !started {
			prev, started = p, true
			continue
		}
		d := p.Bid - prev.Bid
		if math.Abs(d) <= tolerance {
			continue
		}
		next := math.Copysign(1, d)
		if dir != 0 && next != dir {
			points = append(points, domain.StationaryPoint{Index: prev.Index, Price: prev.Bid})
		}
		dir = next
		prev = p
	}
	return points
}
