package usecase_test

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/usecase"
)

var eurusd = domain.InstrumentSpec{
	Symbol:     "EURUSD",
	PipSize:    0.0001,
	PipValue:   0.1,
	MinVolume:  1,
	VolumeStep: 1,
}

func candle(ts int64, open, high, low, close float64) domain.Candle {
	return domain.NewCandle(ts, open, high, low, close, 1)
}

func newSeries(t *testing.T, spec domain.InstrumentSpec, candles ...domain.Candle) *usecase.Series {
	t.Helper()
	s := usecase.NewSeries(spec, 0)
	for _, c := range candles {
		_, err := s.Append(c)
		require.NoError(t, err)
	}
	return s
}

func TestSeries_AppendIdempotence(t *testing.T) {
	s := usecase.NewSeries(eurusd, 0)

	isNew, err := s.Append(candle(1000, 1.1, 1.2, 1.0, 1.15))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, 1, s.Count())

	isNew, err = s.Append(candle(1000, 1.1, 1.25, 1.0, 1.22))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, 1, s.Count())

	c, err := s.At(0)
	require.NoError(t, err)
	assert.Equal(t, 1.22, c.Close)
	assert.Equal(t, 1.25, c.High)

	isNew, err = s.Append(candle(2000, 1.22, 1.3, 1.2, 1.25))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, 2, s.Count())
}

func TestSeries_AppendRejectsBadInput(t *testing.T) {
	s := newSeries(t, eurusd, candle(2000, 1.1, 1.2, 1.0, 1.15))

	_, err := s.Append(candle(1000, 1.1, 1.2, 1.0, 1.15))
	assert.ErrorIs(t, err, domain.ErrMalformedCandle)

	_, err = s.Append(candle(3000, 0, 1.2, 1.0, 1.15))
	assert.ErrorIs(t, err, domain.ErrMalformedCandle)
	assert.Equal(t, 1, s.Count())
}

func TestSeries_ReverseIndex(t *testing.T) {
	empty := usecase.NewSeries(eurusd, 0)
	assert.Equal(t, -1, empty.NewestIndex())
	_, err := empty.At(0)
	assert.ErrorIs(t, err, domain.ErrOutOfRange)

	s := newSeries(t, eurusd,
		candle(1, 1.0, 1.1, 0.9, 1.05),
		candle(2, 1.05, 1.2, 1.0, 1.1),
		candle(3, 1.1, 1.3, 1.1, 1.2),
	)
	assert.Equal(t, -2, s.OldestIndex())
	assert.Equal(t, 0, s.NewestIndex())

	tests := []struct {
		index int
		time  int64
		err   bool
	}{
		{0, 3, false},
		{-1, 2, false},
		{-2, 1, false},
		{-3, 0, true},
		{1, 0, true},
	}
	for _, tt := range tests {
		c, err := s.At(tt.index)
		if tt.err {
			assert.ErrorIs(t, err, domain.ErrOutOfRange, "index %d", tt.index)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.time, c.Time, "index %d", tt.index)
	}

	idx, ok := s.IndexOf(2)
	require.True(t, ok)
	assert.Equal(t, -1, idx)
	_, ok = s.IndexOf(42)
	assert.False(t, ok)
}

func TestSeries_MaxCandlesKeepsNewest(t *testing.T) {
	s := usecase.NewSeries(eurusd, 3)
	for ts := int64(1); ts <= 5; ts++ {
		_, err := s.Append(candle(ts, 1.0, 1.1, 0.9, 1.05))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Count())

	oldest, err := s.At(s.OldestIndex())
	require.NoError(t, err)
	assert.Equal(t, int64(3), oldest.Time)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(5), latest.Time)
}

func TestSeries_ListenersRunInOrder(t *testing.T) {
	s := usecase.NewSeries(eurusd, 0)
	var calls []string
	s.OnUpdate(func(newCandle bool) {
		if newCandle {
			calls = append(calls, "a:new")
		} else {
			calls = append(calls, "a:update")
		}
	})
	s.OnUpdate(func(bool) { calls = append(calls, "b") })

	_, _ = s.Append(candle(1, 1.0, 1.1, 0.9, 1.05))
	_, _ = s.Append(candle(1, 1.0, 1.1, 0.9, 1.06))

	assert.Equal(t, []string{"a:new", "b", "a:update", "b"}, calls)
}

func TestSeries_BidAsk(t *testing.T) {
	spec := eurusd
	spec.Spread = 0.0002
	s := newSeries(t, spec, candle(1, 1.1000, 1.1010, 1.0990, 1.1005))

	assert.Equal(t, 1.1005, s.Bid())
	assert.InDelta(t, 1.1007, s.Ask(), 1e-12)
	assert.Equal(t, s.Ask(), s.Price(domain.SideLong))
	assert.Equal(t, s.Bid(), s.Price(domain.SideShort))
}

func TestSeries_Statistics(t *testing.T) {
	s := newSeries(t, eurusd,
		candle(1, 1.0, 2.0, 1.0, 2.0),   // size 1, full bull body
		candle(2, 2.0, 4.0, 2.0, 4.0),   // size 2, full bull body
		candle(3, 4.0, 14.0, 4.0, 14.0), // size 10, full bull body
	)

	assert.InDelta(t, 2.0, s.MedianCandleSize(-2, 1), 1e-12)
	assert.InDelta(t, 13.0/3, s.MeanCandleSize(-2, 1), 1e-12)
	assert.InDelta(t, 1.0, s.MeasureTrend(-2, 1), 1e-12)
	assert.InDelta(t, 1.5, s.MedianCandleSize(-2, 0), 1e-12)

	// ranges are clamped, empty ranges are neutral
	assert.InDelta(t, 2.0, s.MedianCandleSize(-100, 100), 1e-12)
	assert.Equal(t, 0.0, s.MedianCandleSize(0, 0))
	assert.Equal(t, 0.0, s.MeasureTrend(1, 5))
	assert.Empty(t, s.Window(-100, -50))

	bear := newSeries(t, eurusd, candle(1, 2.0, 2.5, 0.5, 1.0))
	assert.InDelta(t, -0.5, bear.MeasureTrend(0, 1), 1e-12)

	flat := newSeries(t, eurusd, candle(1, 1.0, 1.0, 1.0, 1.0))
	assert.Equal(t, 0.0, flat.MeasureTrend(0, 1))
}

func TestSeries_HighResolutionPath(t *testing.T) {
	spec := eurusd
	spec.Spread = 0.5
	s := newSeries(t, spec,
		candle(1, 10, 13, 9, 12), // bullish: open, low, high, close
		candle(2, 12, 14, 8, 11), // bearish: open repeats the close, then high, low, close
	)

	var bids, indexes []float64
	for p := range s.HighResolutionPath(-1, 1) {
		bids = append(bids, p.Bid)
		indexes = append(indexes, p.Index)
		assert.Equal(t, p.Bid+0.5, p.Ask)
	}
	assert.Equal(t, []float64{10, 9, 13, 12, 14, 8, 11}, bids)
	assert.Equal(t, []float64{-1, -0.75, -0.5, -0.25, 0.25, 0.5, 0.75}, indexes)
}

func TestSeries_HighResolutionPathFlatCandle(t *testing.T) {
	s := newSeries(t, eurusd, candle(1, 10, 15, 9, 10))

	var bids []float64
	for p := range s.HighResolutionPath(0, 1) {
		bids = append(bids, p.Bid)
	}
	assert.Equal(t, []float64{10, 9, 15, 10}, bids)
}

func TestStationaryPoints_SwingsAroundBase(t *testing.T) {
	path := slices.Values([]usecase.PathPoint{
		{Index: 0, Bid: 1.00},
		{Index: 1, Bid: 1.01},
		{Index: 2, Bid: 0.99},
		{Index: 3, Bid: 1.01},
		{Index: 4, Bid: 0.99},
		{Index: 5, Bid: 1.00},
	})

	points := usecase.StationaryPoints(path, 0)
	require.Len(t, points, 4)
	assert.Equal(t, []float64{1, 2, 3, 4}, []float64{points[0].Index, points[1].Index, points[2].Index, points[3].Index})
	assert.Equal(t, 1.01, points[0].Price)
	assert.Equal(t, 0.99, points[1].Price)
}

func TestStationaryPoints_ToleranceFiltersNoise(t *testing.T) {
	path := slices.Values([]usecase.PathPoint{
		{Index: 0, Bid: 1.000},
		{Index: 1, Bid: 1.010},
		{Index: 2, Bid: 1.009}, // noise
		{Index: 3, Bid: 1.020},
		{Index: 4, Bid: 1.000},
	})

	assert.Len(t, usecase.StationaryPoints(path, 0), 3)
	points := usecase.StationaryPoints(path, 0.002)
	require.Len(t, points, 1)
	assert.Equal(t, 1.020, points[0].Price)
}
