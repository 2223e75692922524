package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/usecase"
)

func newTestSession(ledger usecase.Ledger) *usecase.Session {
	cfg := usecase.SessionConfig{
		MaxCandles: 100,
		SnR:        usecase.SnRConfig{Lookback: 50, BucketPips: 5, VolatilityFactor: 0.5},
		Horizon:    3,
		Strategy:   strategyConfig,
	}
	forecasters := []usecase.Forecaster{
		alwaysLong(),
		usecase.EMASlopeForecaster{Period: 3, Threshold: 0.1},
	}
	return usecase.NewSession(cfg, eurusd, ledger, &memJournal{}, forecasters, nil, nil)
}

func TestSession_OnCandle(t *testing.T) {
	ledger := newFakeLedger(10000)
	s := newTestSession(ledger)
	ctx := context.Background()

	require.NoError(t, s.Warmup([]domain.Candle{
		candle(1, 1.2000, 1.2100, 1.2000, 1.2100),
		candle(2, 1.2100, 1.2100, 1.2000, 1.2000),
		candle(3, 1.2000, 1.2100, 1.2000, 1.2100),
	}))
	assert.Zero(t, ledger.updates, "history does not touch the ledger")

	require.NoError(t, s.OnCandle(ctx, candle(4, 1.2100, 1.2100, 1.2000, 1.2000)))
	require.NoError(t, s.OnCandle(ctx, candle(4, 1.2100, 1.2100, 1.2000, 1.2010)))
	assert.Equal(t, 1, ledger.updates, "refreshed once per new candle")

	st := s.Status()
	assert.Equal(t, "EURUSD", st.Symbol)
	assert.Equal(t, 4, st.Candles)
	assert.Equal(t, 1.2010, st.Bid)
	require.NotNil(t, st.LastCandle)
	assert.Equal(t, int64(4), st.LastCandle.Time)
	assert.Equal(t, domain.SideLong, st.Forecasts["always_long"])
	assert.Contains(t, st.Forecasts, "ema_slope_3")
	assert.NotEmpty(t, st.State)

	levels := s.Levels()
	assert.NotEmpty(t, levels.Levels)

	stats := s.PredictorStats()
	require.NotEmpty(t, stats)
	for _, st := range stats {
		assert.Equal(t, "EURUSD", st.Symbol)
	}
}

func TestSession_RejectsMalformedCandle(t *testing.T) {
	s := newTestSession(newFakeLedger(10000))
	ctx := context.Background()

	require.NoError(t, s.OnCandle(ctx, candle(2, 1.2, 1.21, 1.19, 1.2)))
	err := s.OnCandle(ctx, candle(1, 1.2, 1.21, 1.19, 1.2))
	assert.ErrorIs(t, err, domain.ErrMalformedCandle)

	err = s.Warmup([]domain.Candle{{Time: 3, Open: -1, High: 1, Low: 1, Close: 1}})
	assert.ErrorIs(t, err, domain.ErrMalformedCandle)
	assert.Equal(t, 1, s.Status().Candles)
}
