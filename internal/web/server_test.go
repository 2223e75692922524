package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/metrics"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/storage"
	"github.com/vitos/crypto_trade_snr/internal/usecase"
)

var eurusd = domain.InstrumentSpec{Symbol: "EURUSD", PipSize: 0.0001, PipValue: 0.1, MinVolume: 1, VolumeStep: 1}

type fixture struct {
	server  *Server
	journal *storage.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	journal, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	paper := exchange.NewPaperExecutor(10000, "USD", map[string]domain.InstrumentSpec{"EURUSD": eurusd}, 0, nil)
	broker := usecase.NewBroker(paper, usecase.InstrumentRegistry{"EURUSD": eurusd}, usecase.BrokerConfig{Exchange: "paper"}, nil, m)

	cfg := usecase.SessionConfig{
		MaxCandles: 100,
		SnR:        usecase.SnRConfig{Lookback: 50, BucketPips: 5, VolatilityFactor: 0.5},
		Horizon:    3,
		Strategy: usecase.StrategyConfig{
			Exchange:       "paper",
			TrendLookback:  3,
			TrendSmoothing: 1,
			TrendThreshold: 100,
			Trade:          usecase.TradeParams{Lookback: 3, MinRewardToRisk: 1, MaxRewardToRisk: 2, MaxRiskPercent: 1, StopSafetyFactor: 1},
		},
	}
	sess := usecase.NewSession(cfg, eurusd, broker, journal,
		[]usecase.Forecaster{usecase.EMASlopeForecaster{Period: 3, Threshold: 0.1}}, nil, m)

	ctx := context.Background()
	for i := range 6 {
		c := domain.NewCandle(int64(i+1), 1.2000, 1.2100, 1.2000, 1.2100, 0)
		if i%2 == 1 {
			c = domain.NewCandle(int64(i+1), 1.2100, 1.2100, 1.2000, 1.2000, 0)
		}
		paper.OnCandle("EURUSD", c)
		require.NoError(t, sess.OnCandle(ctx, c))
	}

	return &fixture{
		server:  NewServer(0, []*usecase.Session{sess}, broker, journal, reg, nil),
		journal: journal,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Status(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status []usecase.SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status, 1)
	assert.Equal(t, "EURUSD", status[0].Symbol)
	assert.Equal(t, 6, status[0].Candles)
	assert.Equal(t, "FIND_ENTRY_TRIGGER", status[0].State)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/status?symbol=GBPUSD").Code)
}

func TestServer_Levels(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/levels?symbol=EURUSD")
	require.Equal(t, http.StatusOK, rec.Code)

	var levels map[string]usecase.SnRResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &levels))
	require.Contains(t, levels, "EURUSD")
	assert.NotEmpty(t, levels["EURUSD"].Levels)
}

func TestServer_Ledger(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/ledger")
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		Account          domain.AccountSnapshot `json:"account"`
		TotalRiskPercent float64                `json:"total_risk_percent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 10000.0, view.Account.Balance)
	assert.Zero(t, view.TotalRiskPercent)
}

func TestServer_Trades(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	require.NoError(t, f.journal.SaveTrade(context.Background(), &domain.TradeRecord{
		Exchange: "paper", Symbol: "EURUSD", Side: domain.SideLong, Volume: 10,
		Result: domain.TradeHitTarget, OpenedAt: now, ClosedAt: now,
	}))

	rec := f.get(t, "/api/trades?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []domain.TradeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeHitTarget, trades[0].Result)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/trades?limit=abc").Code)
}

func TestServer_PredictorsAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/predictors")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []domain.PredictorStepStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))

	rec = f.get(t, "/api/predictors?stored=1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "snr_candles_total")
}
