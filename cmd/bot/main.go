package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_snr/internal/config"
	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/logger"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/metrics"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/storage"
	"github.com/vitos/crypto_trade_snr/internal/usecase"
	"github.com/vitos/crypto_trade_snr/internal/web"
)

const (
	statsFlushInterval = time.Minute
	reconnectDelay     = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Exchange (Bybit feed, Bybit or paper execution)
	bybit := exchange.NewBybitAdapter(exchange.BybitConfig{
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		BaseURL:           cfg.Exchange.RESTEndpoint,
		WSURL:             cfg.Exchange.WSEndpoint,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
	}, log.Named("bybit"))

	registry := make(usecase.InstrumentRegistry, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		spec, err := resolveSpec(ctx, bybit, inst)
		if err != nil {
			log.Fatal("Failed to resolve instrument", zap.String("symbol", inst.Symbol), zap.Error(err))
		}
		registry[inst.Symbol] = spec
		log.Info("Instrument ready",
			zap.String("symbol", spec.Symbol),
			zap.Float64("pip_size", spec.PipSize),
			zap.Float64("pip_value", spec.PipValue),
			zap.Float64("min_volume", spec.MinVolume),
			zap.Float64("spread", spec.Spread))
	}

	var venue domain.Venue = bybit
	var paper *exchange.PaperExecutor
	if cfg.Exchange.Name == "paper" {
		paper = exchange.NewPaperExecutor(cfg.Paper.Balance, cfg.Paper.Currency, registry, cfg.Paper.SlippageBps, log.Named("paper"))
		venue = paper
	}

	// 5. Init Broker and Sessions
	broker := usecase.NewBroker(venue, registry, cfg.BrokerConfig(), log.Named("broker"), m)

	sessions := make(map[string]*usecase.Session, len(cfg.Instruments))
	ordered := make([]*usecase.Session, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		forecasters, err := cfg.Forecasters()
		if err != nil {
			log.Fatal("Failed to build forecasters", zap.Error(err))
		}
		sess := usecase.NewSession(cfg.SessionConfig(), registry[inst.Symbol], broker, store, forecasters, log.Named(inst.Symbol), m)

		history, err := bybit.GetCandles(ctx, inst.Symbol, inst.Interval, inst.History)
		if err != nil {
			log.Error("Failed to load history", zap.String("symbol", inst.Symbol), zap.Error(err))
		} else if err := sess.Warmup(history); err != nil {
			log.Error("Failed to warm up", zap.String("symbol", inst.Symbol), zap.Error(err))
		}
		if paper != nil && len(history) > 0 {
			paper.OnCandle(inst.Symbol, history[len(history)-1])
		}
		log.Info("Session warmed up", zap.String("symbol", inst.Symbol), zap.Int("candles", len(history)))

		sessions[inst.Symbol] = sess
		ordered = append(ordered, sess)
	}

	if err := broker.Update(ctx); err != nil {
		log.Warn("Initial ledger update failed", zap.Error(err))
	}

	// 6. Stream klines, one connection per interval
	byInterval := make(map[string][]string)
	for _, inst := range cfg.Instruments {
		byInterval[inst.Interval] = append(byInterval[inst.Interval], inst.Symbol)
	}
	onCandle := func(symbol string, c domain.Candle) {
		sess, ok := sessions[symbol]
		if !ok {
			return
		}
		if paper != nil {
			paper.OnCandle(symbol, c)
		}
		if err := sess.OnCandle(ctx, c); err != nil {
			log.Warn("Rejected candle", zap.String("symbol", symbol), zap.Int64("time", c.Time), zap.Error(err))
		}
	}
	for interval, symbols := range byInterval {
		go streamKlines(ctx, bybit, symbols, interval, onCandle, log, m)
	}

	// Predictor statistics are persisted periodically and on shutdown
	go func() {
		ticker := time.NewTicker(statsFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				saveStats(ctx, store, ordered, log)
			case <-ctx.Done():
				return
			}
		}
	}()

	// 7. Init Web Server
	server := web.NewServer(cfg.Server.Port, ordered, broker, store, prometheus.DefaultGatherer, log.Named("web"))
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 8. Wait for Shutdown
	<-ctx.Done()

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	saveStats(shutdownCtx, store, ordered, log)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}

// resolveSpec reads the instrument from the exchange and applies the configured overrides.
// A fully configured instrument works without the exchange.
func resolveSpec(ctx context.Context, bybit *exchange.BybitAdapter, inst config.InstrumentConfig) (domain.InstrumentSpec, error) {
	override := inst.Spec()
	fetched, err := bybit.InstrumentSpec(ctx, inst.Symbol)
	if err != nil {
		if override.PipSize <= 0 || override.PipValue <= 0 || max(override.MinVolume, override.VolumeStep) <= 0 {
			return domain.InstrumentSpec{}, err
		}
		if override.VolumeStep == 0 {
			override.VolumeStep = override.MinVolume
		}
		if override.MinVolume == 0 {
			override.MinVolume = override.VolumeStep
		}
		return override, nil
	}
	return override.Merge(fetched), nil
}

func streamKlines(ctx context.Context, bybit *exchange.BybitAdapter, symbols []string, interval string,
	onCandle func(string, domain.Candle), log *zap.Logger, m *metrics.Metrics) {
	for {
		err := bybit.SubscribeKlines(ctx, symbols, interval, onCandle)
		if ctx.Err() != nil {
			return
		}
		m.CollaboratorError("feed")
		log.Warn("Kline stream dropped, reconnecting",
			zap.Strings("symbols", symbols),
			zap.String("interval", interval),
			zap.Error(err))

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func saveStats(ctx context.Context, journal domain.TradeJournal, sessions []*usecase.Session, log *zap.Logger) {
	var all []domain.PredictorStepStats
	for _, sess := range sessions {
		all = append(all, sess.PredictorStats()...)
	}
	if len(all) == 0 {
		return
	}
	if err := journal.SavePredictorStats(ctx, all); err != nil {
		log.Error("Failed to save predictor stats", zap.Error(err))
	}
}
