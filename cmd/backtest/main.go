package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_snr/internal/config"
	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/logger"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/storage"
	"github.com/vitos/crypto_trade_snr/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration")
	symbol := flag.String("symbol", "", "instrument to replay (default: first configured)")
	csvPath := flag.String("csv", "", "replay candles from a CSV file instead of the exchange")
	limit := flag.Int("limit", 1000, "candles to download from the exchange")
	warmup := flag.Int("warmup", 200, "candles used to warm up indicators before trading")
	dbPath := flag.String("db", "", "journal database (default: temporary file)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	inst := cfg.Instruments[0]
	if *symbol != "" {
		var ok bool
		if inst, ok = cfg.Instrument(*symbol); !ok {
			log.Fatal("Instrument not configured", zap.String("symbol", *symbol))
		}
	}

	ctx := context.Background()
	bybit := exchange.NewBybitAdapter(exchange.BybitConfig{
		BaseURL:           cfg.Exchange.RESTEndpoint,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
	}, log.Named("bybit"))

	spec := inst.Spec()
	var candles []domain.Candle
	if *csvPath != "" {
		if candles, err = loadCSV(*csvPath); err != nil {
			log.Fatal("Failed to read candles", zap.Error(err))
		}
		if spec.PipSize <= 0 || spec.PipValue <= 0 {
			log.Fatal("CSV replay needs pip_size and pip_value in the instrument config", zap.String("symbol", inst.Symbol))
		}
	} else {
		fetched, err := bybit.InstrumentSpec(ctx, inst.Symbol)
		if err != nil {
			log.Fatal("Failed to read instrument", zap.Error(err))
		}
		spec = spec.Merge(fetched)
		if candles, err = bybit.GetCandles(ctx, inst.Symbol, inst.Interval, *limit); err != nil {
			log.Fatal("Failed to load candles", zap.Error(err))
		}
	}
	if spec.MinVolume == 0 {
		spec.MinVolume = max(spec.VolumeStep, 1)
	}
	if spec.VolumeStep == 0 {
		spec.VolumeStep = spec.MinVolume
	}
	if len(candles) <= *warmup {
		log.Fatal("Not enough candles", zap.Int("candles", len(candles)), zap.Int("warmup", *warmup))
	}

	if *dbPath == "" {
		dir, err := os.MkdirTemp("", "snr-backtest")
		if err != nil {
			log.Fatal("Failed to create temp dir", zap.Error(err))
		}
		defer os.RemoveAll(dir)
		*dbPath = filepath.Join(dir, "journal.db")
	}
	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	registry := usecase.InstrumentRegistry{inst.Symbol: spec}
	paper := exchange.NewPaperExecutor(cfg.Paper.Balance, cfg.Paper.Currency, registry, cfg.Paper.SlippageBps, log.Named("paper"))
	broker := usecase.NewBroker(paper, registry, usecase.BrokerConfig{Exchange: "backtest", OrderTimeout: cfg.Risk.OrderTimeout}, log.Named("broker"), nil)

	forecasters, err := cfg.Forecasters()
	if err != nil {
		log.Fatal("Failed to build forecasters", zap.Error(err))
	}
	sessCfg := cfg.SessionConfig()
	sessCfg.Strategy.Exchange = "backtest"
	sess := usecase.NewSession(sessCfg, spec, broker, store, forecasters, log.Named(inst.Symbol), nil)

	if err := sess.Warmup(candles[:*warmup]); err != nil {
		log.Fatal("Failed to warm up", zap.Error(err))
	}
	paper.OnCandle(inst.Symbol, candles[*warmup-1])
	if err := broker.Update(ctx); err != nil {
		log.Fatal("Failed to read paper account", zap.Error(err))
	}

	for _, c := range candles[*warmup:] {
		for _, tick := range ticks(c) {
			paper.OnCandle(inst.Symbol, tick)
			if err := sess.OnCandle(ctx, tick); err != nil {
				log.Warn("Rejected candle", zap.Int64("time", c.Time), zap.Error(err))
				break
			}
		}
	}

	if err := store.SavePredictorStats(ctx, sess.PredictorStats()); err != nil {
		log.Error("Failed to save predictor stats", zap.Error(err))
	}
	if err := report(ctx, os.Stdout, inst.Symbol, len(candles)-*warmup, paper, store, sess); err != nil {
		log.Fatal("Failed to write report", zap.Error(err))
	}
}

func report(ctx context.Context, out *os.File, symbol string, replayed int, paper *exchange.PaperExecutor,
	journal domain.TradeJournal, sess *usecase.Session) error {
	acc, err := paper.Account(ctx)
	if err != nil {
		return err
	}
	trades, err := journal.ListTrades(ctx, 0)
	if err != nil {
		return err
	}
	results := make(map[domain.TradeResult]int)
	for _, t := range trades {
		results[t.Result]++
	}

	fmt.Fprintf(out, "%s: %d candles replayed, %d fills, %d trades\n", symbol, replayed, len(paper.GetFills()), len(trades))
	fmt.Fprintf(out, "balance %.2f %s, equity %.2f\n", acc.Balance, acc.Currency, acc.Equity)
	fmt.Fprintf(out, "target %d, stop %d, closed %d\n\n",
		results[domain.TradeHitTarget], results[domain.TradeHitStop], results[domain.TradeClosed])

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PREDICTOR\tSTEP\tSAMPLES\tFAV MEAN\tADV MEAN\tR:R\tR:R STD")
	for _, st := range sess.PredictorStats() {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.6g\t%.6g\t%.3f\t%.3f\n",
			st.Predictor, st.Step, st.Samples, st.FavorableMean, st.AdverseMean, st.RewardToRisk, st.RewardToRiskStd)
	}
	return w.Flush()
}
