package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/crypto_trade_snr/internal/config"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_snr/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration")
	symbol := flag.String("symbol", "BTCUSDT", "instrument to inspect")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)
	if len(cfg.Exchange.APIKey) >= 4 {
		fmt.Printf("API Key: %s...\n", cfg.Exchange.APIKey[:4])
	}

	adapter := exchange.NewBybitAdapter(exchange.BybitConfig{
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		BaseURL:           cfg.Exchange.RESTEndpoint,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
	}, nil)
	ctx := context.Background()

	// 2. Check Public Endpoints (instrument, candles)
	spec, err := adapter.InstrumentSpec(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get instrument: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Instrument %s: tick=%g pipValue=%g minQty=%g qtyStep=%g spread=%g\n",
		spec.Symbol, spec.PipSize, spec.PipValue, spec.MinVolume, spec.VolumeStep, spec.Spread)

	interval := "15"
	if inst, ok := cfg.Instrument(*symbol); ok {
		interval = inst.Interval
	}
	candles, err := adapter.GetCandles(ctx, *symbol, interval, cfg.SnR.Lookback)
	if err != nil {
		fmt.Printf("❌ Failed to get candles: %v\n", err)
	} else {
		series := usecase.NewSeries(spec, 0)
		for _, c := range candles {
			if _, err := series.Append(c); err != nil {
				fmt.Printf("❌ Bad candle: %v\n", err)
				break
			}
		}
		fmt.Printf("✅ %d candles, bid %g\n", series.Count(), series.Bid())

		sc := cfg.SessionConfig()
		res := usecase.NewLevelDetector(sc.SnR, nil, nil).Refresh(series)
		fmt.Printf("✅ %d levels (bucket %g)\n", len(res.Levels), res.BucketSize)
		for i, l := range res.Levels {
			if i == 5 {
				break
			}
			fmt.Printf("   %g strength=%.2f touches=%d\n", l.Price, l.Strength, l.Touches)
		}
	}

	// 3. Check Private Endpoints (account, positions, orders) through the ledger
	broker := usecase.NewBroker(adapter, usecase.InstrumentRegistry{*symbol: spec}, cfg.BrokerConfig(), nil, nil)
	if err := broker.Update(ctx); err != nil {
		fmt.Printf("❌ Failed to read account: %v\n", err)
		return
	}
	snap := broker.Snapshot()
	fmt.Printf("✅ Balance %.2f %s, equity %.2f\n", snap.Account.Balance, snap.Account.Currency, snap.Account.Equity)
	fmt.Printf("✅ %d positions, %d pending orders, risk %.2f (%.2f%%)\n",
		len(snap.Positions), len(snap.Pending), snap.TotalRisk(), snap.TotalRiskPercent())
}
