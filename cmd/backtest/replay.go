package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/vitos/crypto_trade_snr/internal/domain"
)

// ticks splits a completed candle into the updates a live feed would have delivered:
// open, the first extreme, the second extreme and the close. Bullish candles are assumed
// to visit the low first, bearish ones the high.
func ticks(c domain.Candle) []domain.Candle {
	path := []float64{c.Open, c.High, c.Low, c.Close}
	if c.Close >= c.Open {
		path = []float64{c.Open, c.Low, c.High, c.Close}
	}

	out := make([]domain.Candle, 0, len(path))
	hi, lo := c.Open, c.Open
	for i, p := range path {
		hi, lo = max(hi, p), min(lo, p)
		vol := 0.0
		if i == len(path)-1 {
			vol = c.Volume
		}
		out = append(out, domain.NewCandle(c.Time, c.Open, hi, lo, p, vol))
	}
	return out
}

// loadCSV reads time,open,high,low,close[,volume] rows. A header row is skipped.
func loadCSV(path string) ([]domain.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var candles []domain.Candle
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("%s:%d: want at least 5 columns, got %d", path, line, len(rec))
		}
		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		var v [5]float64
		for i := 1; i < len(rec) && i <= 5; i++ {
			if v[i-1], err = strconv.ParseFloat(rec[i], 64); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
		}
		candles = append(candles, domain.NewCandle(ts, v[0], v[1], v[2], v[3], v[4]))
	}
	return candles, nil
}
