package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/crypto_trade_snr/internal/domain"
)

// SQLiteStore is the trade journal: closed trades and the latest predictor statistics.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			label TEXT NOT NULL,
			side TEXT NOT NULL,
			volume REAL NOT NULL,
			entry_price REAL NOT NULL,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL,
			peak_favorable REAL NOT NULL,
			peak_adverse REAL NOT NULL,
			result TEXT NOT NULL,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(exchange, symbol);`,
		`CREATE TABLE IF NOT EXISTS predictor_stats (
			symbol TEXT NOT NULL,
			predictor TEXT NOT NULL,
			step INTEGER NOT NULL,
			samples INTEGER NOT NULL,
			favorable_mean REAL NOT NULL,
			favorable_std REAL NOT NULL,
			adverse_mean REAL NOT NULL,
			adverse_std REAL NOT NULL,
			reward_to_risk REAL NOT NULL,
			reward_to_risk_std REAL NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (symbol, predictor, step)
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// TradeJournal Implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, rec *domain.TradeRecord) error {
	query := `INSERT INTO trades (exchange, symbol, label, side, volume, entry_price, stop_loss, take_profit, peak_favorable, peak_adverse, result, opened_at, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		rec.Exchange, rec.Symbol, rec.Label, string(rec.Side), rec.Volume, rec.EntryPrice, rec.StopLoss, rec.TakeProfit,
		rec.PeakFavorable, rec.PeakAdverse, string(rec.Result), rec.OpenedAt, rec.ClosedAt)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", rec.Symbol, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListTrades returns the most recent trades first; limit <= 0 returns all of them.
func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, exchange, symbol, label, side, volume, entry_price, stop_loss, take_profit, peak_favorable, peak_adverse, result, opened_at, closed_at
			  FROM trades ORDER BY closed_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var side, result string
		if err := rows.Scan(&t.ID, &t.Exchange, &t.Symbol, &t.Label, &side, &t.Volume, &t.EntryPrice, &t.StopLoss, &t.TakeProfit,
			&t.PeakFavorable, &t.PeakAdverse, &result, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.Result = domain.TradeResult(result)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// SavePredictorStats upserts one row per (symbol, predictor, step) in a single transaction.
func (s *SQLiteStore) SavePredictorStats(ctx context.Context, stats []domain.PredictorStepStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO predictor_stats
			(symbol, predictor, step, samples, favorable_mean, favorable_std, adverse_mean, adverse_std, reward_to_risk, reward_to_risk_std, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, predictor, step) DO UPDATE SET
			samples = excluded.samples,
			favorable_mean = excluded.favorable_mean,
			favorable_std = excluded.favorable_std,
			adverse_mean = excluded.adverse_mean,
			adverse_std = excluded.adverse_std,
			reward_to_risk = excluded.reward_to_risk,
			reward_to_risk_std = excluded.reward_to_risk_std,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, st := range stats {
		updated := st.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		if _, err := stmt.ExecContext(ctx, st.Symbol, st.Predictor, st.Step, st.Samples,
			st.FavorableMean, st.FavorableStd, st.AdverseMean, st.AdverseStd,
			st.RewardToRisk, st.RewardToRiskStd, updated); err != nil {
			return fmt.Errorf("save predictor stats %s/%s step %d: %w", st.Symbol, st.Predictor, st.Step, err)
		}
	}
	return tx.Commit()
}

// ListPredictorStats returns the statistics of a symbol, or of every symbol when symbol is empty.
func (s *SQLiteStore) ListPredictorStats(ctx context.Context, symbol string) ([]domain.PredictorStepStats, error) {
	query := `SELECT symbol, predictor, step, samples, favorable_mean, favorable_std, adverse_mean, adverse_std, reward_to_risk, reward_to_risk_std, updated_at
			  FROM predictor_stats WHERE (? = '' OR symbol = ?) ORDER BY symbol, predictor, step`
	rows, err := s.db.QueryContext(ctx, query, symbol, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.PredictorStepStats
	for rows.Next() {
		var st domain.PredictorStepStats
		if err := rows.Scan(&st.Symbol, &st.Predictor, &st.Step, &st.Samples, &st.FavorableMean, &st.FavorableStd,
			&st.AdverseMean, &st.AdverseStd, &st.RewardToRisk, &st.RewardToRiskStd, &st.UpdatedAt); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
