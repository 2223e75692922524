package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/usecase"
)

const defaultTradeLimit = 100

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// selectSessions resolves the symbol query parameter. An empty symbol selects every session.
func (s *Server) selectSessions(w http.ResponseWriter, r *http.Request) ([]*usecase.Session, bool) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		return s.sessions, true
	}
	for _, sess := range s.sessions {
		if sess.Symbol() == symbol {
			return []*usecase.Session{sess}, true
		}
	}
	http.Error(w, "unknown symbol "+symbol, http.StatusNotFound)
	return nil, false
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, ok := s.selectSessions(w, r)
	if !ok {
		return
	}
	out := make([]usecase.SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Status())
	}
	s.writeJSON(w, out)
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	sessions, ok := s.selectSessions(w, r)
	if !ok {
		return
	}
	out := make(map[string]usecase.SnRResult, len(sessions))
	for _, sess := range sessions {
		out[sess.Symbol()] = sess.Levels()
	}
	s.writeJSON(w, out)
}

// handlePredictors serves the live evaluation; ?stored=1 reads the last persisted snapshot instead.
func (s *Server) handlePredictors(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stored") != "" && s.journal != nil {
		stats, err := s.journal.ListPredictorStats(r.Context(), r.URL.Query().Get("symbol"))
		if err != nil {
			s.logger.Error("Failed to list predictor stats", zap.Error(err))
			http.Error(w, "Failed to list predictor stats", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, stats)
		return
	}

	sessions, ok := s.selectSessions(w, r)
	if !ok {
		return
	}
	out := []domain.PredictorStepStats{}
	for _, sess := range sessions {
		out = append(out, sess.PredictorStats()...)
	}
	s.writeJSON(w, out)
}

type ledgerView struct {
	usecase.LedgerSnapshot
	TotalRisk        float64 `json:"total_risk"`
	TotalRiskPercent float64 `json:"total_risk_percent"`
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "no ledger", http.StatusServiceUnavailable)
		return
	}
	snap := s.ledger.Snapshot()
	s.writeJSON(w, ledgerView{
		LedgerSnapshot:   snap,
		TotalRisk:        snap.TotalRisk(),
		TotalRiskPercent: snap.TotalRiskPercent(),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeJSON(w, []*domain.TradeRecord{})
		return
	}
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := s.journal.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		http.Error(w, "Failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []*domain.TradeRecord{}
	}
	s.writeJSON(w, trades)
}
