package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/usecase"
)

type Server struct {
	router   *http.ServeMux
	server   *http.Server
	sessions []*usecase.Session
	ledger   usecase.RiskLedger
	journal  domain.TradeJournal
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewServer(
	port int,
	sessions []*usecase.Session,
	ledger usecase.RiskLedger,
	journal domain.TradeJournal,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:   http.NewServeMux(),
		sessions: sessions,
		ledger:   ledger,
		journal:  journal,
		gatherer: gatherer,
		logger:   logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /status", s.handleStatus)
	s.router.HandleFunc("GET /api/levels", s.handleLevels)
	s.router.HandleFunc("GET /api/predictors", s.handlePredictors)
	s.router.HandleFunc("GET /api/ledger", s.handleLedger)
	s.router.HandleFunc("GET /api/trades", s.handleTrades)
	s.router.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
