package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/engine"
	"grid_go/internal/infra"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SnapshotSource is the running grid, usually an *engine.Trader.
type SnapshotSource interface {
	Snapshot() engine.Snapshot
}

// History is the persisted record of past runs.
type History interface {
	GetRun(ctx context.Context, runID string) (*domain.RunReport, error)
	ListTrades(ctx context.Context, runID string) ([]domain.TradeRecord, error)
	GetDailyStats(ctx context.Context, symbol string, day time.Time) (*domain.DailyStats, error)
}

// Option configures optional routes.
type Option func(*Server)

// WithHistory serves /runs and /daily from h.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithBalances serves /balances from bp.
func WithBalances(bp domain.BalanceProvider) Option {
	return func(s *Server) { s.balances = bp }
}

// Server exposes read-only run status over HTTP.
type Server struct {
	srv      *http.Server
	src      SnapshotSource
	history  History
	balances domain.BalanceProvider
	logger   *slog.Logger
}

// NewServer creates a status server on addr. metrics may be nil.
func NewServer(addr string, src SnapshotSource, metrics *infra.Metrics, opts ...Option) *Server {
	s := &Server{
		src:    src,
		logger: slog.Default().With("module", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/stats", s.handleStats)
	if s.history != nil {
		r.Get("/runs/{runID}", s.handleRun)
		r.Get("/runs/{runID}/trades", s.handleTrades)
		r.Get("/daily/{symbol}", s.handleDaily)
	}
	if s.balances != nil {
		r.Get("/balances", s.handleBalances)
	}
	if reg := metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Status server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", slog.Any("error", err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Snapshot()
	status := http.StatusOK
	if snap.Status == domain.RunStatusFatalError {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":      snap.Status,
		"run_id":      snap.RunID,
		"symbol":      snap.Symbol,
		"open_orders": len(snap.OpenOrders),
		"stopping":    snap.Stopping,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Snapshot().Stats)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	report, err := s.history.GetRun(r.Context(), runID)
	switch {
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	case report == nil:
		s.writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.history.ListTrades(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// handleDaily serves one UTC day, today unless ?date=YYYY-MM-DD is given.
func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		day = d
	}

	symbol := chi.URLParam(r, "symbol")
	row, err := s.history.GetDailyStats(r.Context(), symbol, day)
	switch {
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	case row == nil:
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no stats for %s on %s", symbol, day.Format(time.DateOnly)))
	default:
		writeJSON(w, http.StatusOK, row)
	}
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.balances.Balances(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", slog.Any("error", err))
	}
}
