// Package server exposes the query and admin API over HTTP/JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PrizeSettle/internal/core"
	"PrizeSettle/internal/event"
	"PrizeSettle/internal/ingestion"
	"PrizeSettle/internal/observability"
	"PrizeSettle/internal/query"
)

// Canceller aborts a settlement that has not left planning.
// Implemented by the orchestrator.
type Canceller interface {
	Cancel(ctx context.Context, game uuid.UUID) error
}

// Server serves settlement queries and operator actions. Reads go to
// the query service; writes are injected as events so they flow through
// the same dedup and ordering as the NATS path.
type Server struct {
	queries   *query.QueryService
	intake    *ingestion.IntakeService
	canceller Canceller
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewServer(
	queries *query.QueryService,
	intake *ingestion.IntakeService,
	canceller Canceller,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		queries:   queries,
		intake:    intake,
		canceller: canceller,
		health:    health,
		metrics:   metrics,
		logger:    observability.NewLogger("http"),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/settlements/{game}", s.instrument("get_settlement", s.getSettlement))
	mux.HandleFunc("GET /v1/settlements/{game}/payouts", s.instrument("get_payouts", s.getPayouts))
	mux.HandleFunc("GET /v1/settlements/{game}/payments", s.instrument("get_payments", s.getPayments))
	mux.HandleFunc("GET /v1/settlements/{game}/history", s.instrument("get_history", s.getHistory))
	mux.HandleFunc("POST /v1/settlements/{game}/retry", s.instrument("retry", s.retrySettlement))
	mux.HandleFunc("POST /v1/settlements/{game}/cancel", s.instrument("cancel", s.cancelSettlement))

	mux.HandleFunc("GET /v1/reserves", s.instrument("get_reserves", s.getReserves))
	mux.HandleFunc("GET /v1/reserves/movements", s.instrument("get_movements", s.getMovements))
	mux.HandleFunc("POST /v1/reserves/deposit", s.instrument("deposit", s.deposit))

	mux.HandleFunc("POST /v1/games/completed", s.instrument("game_completed", s.gameCompleted))
	mux.HandleFunc("GET /v1/integrity", s.instrument("integrity", s.integrity))

	mux.HandleFunc("GET /healthz", s.health.LivenessHandler)
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler)

	return mux
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- settlement queries ---

func (s *Server) getSettlement(w http.ResponseWriter, r *http.Request) {
	game, ok := s.gameID(w, r)
	if !ok {
		return
	}
	resp, err := s.queries.GetSettlement(r.Context(), game)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if resp == nil {
		s.writeError(w, http.StatusNotFound, "settlement not found")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getPayouts(w http.ResponseWriter, r *http.Request) {
	game, ok := s.gameID(w, r)
	if !ok {
		return
	}
	payouts, err := s.queries.GetPayouts(r.Context(), game)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": payouts})
}

func (s *Server) getPayments(w http.ResponseWriter, r *http.Request) {
	game, ok := s.gameID(w, r)
	if !ok {
		return
	}
	payments, err := s.queries.GetPayments(r.Context(), game)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	game, ok := s.gameID(w, r)
	if !ok {
		return
	}
	history, err := s.queries.GetHistory(r.Context(), game)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

// --- operator actions ---

func (s *Server) retrySettlement(w http.ResponseWriter, r *http.Request) {
	game, ok := s.gameID(w, r)
	if !ok {
		return
	}
	if err := s.intake.InjectRetry(r.Context(), game); err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "retry_queued"})
}

func (s *Server) cancelSettlement(w http.ResponseWriter, r *http.Request) {
	game, ok := s.gameID(w, r)
	if !ok {
		return
	}
	err := s.canceller.Cancel(r.Context(), game)
	switch {
	case errors.Is(err, core.ErrUnknownGame):
		s.writeError(w, http.StatusNotFound, "settlement not found")
	case errors.Is(err, core.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, "settlement is no longer cancellable")
	case err != nil:
		s.serverError(w, r, err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

// --- reserves ---

func (s *Server) getReserves(w http.ResponseWriter, r *http.Request) {
	balances, err := s.queries.GetReserveBalances(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"reserves": balances})
}

func (s *Server) getMovements(w http.ResponseWriter, r *http.Request) {
	var game *uuid.UUID
	if raw := r.URL.Query().Get("game"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid game id")
			return
		}
		game = &parsed
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}

	var before *int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &n
	}

	movements, err := s.queries.GetMovements(r.Context(), game, limit, before)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"movements": movements})
}

type depositRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := s.intake.InjectReserveDeposit(r.Context(), req.Currency, amount); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "deposit_queued"})
}

// --- game intake ---

type gameCompletedRequest struct {
	GameID    string `json:"game_id"`
	EntryFees []struct {
		Currency string `json:"currency"`
		Amount   string `json:"amount"`
	} `json:"entry_fees"`
	Distribution []struct {
		Winner   string `json:"winner"`
		Currency string `json:"currency"`
		Percent  string `json:"percent"`
	} `json:"distribution"`
}

func (s *Server) gameCompleted(w http.ResponseWriter, r *http.Request) {
	var req gameCompletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	game, err := uuid.Parse(req.GameID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}

	fees := make([]event.FeeContribution, 0, len(req.EntryFees))
	for _, f := range req.EntryFees {
		amount, err := decimal.NewFromString(f.Amount)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid fee amount "+f.Amount)
			return
		}
		fees = append(fees, event.FeeContribution{Currency: f.Currency, Amount: amount})
	}

	dist := make([]event.WinnerShare, 0, len(req.Distribution))
	for _, d := range req.Distribution {
		percent, err := decimal.NewFromString(d.Percent)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid percent "+d.Percent)
			return
		}
		dist = append(dist, event.WinnerShare{Winner: d.Winner, Currency: d.Currency, Percent: percent})
	}

	if err := s.intake.InjectGameCompleted(r.Context(), game, fees, dist); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "settlement_queued", "game_id": game.String()})
}

// --- admin ---

func (s *Server) integrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, report)
}

// --- helpers ---

func (s *Server) gameID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	game, err := uuid.Parse(r.PathValue("game"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid game id")
		return uuid.Nil, false
	}
	return game, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
