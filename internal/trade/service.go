// Package trade executes orders against portfolio aggregates and exposes
// the engine over HTTP.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/model"
)

// Service is the HTTP adapter over an Engine. Callers are assumed to be
// authenticated upstream; the owner in the path is trusted.
type Service struct {
	engine *Engine
	wsHub  *Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP adapter.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(engine *Engine, hub *Hub) *Service {
	return &Service{engine: engine, wsHub: hub}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /portfolios/{owner}/trades. There
// is no price field: HTTP orders fill at the last traded price.
type TradeRequest struct {
	Token    string `json:"token"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"` // "BUY" or "SELL"
	Quantity int64  `json:"quantity"`
}

// TradeResponse is the JSON body returned from a fill.
type TradeResponse struct {
	Trade     model.Trade    `json:"trade"`
	Portfolio model.Snapshot `json:"portfolio"`
}

// DepositRequest is the JSON body for POST /portfolios/{owner}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// --- HTTP Handlers ---

// GetPortfolio handles GET /api/v1/portfolios/{owner}
// Opens the portfolio with the starting cash on first access and returns
// it marked to the latest quotes.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	ctx := r.Context()

	if _, err := s.engine.Open(ctx, owner, s.engine.StartingCash()); err != nil {
		writeEngineError(w, err)
		return
	}
	v, err := s.engine.Valuate(ctx, owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ExecuteTrade handles POST /api/v1/portfolios/{owner}/trades
// The fill price is always the last traded price from market data, never a
// client-supplied one, so a stale quote held by the client cannot be traded.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	order := model.Order{
		Owner:    chi.URLParam(r, "owner"),
		Token:    req.Token,
		Symbol:   req.Symbol,
		Side:     model.Side(req.Side),
		Quantity: req.Quantity,
		Price:    decimal.NewFromInt(1),
	}
	// Validate first so a bad order is not masked by a missing quote.
	if err := ledger.ValidateOrder(order); err != nil {
		writeEngineError(w, err)
		return
	}
	price, err := s.engine.LatestPrice(ctx, req.Token)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	order.Price = price

	snap, t, err := s.engine.Execute(ctx, order)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.wsHub.Broadcast(TradeEvent(t, snap))
	writeJSON(w, http.StatusOK, TradeResponse{Trade: *t, Portfolio: snap})
}

// ListTrades handles GET /api/v1/portfolios/{owner}/trades?limit=&token=
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := s.engine.ListRecentTrades(r.Context(), owner, limit, r.URL.Query().Get("token"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// Deposit handles POST /api/v1/portfolios/{owner}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	snap, err := s.engine.Deposit(r.Context(), chi.URLParam(r, "owner"), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.wsHub.Broadcast(PortfolioEvent(EventDeposit, snap))
	writeJSON(w, http.StatusOK, snap)
}

// Reset handles POST /api/v1/portfolios/{owner}/reset
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Reset(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.wsHub.Broadcast(PortfolioEvent(EventPortfolioReset, snap))
	writeJSON(w, http.StatusOK, snap)
}

// StatusFor maps an engine error onto an HTTP status code.
func StatusFor(err error) int {
	if errors.Is(err, ErrNoQuote) {
		return http.StatusUnprocessableEntity
	}
	switch ledger.KindOf(err) {
	case ledger.KindInvalidOrder:
		return http.StatusBadRequest
	case ledger.KindAggregateNotFound:
		return http.StatusNotFound
	case ledger.KindInsufficientFunds, ledger.KindInsufficientQuantity:
		return http.StatusConflict
	case ledger.KindConcurrencyExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg, kind := err.Error(), ledger.KindOf(err).String()
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusUnprocessableEntity:
		kind = "no_quote"
	case http.StatusInternalServerError:
		// Storage details stay in the server log.
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
