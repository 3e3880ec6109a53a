// Package api provides the HTTP handlers for round queries, wager placement,
// demo sessions and operator actions.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/identity"
	"github.com/atmx/updown/internal/ledger"
	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/pool"
	"github.com/atmx/updown/internal/reconcile"
	"github.com/atmx/updown/internal/round"
	"github.com/atmx/updown/internal/settlement"
	"github.com/atmx/updown/internal/store"
)

// Rounds is the scheduler surface used by the handlers.
type Rounds interface {
	Info(ctx context.Context) (round.Info, error)
	SettleRound(ctx context.Context, start, end decimal.Decimal) (*settlement.Result, error)
	Fault() error
}

// Handler serves the HTTP API.
type Handler struct {
	store      store.Store
	pool       *pool.Accountant
	rounds     Rounds
	ledger     *ledger.Service
	issuer     *identity.DemoIssuer
	resolver   identity.Resolver
	reconciled *reconcile.MemoryQueue
	adminToken string
}

// NewHandler creates the API handler. An empty adminToken disables the
// admin routes.
func NewHandler(st store.Store, rounds Rounds, l *ledger.Service, issuer *identity.DemoIssuer, queue *reconcile.MemoryQueue, adminToken string) *Handler {
	return &Handler{
		store:      st,
		pool:       pool.NewAccountant(st, nil),
		rounds:     rounds,
		ledger:     l,
		issuer:     issuer,
		reconciled: queue,
		adminToken: adminToken,
	}
}

// Routes registers the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/round", h.GetRound)
	r.Get("/rounds", h.ListRounds)
	r.Get("/rounds/{roundID}", h.GetRoundByID)
	r.Get("/pool", h.GetPool)

	r.Post("/bets", h.PlaceBet)
	r.Get("/bettors/me/history", h.GetHistory)
	r.Get("/bettors/me/balance", h.GetBalance)

	r.Post("/demo/sessions", h.CreateDemoSession)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/settle", h.SettleRound)
		r.Get("/reconciliation", h.ListReconciliation)
		r.Get("/bettors/{bettorID}/audit", h.GetAudit)
	})
}

// --- Request/Response types ---

// BetRequest is the JSON body for POST /bets.
type BetRequest struct {
	Side   model.Side      `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	IsDemo bool            `json:"isDemo"`
}

// SettleRequest is the JSON body for POST /admin/settle.
type SettleRequest struct {
	StartPrice decimal.Decimal `json:"startPrice"`
	EndPrice   decimal.Decimal `json:"endPrice"`
}

// DemoSessionResponse is returned from POST /demo/sessions.
type DemoSessionResponse struct {
	SessionID  string          `json:"sessionId"`
	Bettor     model.BettorID  `json:"bettorId"`
	Balance    decimal.Decimal `json:"balance"`
	MaxBalance decimal.Decimal `json:"maxBalance"`
}

// BalanceResponse is returned from GET /bettors/me/balance.
type BalanceResponse struct {
	Bettor  model.BettorID    `json:"bettorId"`
	Type    model.AccountType `json:"type"`
	Balance decimal.Decimal   `json:"balance"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// --- Rounds ---

// GetRound handles GET /api/v1/round
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	info, err := h.rounds.Info(r.Context())
	if err != nil {
		slog.Error("round info", "err", err)
		writeError(w, "failed to load round", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListRounds handles GET /api/v1/rounds?limit=
func (h *Handler) ListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.store.ListRounds(r.Context(), limitParam(r, 20, 100))
	if err != nil {
		writeError(w, "failed to list rounds", http.StatusInternalServerError)
		return
	}
	if rounds == nil {
		rounds = []model.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

// GetRoundByID handles GET /api/v1/rounds/{roundID}
func (h *Handler) GetRoundByID(w http.ResponseWriter, r *http.Request) {
	rd, err := h.store.GetRound(r.Context(), chi.URLParam(r, "roundID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load round", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// GetPool handles GET /api/v1/pool
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	snap, err := h.pool.Current(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no open round", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load pool", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Wagers ---

// PlaceBet handles POST /api/v1/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bettor, err := h.resolver.Resolve(r, req.IsDemo)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	wager, err := h.ledger.PlaceWager(r.Context(), bettor, req.Side, req.Amount)
	if err != nil {
		reason := ledger.Reason(err)
		msg := err.Error()
		if reason == ledger.ReasonInternal {
			msg = "failed to place wager"
		}
		writeJSON(w, reasonStatus(reason), ErrorResponse{Error: msg, Reason: reason})
		return
	}
	writeJSON(w, http.StatusCreated, wager)
}

func reasonStatus(reason string) int {
	switch reason {
	case ledger.ReasonInvalidAmount, ledger.ReasonInvalidSide:
		return http.StatusBadRequest
	case ledger.ReasonUnknownBettor:
		return http.StatusNotFound
	case ledger.ReasonNoActiveRound, ledger.ReasonAlreadyPlaced, ledger.ReasonInsufficientFunds:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// GetHistory handles GET /api/v1/bettors/me/history?limit=&demo=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	bettor, err := h.resolver.Resolve(r, demoParam(r))
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	entries, err := h.ledger.History(r.Context(), bettor, limit)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetBalance handles GET /api/v1/bettors/me/balance?demo=
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bettor, err := h.resolver.Resolve(r, demoParam(r))
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	acct, err := h.ledger.Balance(r.Context(), bettor)
	if errors.Is(err, model.ErrBettorNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Bettor: acct.Bettor, Type: acct.Type, Balance: acct.Balance})
}

// --- Demo sessions ---

// CreateDemoSession handles POST /api/v1/demo/sessions
func (h *Handler) CreateDemoSession(w http.ResponseWriter, r *http.Request) {
	acct, err := h.issuer.Issue(r.Context(), origin(r))
	if errors.Is(err, identity.ErrRateLimited) {
		writeError(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	if err != nil {
		slog.Error("demo session", "err", err)
		writeError(w, "failed to create demo session", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     identity.DemoParam,
		Value:    acct.Bettor.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(24 * time.Hour),
	})
	resp := DemoSessionResponse{SessionID: acct.Bettor.ID, Bettor: acct.Bettor, Balance: acct.Balance}
	if acct.MaxBalance != nil {
		resp.MaxBalance = *acct.MaxBalance
	}
	writeJSON(w, http.StatusCreated, resp)
}

// origin is the client address; RealIP middleware has already applied
// forwarding headers.
func origin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Admin ---

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.adminToken == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SettleRound handles POST /api/v1/admin/settle
func (h *Handler) SettleRound(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.StartPrice.IsPositive() || !req.EndPrice.IsPositive() {
		writeError(w, "startPrice and endPrice must be positive", http.StatusBadRequest)
		return
	}

	res, err := h.rounds.SettleRound(r.Context(), req.StartPrice, req.EndPrice)
	switch {
	case errors.Is(err, round.ErrNoOpenRound):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("operator settlement failed", "err", err)
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListReconciliation handles GET /api/v1/admin/reconciliation
func (h *Handler) ListReconciliation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reconciled.List())
}

// GetAudit handles GET /api/v1/admin/bettors/{bettorID}/audit?limit=
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	bettor, err := model.ParseBettorID(chi.URLParam(r, "bettorID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := h.store.ListAudit(r.Context(), bettor, limitParam(r, 50, 500))
	if err != nil {
		writeError(w, "failed to load audit trail", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Health ---

// Health handles GET /health. It fails when the store is unreachable or a
// round is stuck after a settlement failure.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "service": "updown"}
	code := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		status["status"], status["store"] = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := h.rounds.Fault(); err != nil {
		status["status"], status["settlement"] = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// --- helpers ---

func demoParam(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("demo"))
	return v
}

func limitParam(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
