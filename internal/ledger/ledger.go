// Package ledger places wagers. Every accepted wager debits the bettor,
// appends the wager to the open round and increments its pool as one atomic
// store operation; the service itself holds no lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/events"
	"github.com/atmx/updown/internal/metrics"
	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/pool"
	"github.com/atmx/updown/internal/store"
)

// Reason codes returned to bettors.
const (
	ReasonNoActiveRound     = "no_active_round"
	ReasonAlreadyPlaced     = "already_placed"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonInvalidAmount     = "invalid_amount"
	ReasonInvalidSide       = "invalid_side"
	ReasonUnknownBettor     = "unknown_bettor"
	ReasonInternal          = "internal_error"
)

// Reason maps a wager error to its reason code.
func Reason(err error) string {
	switch {
	case errors.Is(err, model.ErrNoActiveRound):
		return ReasonNoActiveRound
	case errors.Is(err, model.ErrDuplicateWager):
		return ReasonAlreadyPlaced
	case errors.Is(err, model.ErrInsufficientBalance):
		return ReasonInsufficientFunds
	case errors.Is(err, model.ErrInvalidAmount):
		return ReasonInvalidAmount
	case errors.Is(err, model.ErrInvalidSide):
		return ReasonInvalidSide
	case errors.Is(err, model.ErrBettorNotFound):
		return ReasonUnknownBettor
	}
	return ReasonInternal
}

// PoolEvent is the poolUpdate payload.
type PoolEvent struct {
	RoundID   string          `json:"roundId"`
	UpTotal   decimal.Decimal `json:"upTotal"`
	DownTotal decimal.Decimal `json:"downTotal"`
	UpCount   int             `json:"upCount"`
	DownCount int             `json:"downCount"`
}

// PlayerEvent is one entry of the players payload.
type PlayerEvent struct {
	Bettor model.BettorID  `json:"bettorId"`
	Side   model.Side      `json:"side"`
	Amount decimal.Decimal `json:"amount"`
}

// PlayersEvent is the players payload: the wagers of the open round.
type PlayersEvent struct {
	RoundID string        `json:"roundId"`
	Players []PlayerEvent `json:"players"`
}

// BalanceEvent is the balanceUpdate payload sent after a debit.
type BalanceEvent struct {
	Bettor  model.BettorID  `json:"bettorId"`
	Balance decimal.Decimal `json:"balance"`
	Delta   decimal.Decimal `json:"delta"`
	Reason  string          `json:"reason"`
	RoundID string          `json:"roundId"`
}

// NewPoolEvent builds the poolUpdate payload from a pool snapshot.
func NewPoolEvent(snap pool.Snapshot) PoolEvent {
	p := snap.Pool
	return PoolEvent{RoundID: snap.RoundID, UpTotal: p.UpTotal, DownTotal: p.DownTotal, UpCount: p.UpCount, DownCount: p.DownCount}
}

// NewPlayersEvent builds the players payload for r.
func NewPlayersEvent(r *model.Round) PlayersEvent {
	players := make([]PlayerEvent, 0, len(r.Wagers))
	for _, w := range r.Wagers {
		players = append(players, PlayerEvent{Bettor: w.Bettor, Side: w.Side, Amount: w.Amount})
	}
	return PlayersEvent{RoundID: r.ID, Players: players}
}

// Service is the bet ledger.
type Service struct {
	store     store.Store
	pool      *pool.Accountant
	bus       events.Publisher
	maxAmount decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a ledger that caps single wagers at maxAmount.
func NewService(st store.Store, bus events.Publisher, maxAmount decimal.Decimal, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		pool:      pool.NewAccountant(st, logger),
		bus:       bus,
		maxAmount: maxAmount,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PlaceWager validates and records a wager for bettor on the open round.
// Checks run in the order invalid side, no active round, invalid amount,
// duplicate wager, insufficient balance.
func (s *Service) PlaceWager(ctx context.Context, bettor model.BettorID, side model.Side, amount decimal.Decimal) (*model.Wager, error) {
	start := time.Now()
	w, err := s.place(ctx, bettor, side, amount)
	metrics.WagerLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		reason := Reason(err)
		metrics.WagerRejections.WithLabelValues(reason).Inc()
		if reason == ReasonInternal {
			s.logger.Error("wager failed", "bettor", bettor.String(), "err", err)
		}
		return nil, err
	}
	metrics.WagersTotal.WithLabelValues(string(side), string(bettor.Kind)).Inc()
	return w, nil
}

func (s *Service) place(ctx context.Context, bettor model.BettorID, side model.Side, amount decimal.Decimal) (*model.Wager, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidSide, side)
	}
	if bettor.IsZero() {
		return nil, model.ErrBettorNotFound
	}

	now := s.now()
	r, err := s.store.GetOpenRound(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrNoActiveRound
	}
	if err != nil {
		return nil, fmt.Errorf("load open round: %w", err)
	}
	if r.Status != model.StatusBetting || !now.Before(r.BettingEndsAt) {
		return nil, model.ErrNoActiveRound
	}
	if !amount.IsPositive() || amount.GreaterThan(s.maxAmount) {
		return nil, fmt.Errorf("%w: %s (max %s)", model.ErrInvalidAmount, amount, s.maxAmount)
	}

	receipt, err := s.store.PlaceWager(ctx, r.ID, &model.Wager{
		ID:       uuid.New().String(),
		Bettor:   bettor,
		Side:     side,
		Amount:   amount,
		PlacedAt: now,
	}, now)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.For(bettor, events.BalanceUpdate, BalanceEvent{
		Bettor:  bettor,
		Balance: receipt.BalanceAfter,
		Delta:   receipt.BalanceAfter.Sub(receipt.BalanceBefore),
		Reason:  "wager",
		RoundID: r.ID,
	}))
	s.bus.Publish(events.New(events.PoolUpdate, NewPoolEvent(s.pool.Of(receipt.Round))))
	s.bus.Publish(events.New(events.Players, NewPlayersEvent(receipt.Round)))

	s.logger.Info("wager placed",
		"wager_id", receipt.Wager.ID,
		"round", r.ID,
		"bettor", bettor.String(),
		"side", side,
		"amount", amount.String(),
		"balance", receipt.BalanceAfter.String(),
	)

	wager := receipt.Wager
	return &wager, nil
}

// History limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// History returns the bettor's past wagers with their round outcomes,
// newest first. limit is clamped to [1, MaxHistoryLimit]; zero selects the
// default.
func (s *Service) History(ctx context.Context, bettor model.BettorID, limit int) ([]model.HistoryEntry, error) {
	switch {
	case limit == 0:
		limit = DefaultHistoryLimit
	case limit < 1:
		limit = 1
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	entries, err := s.store.ListBettorHistory(ctx, bettor, limit)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", bettor, err)
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	return entries, nil
}

// Balance returns the bettor's account.
func (s *Service) Balance(ctx context.Context, bettor model.BettorID) (*model.Account, error) {
	acct, err := s.store.GetAccount(ctx, bettor)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrBettorNotFound
	}
	return acct, err
}
