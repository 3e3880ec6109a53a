package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/events"
	"github.com/atmx/updown/internal/metrics"
	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/pool"
	"github.com/atmx/updown/internal/reconcile"
	"github.com/atmx/updown/internal/store"
)

// ErrNotSettling is returned when a round is neither settling nor completed.
var ErrNotSettling = errors.New("settlement: round is not in settling status")

// Result is the stored settlement of a round.
type Result struct {
	RoundID     string          `json:"round_id"`
	WinningSide *model.Side     `json:"winning_side"`
	StartPrice  decimal.Decimal `json:"start_price"`
	EndPrice    decimal.Decimal `json:"end_price"`
	HouseFee    decimal.Decimal `json:"house_fee"`
	TotalPayout decimal.Decimal `json:"total_payout"`
	Pool        model.Pool      `json:"pool"`
	Winners     int             `json:"winners"`
	Losers      int             `json:"losers"`
	Payouts     []model.Payout  `json:"payouts"`
	SettledAt   time.Time       `json:"settled_at"`
}

// SettledEvent is the roundSettled payload. It carries aggregate figures only.
type SettledEvent struct {
	RoundID     string          `json:"roundId"`
	WinningSide *model.Side     `json:"winningSide"`
	StartPrice  decimal.Decimal `json:"startPrice"`
	EndPrice    decimal.Decimal `json:"endPrice"`
	HouseFee    decimal.Decimal `json:"houseFee"`
	TotalPayout decimal.Decimal `json:"totalPayout"`
	UpTotal     decimal.Decimal `json:"upTotal"`
	DownTotal   decimal.Decimal `json:"downTotal"`
	Winners     int             `json:"winners"`
	Losers      int             `json:"losers"`
}

// BalanceEvent is the balanceUpdate payload.
type BalanceEvent struct {
	Bettor  model.BettorID  `json:"bettorId"`
	Balance decimal.Decimal `json:"balance"`
	Delta   decimal.Decimal `json:"delta"`
	Reason  string          `json:"reason"`
	RoundID string          `json:"roundId"`
}

// Engine settles rounds against the store.
type Engine struct {
	store  store.Store
	bus    events.Publisher
	queue  reconcile.Queue
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a settlement engine. queue receives credits that fail.
func NewEngine(st store.Store, bus events.Publisher, queue reconcile.Queue, policy Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		bus:    bus,
		queue:  queue,
		policy: policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Settle settles a round in settling status. For a completed round it
// returns the stored result and applies nothing. Credits are idempotent per
// round and bettor, so a retry after a partial failure never pays twice.
func (e *Engine) Settle(ctx context.Context, roundID string, start, end decimal.Decimal) (*Result, error) {
	r, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("settle %s: %w", roundID, err)
	}
	switch r.Status {
	case model.StatusCompleted:
		metrics.SettlementsTotal.WithLabelValues("replay").Inc()
		return Stored(r), nil
	case model.StatusSettling:
	default:
		return nil, fmt.Errorf("settle %s (is %s): %w", roundID, r.Status, ErrNotSettling)
	}

	if err := pool.Check(r); err != nil {
		e.logger.Warn("settling round with drifted pool totals", "round", roundID, "err", err)
	}

	out := Compute(r.Wagers, start, end, e.policy)
	balances := e.credit(ctx, roundID, out.Payouts)

	st := &model.Settlement{
		WinningSide: out.WinningSide,
		StartPrice:  start,
		EndPrice:    end,
		HouseFee:    out.HouseFee,
		TotalPayout: out.TotalPayout,
		Payouts:     out.Payouts,
		SettledAt:   e.now(),
	}
	done, err := e.store.CompleteRound(ctx, roundID, st)
	if err != nil {
		// Another settle may have completed the round first.
		if errors.Is(err, store.ErrStaleTransition) {
			if cur, gerr := e.store.GetRound(ctx, roundID); gerr == nil && cur.Status == model.StatusCompleted {
				metrics.SettlementsTotal.WithLabelValues("replay").Inc()
				return Stored(cur), nil
			}
		}
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("complete round %s: %w", roundID, err)
	}

	res := Stored(done)
	e.bus.Publish(events.New(events.RoundSettled, SettledEvent{
		RoundID:     res.RoundID,
		WinningSide: res.WinningSide,
		StartPrice:  res.StartPrice,
		EndPrice:    res.EndPrice,
		HouseFee:    res.HouseFee,
		TotalPayout: res.TotalPayout,
		UpTotal:     res.Pool.UpTotal,
		DownTotal:   res.Pool.DownTotal,
		Winners:     res.Winners,
		Losers:      res.Losers,
	}))
	for _, b := range balances {
		e.bus.Publish(events.For(b.Bettor, events.BalanceUpdate, b))
	}

	metrics.SettlementsTotal.WithLabelValues(outcomeLabel(out)).Inc()
	e.logger.Info("round settled",
		"round", roundID,
		"winning_side", sideLabel(out.WinningSide),
		"start_price", start.String(),
		"end_price", end.String(),
		"house_fee", out.HouseFee.String(),
		"total_payout", out.TotalPayout.String(),
		"winners", out.Winners,
		"losers", out.Losers,
	)
	return res, nil
}

// credit applies every positive payout. A failed credit is logged and queued
// for reconciliation; the others still proceed.
func (e *Engine) credit(ctx context.Context, roundID string, payouts []model.Payout) []BalanceEvent {
	var updates []BalanceEvent
	for _, p := range payouts {
		if !p.Amount.IsPositive() {
			continue
		}
		ref := store.CreditRef(roundID, p.Bettor)
		meta := map[string]string{"round_id": roundID, "reason": string(p.Result)}
		receipt, err := e.store.Credit(ctx, p.Bettor, p.Amount, ref, meta)
		if err != nil {
			metrics.SettlementCreditFailures.Inc()
			e.logger.Error("payout credit failed",
				"round", roundID, "bettor", p.Bettor.String(), "amount", p.Amount.String(), "err", err)
			item := reconcile.Item{
				RoundID: roundID,
				Bettor:  p.Bettor,
				Amount:  p.Amount,
				Ref:     ref,
				Error:   err.Error(),
				At:      e.now(),
			}
			if qerr := e.queue.Enqueue(ctx, item); qerr != nil {
				e.logger.Error("reconciliation enqueue failed", "ref", ref, "err", qerr)
			}
			continue
		}
		if !receipt.Applied {
			continue
		}
		updates = append(updates, BalanceEvent{
			Bettor:  p.Bettor,
			Balance: receipt.After,
			Delta:   receipt.After.Sub(receipt.Before),
			Reason:  "settlement",
			RoundID: roundID,
		})
	}
	return updates
}

// Stored rebuilds the settlement result persisted on a completed round.
func Stored(r *model.Round) *Result {
	res := &Result{
		RoundID:     r.ID,
		WinningSide: r.WinningSide,
		HouseFee:    r.HouseFee,
		TotalPayout: r.TotalPayout,
		Pool:        pool.Derive(r.Wagers),
		Payouts:     make([]model.Payout, 0, len(r.Wagers)),
	}
	if r.StartPrice != nil {
		res.StartPrice = *r.StartPrice
	}
	if r.EndPrice != nil {
		res.EndPrice = *r.EndPrice
	}
	if r.SettledAt != nil {
		res.SettledAt = *r.SettledAt
	}
	for _, w := range r.Wagers {
		res.Payouts = append(res.Payouts, model.Payout{Bettor: w.Bettor, Amount: w.Payout, Result: w.Result})
		switch w.Result {
		case model.ResultWin:
			res.Winners++
		case model.ResultLoss:
			res.Losers++
		}
	}
	return res
}

func outcomeLabel(o Outcome) string {
	switch {
	case o.Refunded:
		return "refund"
	case o.Winners == 0:
		return "no_winners"
	}
	return string(*o.WinningSide)
}

func sideLabel(s *model.Side) string {
	if s == nil {
		return "none"
	}
	return string(*s)
}
