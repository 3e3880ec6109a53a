// Package settlement computes round outcomes and applies payout credits.
//
// Payout for a winner:
//
//	payout = amount + (losingTotal - houseFee) * amount / winningTotal
//	houseFee = losingTotal * feeRate
//
// Payouts are rounded down to the configured scale and the rounding
// remainder goes to the largest winning stake, so the payouts always sum to
// exactly (losingTotal - houseFee) + winningTotal.
package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/pool"
)

// TiePolicy decides the outcome when the end price equals the start price.
type TiePolicy string

const (
	// TieDown settles a tie as a down win.
	TieDown TiePolicy = "down"
	// TieRefund returns every stake with no fee.
	TieRefund TiePolicy = "refund"
)

// ParseTiePolicy validates a configured policy name.
func ParseTiePolicy(s string) (TiePolicy, error) {
	switch TiePolicy(s) {
	case TieDown, TieRefund:
		return TiePolicy(s), nil
	}
	return "", fmt.Errorf("settlement: unknown tie policy %q", s)
}

// Policy holds the settlement parameters.
type Policy struct {
	FeeRate decimal.Decimal
	Tie     TiePolicy
	Scale   int32 // decimal places of credited payouts
}

// Outcome is the pure result of settling a set of wagers.
type Outcome struct {
	WinningSide  *model.Side
	WinningTotal decimal.Decimal
	LosingTotal  decimal.Decimal
	HouseFee     decimal.Decimal
	TotalPayout  decimal.Decimal
	Payouts      []model.Payout // one per wager, in wager order
	Winners      int
	Losers       int
	Refunded     bool
}

// WinningSide returns up when end is strictly above start, down when it is
// strictly below, and applies the tie policy otherwise. A nil side means the
// round is refunded.
func WinningSide(start, end decimal.Decimal, tie TiePolicy) *model.Side {
	var s model.Side
	switch {
	case end.GreaterThan(start):
		s = model.SideUp
	case end.LessThan(start):
		s = model.SideDown
	case tie == TieRefund:
		return nil
	default:
		s = model.SideDown
	}
	return &s
}

// Compute settles wagers for the given prices. It does not touch balances.
func Compute(wagers []model.Wager, start, end decimal.Decimal, p Policy) Outcome {
	side := WinningSide(start, end, p.Tie)
	if side == nil {
		return refund(wagers)
	}

	totals := pool.Derive(wagers)
	out := Outcome{WinningSide: side, Payouts: make([]model.Payout, len(wagers))}
	if *side == model.SideUp {
		out.WinningTotal, out.LosingTotal = totals.UpTotal, totals.DownTotal
	} else {
		out.WinningTotal, out.LosingTotal = totals.DownTotal, totals.UpTotal
	}

	// No winners: nothing is distributed and the house keeps the losing pool.
	if out.WinningTotal.IsZero() {
		out.HouseFee = out.LosingTotal
		out.TotalPayout = decimal.Zero
		for i, w := range wagers {
			out.Payouts[i] = model.Payout{Bettor: w.Bettor, Amount: decimal.Zero, Result: model.ResultLoss}
			out.Losers++
		}
		return out
	}

	out.HouseFee = out.LosingTotal.Mul(p.FeeRate).Round(p.Scale)
	net := out.LosingTotal.Sub(out.HouseFee)
	out.TotalPayout = net.Add(out.WinningTotal)

	paid := decimal.Zero
	largest := -1
	for i, w := range wagers {
		if w.Side != *side {
			out.Payouts[i] = model.Payout{Bettor: w.Bettor, Amount: decimal.Zero, Result: model.ResultLoss}
			out.Losers++
			continue
		}
		share := net.Mul(w.Amount).Div(out.WinningTotal)
		amt := w.Amount.Add(share).RoundFloor(p.Scale)
		out.Payouts[i] = model.Payout{Bettor: w.Bettor, Amount: amt, Result: model.ResultWin}
		out.Winners++
		paid = paid.Add(amt)
		if largest < 0 || w.Amount.GreaterThan(wagers[largest].Amount) {
			largest = i
		}
	}
	if dust := out.TotalPayout.Sub(paid); !dust.IsZero() {
		out.Payouts[largest].Amount = out.Payouts[largest].Amount.Add(dust)
	}
	return out
}

func refund(wagers []model.Wager) Outcome {
	out := Outcome{Payouts: make([]model.Payout, len(wagers)), Refunded: true}
	for i, w := range wagers {
		out.Payouts[i] = model.Payout{Bettor: w.Bettor, Amount: w.Amount, Result: model.ResultRefund}
		out.TotalPayout = out.TotalPayout.Add(w.Amount)
	}
	return out
}
