// Package model defines the core domain types shared across the round engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction a wager bets the reference price will move.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// Valid reports whether s is one of the two tradable sides.
func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

// Status is a round's lifecycle phase. Phases only move forward.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusBetting   Status = "betting"
	StatusPlaying   Status = "playing"
	StatusSettling  Status = "settling"
	StatusCompleted Status = "completed"
)

var statusOrder = map[Status]int{
	StatusWaiting:   0,
	StatusBetting:   1,
	StatusPlaying:   2,
	StatusSettling:  3,
	StatusCompleted: 4,
}

// CanAdvanceTo reports whether next is strictly later in the lifecycle.
func (s Status) CanAdvanceTo(next Status) bool {
	cur, ok := statusOrder[s]
	if !ok {
		return false
	}
	n, ok := statusOrder[next]
	return ok && n > cur
}

// Result is the settled outcome of one wager.
type Result string

const (
	ResultPending Result = "pending"
	ResultWin     Result = "win"
	ResultLoss    Result = "loss"
	ResultRefund  Result = "refund"
)

// Wager is a single stake by one bettor on one side of a round.
type Wager struct {
	ID       string          `json:"id" db:"id"`
	RoundID  string          `json:"round_id" db:"round_id"`
	Bettor   BettorID        `json:"bettor_id" db:"bettor_id"`
	Side     Side            `json:"side" db:"side"`
	Amount   decimal.Decimal `json:"amount" db:"amount"`
	PlacedAt time.Time       `json:"placed_at" db:"placed_at"`
	Payout   decimal.Decimal `json:"payout" db:"payout"`
	Result   Result          `json:"result" db:"result"`
}

// Pool is the aggregate stake on each side of a round.
type Pool struct {
	UpTotal   decimal.Decimal `json:"up_total"`
	DownTotal decimal.Decimal `json:"down_total"`
	UpCount   int             `json:"up_count"`
	DownCount int             `json:"down_count"`
}

// Total returns the combined stake of both sides.
func (p Pool) Total() decimal.Decimal {
	return p.UpTotal.Add(p.DownTotal)
}

// Add returns the pool with one more wager of amount on side.
func (p Pool) Add(side Side, amount decimal.Decimal) Pool {
	if side == SideUp {
		p.UpTotal = p.UpTotal.Add(amount)
		p.UpCount++
	} else {
		p.DownTotal = p.DownTotal.Add(amount)
		p.DownCount++
	}
	return p
}

// Equal compares totals by value, ignoring decimal scale.
func (p Pool) Equal(o Pool) bool {
	return p.UpTotal.Equal(o.UpTotal) && p.DownTotal.Equal(o.DownTotal) &&
		p.UpCount == o.UpCount && p.DownCount == o.DownCount
}

// Round is one timed betting cycle with a binary up/down outcome.
// Once Status is completed the round is immutable.
type Round struct {
	ID            string           `json:"id" db:"id"`
	Status        Status           `json:"status" db:"status"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	BettingEndsAt time.Time        `json:"betting_ends_at" db:"betting_ends_at"`
	PlayEndsAt    time.Time        `json:"play_ends_at" db:"play_ends_at"`
	StartPrice    *decimal.Decimal `json:"start_price" db:"start_price"`
	EndPrice      *decimal.Decimal `json:"end_price" db:"end_price"`
	WinningSide   *Side            `json:"winning_side" db:"winning_side"`
	HouseFee      decimal.Decimal  `json:"house_fee" db:"house_fee"`
	TotalPayout   decimal.Decimal  `json:"total_payout" db:"total_payout"`
	SettledAt     *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
	Pool          Pool             `json:"pool"`
	Wagers        []Wager          `json:"wagers"`
}

// Open reports whether the round has not yet completed.
func (r *Round) Open() bool {
	return r.Status != StatusCompleted
}

// WagerOf returns the bettor's wager in this round, if any.
func (r *Round) WagerOf(b BettorID) (Wager, bool) {
	for _, w := range r.Wagers {
		if w.Bettor == b {
			return w, true
		}
	}
	return Wager{}, false
}

// Clone returns a deep copy safe to hand to callers.
func (r *Round) Clone() *Round {
	c := *r
	c.Wagers = append([]Wager(nil), r.Wagers...)
	if r.StartPrice != nil {
		p := *r.StartPrice
		c.StartPrice = &p
	}
	if r.EndPrice != nil {
		p := *r.EndPrice
		c.EndPrice = &p
	}
	if r.WinningSide != nil {
		s := *r.WinningSide
		c.WinningSide = &s
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// Payout is the settled amount and result for one bettor.
type Payout struct {
	Bettor BettorID        `json:"bettor_id"`
	Amount decimal.Decimal `json:"amount"`
	Result Result          `json:"result"`
}

// Settlement is the outcome persisted when a round completes.
type Settlement struct {
	WinningSide *Side           `json:"winning_side"`
	StartPrice  decimal.Decimal `json:"start_price"`
	EndPrice    decimal.Decimal `json:"end_price"`
	HouseFee    decimal.Decimal `json:"house_fee"`
	TotalPayout decimal.Decimal `json:"total_payout"`
	Payouts     []Payout        `json:"payouts"`
	SettledAt   time.Time       `json:"settled_at"`
}

// AccountType distinguishes funded accounts from demo sessions.
type AccountType string

const (
	AccountReal AccountType = "real"
	AccountDemo AccountType = "demo"
)

// Account holds a bettor's balance. Version increments on every balance change.
// MaxBalance is only set for demo sessions.
type Account struct {
	Bettor     BettorID         `json:"bettor_id" db:"bettor_id"`
	Type       AccountType      `json:"type" db:"type"`
	Balance    decimal.Decimal  `json:"balance" db:"balance"`
	MaxBalance *decimal.Decimal `json:"max_balance,omitempty" db:"max_balance"`
	Version    int64            `json:"version" db:"version"`
	Origin     string           `json:"origin,omitempty" db:"origin"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// AuditKind labels a balance-affecting event.
type AuditKind string

const (
	AuditDebit  AuditKind = "debit"
	AuditCredit AuditKind = "credit"
)

// AuditEntry is an append-only record of one balance change.
type AuditEntry struct {
	ID        string            `json:"id" db:"id"`
	Bettor    BettorID          `json:"bettor_id" db:"bettor_id"`
	Kind      AuditKind         `json:"kind" db:"kind"`
	Amount    decimal.Decimal   `json:"amount" db:"amount"`
	Before    decimal.Decimal   `json:"before" db:"before"`
	After     decimal.Decimal   `json:"after" db:"after"`
	Ref       string            `json:"ref" db:"ref"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
}

// HistoryEntry is one past wager of a bettor with the round outcome.
type HistoryEntry struct {
	Wager       Wager            `json:"wager"`
	RoundStatus Status           `json:"round_status"`
	StartPrice  *decimal.Decimal `json:"start_price"`
	EndPrice    *decimal.Decimal `json:"end_price"`
	WinningSide *Side            `json:"winning_side"`
}
