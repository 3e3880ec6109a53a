// Package store defines the persistence interface for the round engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every method that changes money or round state is a single atomic unit:
// either all of its effects are applied or none are.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/model"
)

var (
	// ErrNotFound is returned when a round or account does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrOpenRoundExists is returned by CreateRound while another round is
	// still open.
	ErrOpenRoundExists = errors.New("store: an open round already exists")

	// ErrStaleTransition is returned when a conditional status change finds
	// the round in a different status than expected.
	ErrStaleTransition = errors.New("store: round is not in the expected status")
)

// WagerReceipt is the result of an accepted wager.
type WagerReceipt struct {
	Wager         model.Wager
	Round         *model.Round
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
}

// CreditReceipt is the result of a credit. Applied is false when the ref had
// already been credited and nothing changed.
type CreditReceipt struct {
	Before  decimal.Decimal
	After   decimal.Decimal
	Applied bool
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Rounds ---

	// CreateRound persists a new round. Fails with ErrOpenRoundExists if any
	// non-completed round exists.
	CreateRound(ctx context.Context, r *model.Round) error

	// GetRound retrieves a round with its wagers.
	GetRound(ctx context.Context, id string) (*model.Round, error)

	// GetOpenRound returns the single non-completed round, or ErrNotFound.
	GetOpenRound(ctx context.Context) (*model.Round, error)

	// ListRounds returns the most recent rounds, newest first.
	ListRounds(ctx context.Context, limit int) ([]model.Round, error)

	// TransitionRound moves a round from one status to a later one. price is
	// recorded as the start price when entering playing and as the end price
	// when entering settling.
	TransitionRound(ctx context.Context, id string, from, to model.Status, price *decimal.Decimal) (*model.Round, error)

	// PlaceWager validates the round and bettor, debits the balance, appends
	// the wager and increments the pool as one atomic unit.
	PlaceWager(ctx context.Context, roundID string, w *model.Wager, now time.Time) (*WagerReceipt, error)

	// CompleteRound writes the settlement outcome and marks a settling round
	// completed.
	CompleteRound(ctx context.Context, id string, s *model.Settlement) (*model.Round, error)

	// --- Accounts ---

	// CreateAccount persists a new account or demo session.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by bettor id.
	GetAccount(ctx context.Context, bettor model.BettorID) (*model.Account, error)

	// Credit adds amount to a balance exactly once per ref. Demo balances are
	// clamped to their maximum. meta is recorded on the audit row.
	Credit(ctx context.Context, bettor model.BettorID, amount decimal.Decimal, ref string, meta map[string]string) (*CreditReceipt, error)

	// --- Queries ---

	// ListBettorHistory returns a bettor's wagers, newest first.
	ListBettorHistory(ctx context.Context, bettor model.BettorID, limit int) ([]model.HistoryEntry, error)

	// ListAudit returns a bettor's balance audit trail, newest first.
	ListAudit(ctx context.Context, bettor model.BettorID, limit int) ([]model.AuditEntry, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// CreditRef is the idempotency key for a settlement credit.
func CreditRef(roundID string, bettor model.BettorID) string {
	return "settle:" + roundID + ":" + bettor.String()
}
