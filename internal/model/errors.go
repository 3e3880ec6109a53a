package model

import "errors"

// Wager-path errors shared by the store and the ledger. Validation errors are
// never retried; state errors may succeed in a later round.
var (
	ErrNoActiveRound       = errors.New("wager: no round is accepting wagers")
	ErrDuplicateWager      = errors.New("wager: bettor already placed a wager this round")
	ErrInsufficientBalance = errors.New("wager: insufficient balance")
	ErrInvalidAmount       = errors.New("wager: invalid amount")
	ErrInvalidSide         = errors.New("wager: side must be up or down")
	ErrBettorNotFound      = errors.New("wager: unknown bettor")
)
