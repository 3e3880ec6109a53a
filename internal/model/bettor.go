package model

import (
	"errors"
	"fmt"
	"strings"
)

// BettorKind tags which balance store a BettorID resolves against.
type BettorKind string

const (
	KindReal BettorKind = "real"
	KindDemo BettorKind = "demo"
)

// ErrInvalidBettorID is returned when a serialized bettor id cannot be parsed.
var ErrInvalidBettorID = errors.New("model: invalid bettor id")

// BettorID identifies either a registered account or a demo session.
// The zero value is not a valid bettor.
type BettorID struct {
	Kind BettorKind
	ID   string
}

// Real returns the BettorID of a registered account.
func Real(accountID string) BettorID {
	return BettorID{Kind: KindReal, ID: accountID}
}

// Demo returns the BettorID of a guest demo session.
func Demo(sessionID string) BettorID {
	return BettorID{Kind: KindDemo, ID: sessionID}
}

// IsZero reports whether b is the unset id.
func (b BettorID) IsZero() bool {
	return b.ID == ""
}

// IsDemo reports whether b refers to a demo session.
func (b BettorID) IsDemo() bool {
	return b.Kind == KindDemo
}

// String renders the id as "<kind>:<id>", the form used as a storage key.
func (b BettorID) String() string {
	if b.IsZero() {
		return ""
	}
	return string(b.Kind) + ":" + b.ID
}

// ParseBettorID parses the "<kind>:<id>" form produced by String.
func ParseBettorID(s string) (BettorID, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return BettorID{}, fmt.Errorf("%w: %q", ErrInvalidBettorID, s)
	}
	switch BettorKind(kind) {
	case KindReal:
		return Real(id), nil
	case KindDemo:
		return Demo(id), nil
	}
	return BettorID{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidBettorID, kind)
}

func (b BettorID) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BettorID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*b = BettorID{}
		return nil
	}
	id, err := ParseBettorID(string(text))
	if err != nil {
		return err
	}
	*b = id
	return nil
}
