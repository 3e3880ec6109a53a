package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	rounds   map[string]*model.Round
	order    []string // round ids in creation order
	accounts map[model.BettorID]*model.Account
	credits  map[string]CreditReceipt
	audit    []model.AuditEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:   make(map[string]*model.Round),
		accounts: make(map[model.BettorID]*model.Account),
		credits:  make(map[string]CreditReceipt),
	}
}

func (s *MemoryStore) CreateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rounds[r.ID]; ok {
		return fmt.Errorf("round %s already exists", r.ID)
	}
	for _, existing := range s.rounds {
		if existing.Open() {
			return ErrOpenRoundExists
		}
	}

	s.rounds[r.ID] = r.Clone()
	s.order = append(s.order, r.ID)
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) GetOpenRound(_ context.Context) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rounds {
		if r.Open() {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("open round: %w", ErrNotFound)
}

func (s *MemoryStore) ListRounds(_ context.Context, limit int) ([]model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rounds := make([]model.Round, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(rounds) < limit; i-- {
		rounds = append(rounds, *s.rounds[s.order[i]].Clone())
	}
	return rounds, nil
}

func (s *MemoryStore) TransitionRound(_ context.Context, id string, from, to model.Status, price *decimal.Decimal) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	if r.Status != from || !from.CanAdvanceTo(to) {
		return nil, fmt.Errorf("round %s %s -> %s (is %s): %w", id, from, to, r.Status, ErrStaleTransition)
	}

	r.Status = to
	if price != nil {
		p := *price
		switch to {
		case model.StatusPlaying:
			r.StartPrice = &p
		case model.StatusSettling:
			r.EndPrice = &p
		}
	}
	return r.Clone(), nil
}

func (s *MemoryStore) PlaceWager(_ context.Context, roundID string, w *model.Wager, now time.Time) (*WagerReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[roundID]
	if !ok || r.Status != model.StatusBetting || !now.Before(r.BettingEndsAt) {
		return nil, model.ErrNoActiveRound
	}
	if _, dup := r.WagerOf(w.Bettor); dup {
		return nil, model.ErrDuplicateWager
	}
	acct, ok := s.accounts[w.Bettor]
	if !ok {
		return nil, model.ErrBettorNotFound
	}
	if acct.Balance.LessThan(w.Amount) {
		return nil, model.ErrInsufficientBalance
	}

	// All checks passed; nothing below can fail.
	before := acct.Balance
	acct.Balance = acct.Balance.Sub(w.Amount)
	acct.Version++

	wager := *w
	wager.RoundID = roundID
	wager.Payout = decimal.Zero
	wager.Result = model.ResultPending
	r.Wagers = append(r.Wagers, wager)
	r.Pool = r.Pool.Add(wager.Side, wager.Amount)

	s.audit = append(s.audit, model.AuditEntry{
		ID:        uuid.New().String(),
		Bettor:    w.Bettor,
		Kind:      model.AuditDebit,
		Amount:    w.Amount,
		Before:    before,
		After:     acct.Balance,
		Ref:       "wager:" + wager.ID,
		Metadata:  map[string]string{"round_id": roundID, "side": string(wager.Side)},
		Timestamp: now,
	})

	return &WagerReceipt{
		Wager:         wager,
		Round:         r.Clone(),
		BalanceBefore: before,
		BalanceAfter:  acct.Balance,
	}, nil
}

func (s *MemoryStore) CompleteRound(_ context.Context, id string, st *model.Settlement) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	if r.Status != model.StatusSettling {
		return nil, fmt.Errorf("complete round %s (is %s): %w", id, r.Status, ErrStaleTransition)
	}

	payouts := make(map[model.BettorID]model.Payout, len(st.Payouts))
	for _, p := range st.Payouts {
		payouts[p.Bettor] = p
	}
	for i := range r.Wagers {
		if p, ok := payouts[r.Wagers[i].Bettor]; ok {
			r.Wagers[i].Payout = p.Amount
			r.Wagers[i].Result = p.Result
		}
	}

	start, end := st.StartPrice, st.EndPrice
	settledAt := st.SettledAt
	r.StartPrice = &start
	r.EndPrice = &end
	r.WinningSide = st.WinningSide
	r.HouseFee = st.HouseFee
	r.TotalPayout = st.TotalPayout
	r.SettledAt = &settledAt
	r.Status = model.StatusCompleted
	return r.Clone(), nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.Bettor]; ok {
		return fmt.Errorf("account %s already exists", a.Bettor)
	}
	if a.Balance.IsNegative() {
		return fmt.Errorf("account %s: negative opening balance", a.Bettor)
	}
	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.Bettor] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, bettor model.BettorID) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[bettor]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", bettor, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) Credit(_ context.Context, bettor model.BettorID, amount decimal.Decimal, ref string, meta map[string]string) (*CreditReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.credits[ref]; ok {
		prev.Applied = false
		return &prev, nil
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("credit %s: negative amount %s", bettor, amount)
	}
	a, ok := s.accounts[bettor]
	if !ok {
		return nil, fmt.Errorf("credit %s: %w", bettor, ErrNotFound)
	}

	before := a.Balance
	after := before.Add(amount)
	if a.MaxBalance != nil && after.GreaterThan(*a.MaxBalance) {
		after = decimal.Max(before, *a.MaxBalance)
	}
	a.Balance = after
	a.Version++

	s.audit = append(s.audit, model.AuditEntry{
		ID:        uuid.New().String(),
		Bettor:    bettor,
		Kind:      model.AuditCredit,
		Amount:    amount,
		Before:    before,
		After:     after,
		Ref:       ref,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	})

	receipt := CreditReceipt{Before: before, After: after, Applied: true}
	s.credits[ref] = receipt
	return &receipt, nil
}

func (s *MemoryStore) ListBettorHistory(_ context.Context, bettor model.BettorID, limit int) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HistoryEntry
	for i := len(s.order) - 1; i >= 0 && len(result) < limit; i-- {
		r := s.rounds[s.order[i]]
		w, ok := r.WagerOf(bettor)
		if !ok {
			continue
		}
		c := r.Clone()
		result = append(result, model.HistoryEntry{
			Wager:       w,
			RoundStatus: c.Status,
			StartPrice:  c.StartPrice,
			EndPrice:    c.EndPrice,
			WinningSide: c.WinningSide,
		})
	}
	return result, nil
}

func (s *MemoryStore) ListAudit(_ context.Context, bettor model.BettorID, limit int) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0 && len(result) < limit; i-- {
		if s.audit[i].Bettor == bettor {
			result = append(result, s.audit[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
