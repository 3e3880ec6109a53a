package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Only data that is safe to serve stale-free is cached: completed
// rounds (immutable) and bettor history pages, which are invalidated on every
// wager and settlement that touches the bettor. Everything on the money path
// goes straight to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PlaceWager(ctx context.Context, roundID string, w *model.Wager, now time.Time) (*WagerReceipt, error) {
	receipt, err := s.primary.PlaceWager(ctx, roundID, w, now)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, historyKey(w.Bettor))
	return receipt, nil
}

func (s *CachedStore) CompleteRound(ctx context.Context, id string, st *model.Settlement) (*model.Round, error) {
	r, err := s.primary.CompleteRound(ctx, id, st)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(r.Wagers))
	for _, w := range r.Wagers {
		keys = append(keys, historyKey(w.Bettor))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	s.cacheRound(ctx, r)
	return r, nil
}

func (s *CachedStore) Credit(ctx context.Context, bettor model.BettorID, amount decimal.Decimal, ref string, meta map[string]string) (*CreditReceipt, error) {
	return s.primary.Credit(ctx, bettor, amount, ref, meta)
}

func (s *CachedStore) CreateRound(ctx context.Context, r *model.Round) error {
	return s.primary.CreateRound(ctx, r)
}

func (s *CachedStore) TransitionRound(ctx context.Context, id string, from, to model.Status, price *decimal.Decimal) (*model.Round, error) {
	return s.primary.TransitionRound(ctx, id, from, to, price)
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, roundKey(id)).Bytes()
	if err == nil {
		var r model.Round
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	// Cache miss: read from primary.
	r, err := s.primary.GetRound(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheRound(ctx, r)
	return r, nil
}

func (s *CachedStore) ListBettorHistory(ctx context.Context, bettor model.BettorID, limit int) ([]model.HistoryEntry, error) {
	field := fmt.Sprint(limit)

	// Try cache.
	data, err := s.rdb.HGet(ctx, historyKey(bettor), field).Bytes()
	if err == nil {
		var history []model.HistoryEntry
		if json.Unmarshal(data, &history) == nil {
			return history, nil
		}
	}

	// Cache miss.
	history, err := s.primary.ListBettorHistory(ctx, bettor, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(history); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, historyKey(bettor), field, data)
		pipe.Expire(ctx, historyKey(bettor), s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return history, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetOpenRound(ctx context.Context) (*model.Round, error) {
	return s.primary.GetOpenRound(ctx)
}

func (s *CachedStore) ListRounds(ctx context.Context, limit int) ([]model.Round, error) {
	return s.primary.ListRounds(ctx, limit)
}

func (s *CachedStore) GetAccount(ctx context.Context, bettor model.BettorID) (*model.Account, error) {
	return s.primary.GetAccount(ctx, bettor)
}

func (s *CachedStore) ListAudit(ctx context.Context, bettor model.BettorID, limit int) ([]model.AuditEntry, error) {
	return s.primary.ListAudit(ctx, bettor, limit)
}

func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return s.primary.Ping(ctx)
}

// --- Cache helpers ---

// cacheRound stores only completed rounds; open rounds change with every wager.
func (s *CachedStore) cacheRound(ctx context.Context, r *model.Round) {
	if r.Open() {
		return
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, roundKey(r.ID), data, s.ttl)
	}
}

func roundKey(id string) string {
	return fmt.Sprintf("round:%s", id)
}

func historyKey(b model.BettorID) string {
	return fmt.Sprintf("history:%s", b)
}
