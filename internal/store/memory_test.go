package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedRound(t *testing.T, ms *store.MemoryStore, id string) *model.Round {
	t.Helper()
	now := time.Now().UTC()
	r := &model.Round{
		ID:            id,
		Status:        model.StatusBetting,
		CreatedAt:     now,
		BettingEndsAt: now.Add(time.Minute),
		PlayEndsAt:    now.Add(2 * time.Minute),
	}
	require.NoError(t, ms.CreateRound(context.Background(), r))
	return r
}

func seedAccount(t *testing.T, ms *store.MemoryStore, b model.BettorID, balance float64) {
	t.Helper()
	require.NoError(t, ms.CreateAccount(context.Background(), &model.Account{
		Bettor:  b,
		Type:    model.AccountReal,
		Balance: d(balance),
	}))
}

func wager(id string, b model.BettorID, side model.Side, amount float64) *model.Wager {
	return &model.Wager{ID: id, Bettor: b, Side: side, Amount: d(amount), PlacedAt: time.Now().UTC()}
}

func TestMemoryStore_SingleOpenRound(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRound(t, ms, "r1")

	err := ms.CreateRound(context.Background(), &model.Round{ID: "r2", Status: model.StatusBetting})
	assert.ErrorIs(t, err, store.ErrOpenRoundExists)
}

func TestMemoryStore_PlaceWagerUpdatesPoolBalanceAndAudit(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRound(t, ms, "r1")
	alice := model.Real("alice")
	seedAccount(t, ms, alice, 100)

	receipt, err := ms.PlaceWager(ctx, "r1", wager("w1", alice, model.SideUp, 40), time.Now())
	require.NoError(t, err)

	assert.True(t, receipt.BalanceBefore.Equal(d(100)))
	assert.True(t, receipt.BalanceAfter.Equal(d(60)))
	assert.Equal(t, model.ResultPending, receipt.Wager.Result)
	assert.True(t, receipt.Round.Pool.UpTotal.Equal(d(40)))
	assert.Equal(t, 1, receipt.Round.Pool.UpCount)

	acct, err := ms.GetAccount(ctx, alice)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(60)))

	audit, err := ms.ListAudit(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.AuditDebit, audit[0].Kind)
	assert.True(t, audit[0].Before.Equal(d(100)))
	assert.True(t, audit[0].After.Equal(d(60)))
}

func TestMemoryStore_PlaceWagerRejectionsLeaveNoTrace(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	r := seedRound(t, ms, "r1")
	bob := model.Real("bob")
	seedAccount(t, ms, bob, 10)

	_, err := ms.PlaceWager(ctx, "r1", wager("w1", bob, model.SideDown, 20), time.Now())
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	_, err = ms.PlaceWager(ctx, "r1", wager("w2", model.Real("ghost"), model.SideDown, 1), time.Now())
	assert.ErrorIs(t, err, model.ErrBettorNotFound)

	_, err = ms.PlaceWager(ctx, "r1", wager("w3", bob, model.SideDown, 5), r.BettingEndsAt)
	assert.ErrorIs(t, err, model.ErrNoActiveRound, "wagers at the deadline are rejected")

	got, err := ms.GetRound(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, got.Wagers)
	assert.True(t, got.Pool.Total().IsZero())

	acct, _ := ms.GetAccount(ctx, bob)
	assert.True(t, acct.Balance.Equal(d(10)))
}

func TestMemoryStore_ConcurrentWagersNeverOverdraw(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRound(t, ms, "r1")
	carol := model.Real("carol")
	seedAccount(t, ms, carol, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := model.SideUp
			if i%2 == 0 {
				side = model.SideDown
			}
			if _, err := ms.PlaceWager(ctx, "r1", wager("w"+string(rune('a'+i)), carol, side, 5), time.Now()); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	acct, _ := ms.GetAccount(ctx, carol)
	assert.True(t, acct.Balance.IsZero())
}

func TestMemoryStore_TransitionsOnlyMoveForward(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRound(t, ms, "r1")

	price := d(101.5)
	r, err := ms.TransitionRound(ctx, "r1", model.StatusBetting, model.StatusPlaying, &price)
	require.NoError(t, err)
	require.NotNil(t, r.StartPrice)
	assert.True(t, r.StartPrice.Equal(price))

	_, err = ms.TransitionRound(ctx, "r1", model.StatusPlaying, model.StatusBetting, nil)
	assert.ErrorIs(t, err, store.ErrStaleTransition)

	_, err = ms.TransitionRound(ctx, "r1", model.StatusBetting, model.StatusPlaying, nil)
	assert.ErrorIs(t, err, store.ErrStaleTransition, "second transition from the same status loses")
}

func TestMemoryStore_CreditIsIdempotentPerRef(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	dave := model.Real("dave")
	seedAccount(t, ms, dave, 0)

	first, err := ms.Credit(ctx, dave, d(25), "settle:r1:real:dave", nil)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := ms.Credit(ctx, dave, d(25), "settle:r1:real:dave", nil)
	require.NoError(t, err)
	assert.False(t, second.Applied)

	acct, _ := ms.GetAccount(ctx, dave)
	assert.True(t, acct.Balance.Equal(d(25)))
}

func TestMemoryStore_DemoCreditClampsToMax(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	guest := model.Demo("guest-1")
	ceiling := d(1000)
	require.NoError(t, ms.CreateAccount(ctx, &model.Account{
		Bettor: guest, Type: model.AccountDemo, Balance: d(990), MaxBalance: &ceiling,
	}))

	receipt, err := ms.Credit(ctx, guest, d(50), "settle:r1:demo:guest-1", nil)
	require.NoError(t, err)
	assert.True(t, receipt.After.Equal(ceiling))
}

func TestMemoryStore_CompleteRoundRequiresSettling(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedRound(t, ms, "r1")

	_, err := ms.CompleteRound(ctx, "r1", &model.Settlement{})
	assert.ErrorIs(t, err, store.ErrStaleTransition)
}

func TestMemoryStore_HistoryNewestFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	erin := model.Real("erin")
	seedAccount(t, ms, erin, 100)

	for _, id := range []string{"r1", "r2"} {
		seedRound(t, ms, id)
		_, err := ms.PlaceWager(ctx, id, wager("w-"+id, erin, model.SideUp, 1), time.Now())
		require.NoError(t, err)
		_, err = ms.TransitionRound(ctx, id, model.StatusBetting, model.StatusSettling, nil)
		require.NoError(t, err)
		_, err = ms.CompleteRound(ctx, id, &model.Settlement{SettledAt: time.Now()})
		require.NoError(t, err)
	}

	history, err := ms.ListBettorHistory(ctx, erin, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "r2", history[0].Wager.RoundID)
	assert.Equal(t, model.StatusCompleted, history[0].RoundStatus)
}
