package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown/internal/events"
	"github.com/atmx/updown/internal/ledger"
	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/pool"
	"github.com/atmx/updown/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newLedger(t *testing.T) (*ledger.Service, *store.MemoryStore, *events.Bus) {
	t.Helper()
	ms := store.NewMemoryStore()
	bus := events.NewBus(64)
	return ledger.NewService(ms, bus, d(100), nil), ms, bus
}

func openRound(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, ms.CreateRound(context.Background(), &model.Round{
		ID: "r1", Status: model.StatusBetting, CreatedAt: now,
		BettingEndsAt: now.Add(time.Minute), PlayEndsAt: now.Add(2 * time.Minute),
	}))
}

func fund(t *testing.T, ms *store.MemoryStore, b model.BettorID, amount float64) {
	t.Helper()
	require.NoError(t, ms.CreateAccount(context.Background(), &model.Account{Bettor: b, Type: model.AccountReal, Balance: d(amount)}))
}

func TestPlaceWager_InsufficientBalance(t *testing.T) {
	svc, ms, _ := newLedger(t)
	openRound(t, ms)
	bob := model.Real("bob")
	fund(t, ms, bob, 10)

	_, err := svc.PlaceWager(context.Background(), bob, model.SideUp, d(20))
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Equal(t, ledger.ReasonInsufficientFunds, ledger.Reason(err))

	acct, err := svc.Balance(context.Background(), bob)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(10)))
}

func TestPlaceWager_SecondWagerInRoundRejected(t *testing.T) {
	svc, ms, _ := newLedger(t)
	openRound(t, ms)
	bob := model.Real("bob")
	fund(t, ms, bob, 10)
	ctx := context.Background()

	_, err := svc.PlaceWager(ctx, bob, model.SideUp, d(5))
	require.NoError(t, err)
	_, err = svc.PlaceWager(ctx, bob, model.SideDown, d(5))
	assert.ErrorIs(t, err, model.ErrDuplicateWager)
	assert.Equal(t, ledger.ReasonAlreadyPlaced, ledger.Reason(err))

	r, _ := ms.GetRound(ctx, "r1")
	require.Len(t, r.Wagers, 1)
	assert.Equal(t, model.SideUp, r.Wagers[0].Side)

	acct, _ := ms.GetAccount(ctx, bob)
	assert.True(t, acct.Balance.Equal(d(5)))
}

func TestPlaceWager_ErrorPrecedence(t *testing.T) {
	svc, ms, _ := newLedger(t)
	ctx := context.Background()
	bob := model.Real("bob")
	fund(t, ms, bob, 10)

	_, err := svc.PlaceWager(ctx, bob, model.Side("sideways"), d(-1))
	assert.ErrorIs(t, err, model.ErrInvalidSide, "side is checked first")

	_, err = svc.PlaceWager(ctx, bob, model.SideUp, d(-1))
	assert.ErrorIs(t, err, model.ErrNoActiveRound, "no round outranks a bad amount")

	openRound(t, ms)
	for _, amount := range []float64{0, -1, 100.01} {
		_, err = svc.PlaceWager(ctx, bob, model.SideUp, d(amount))
		assert.ErrorIs(t, err, model.ErrInvalidAmount, "amount %v", amount)
	}

	_, err = svc.PlaceWager(ctx, model.Demo("nobody"), model.SideUp, d(1))
	assert.ErrorIs(t, err, model.ErrBettorNotFound)
	assert.Equal(t, ledger.ReasonUnknownBettor, ledger.Reason(err))
}

func TestPlaceWager_RejectedAfterBettingWindow(t *testing.T) {
	svc, ms, _ := newLedger(t)
	openRound(t, ms)
	bob := model.Real("bob")
	fund(t, ms, bob, 10)
	_, err := ms.TransitionRound(context.Background(), "r1", model.StatusBetting, model.StatusPlaying, nil)
	require.NoError(t, err)

	_, err = svc.PlaceWager(context.Background(), bob, model.SideUp, d(1))
	assert.ErrorIs(t, err, model.ErrNoActiveRound)
}

func TestPlaceWager_PublishesEvents(t *testing.T) {
	svc, ms, bus := newLedger(t)
	openRound(t, ms)
	guest := model.Demo("g1")
	fund(t, ms, guest, 50)
	sub := bus.Subscribe()
	defer sub.Close()

	_, err := svc.PlaceWager(context.Background(), guest, model.SideDown, d(7.5))
	require.NoError(t, err)

	var got []events.Event
	for i := 0; i < 3; i++ {
		got = append(got, <-sub.C())
	}
	assert.Equal(t, events.BalanceUpdate, got[0].Type)
	assert.Equal(t, guest, got[0].Target, "balance updates go to the bettor only")
	assert.Equal(t, events.PoolUpdate, got[1].Type)
	pe := got[1].Data.(ledger.PoolEvent)
	assert.True(t, pe.DownTotal.Equal(d(7.5)))
	assert.Equal(t, events.Players, got[2].Type)
	assert.True(t, got[2].Target.IsZero())
}

func TestPlaceWager_ConcurrentBettorsKeepPoolConsistent(t *testing.T) {
	svc, ms, _ := newLedger(t)
	openRound(t, ms)
	ctx := context.Background()

	const bettors = 40
	for i := 0; i < bettors; i++ {
		fund(t, ms, model.Real(fmt.Sprintf("p%d", i)), 10)
	}

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < bettors; i++ {
		for attempt := 0; attempt < 3; attempt++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				side := model.SideUp
				if i%3 == 0 {
					side = model.SideDown
				}
				if _, err := svc.PlaceWager(ctx, model.Real(fmt.Sprintf("p%d", i)), side, d(4)); err == nil {
					accepted.Add(1)
				}
			}(i)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(bettors), accepted.Load(), "exactly one wager per bettor")
	r, err := ms.GetRound(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, pool.Check(r))
	assert.True(t, r.Pool.Total().Equal(d(4*bettors)))

	for i := 0; i < bettors; i++ {
		acct, _ := ms.GetAccount(ctx, model.Real(fmt.Sprintf("p%d", i)))
		assert.True(t, acct.Balance.Equal(d(6)))
	}
}

func TestHistory_ClampsLimit(t *testing.T) {
	svc, ms, _ := newLedger(t)
	bob := model.Real("bob")
	fund(t, ms, bob, 10)

	entries, err := svc.History(context.Background(), bob, 1000)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)

	_, err = svc.Balance(context.Background(), model.Real("ghost"))
	assert.ErrorIs(t, err, model.ErrBettorNotFound)
}

func TestReason_UnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, ledger.ReasonInternal, ledger.Reason(fmt.Errorf("pool exhausted")))
	assert.Equal(t, ledger.ReasonNoActiveRound, ledger.Reason(fmt.Errorf("wrap: %w", model.ErrNoActiveRound)))
}
