package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown/internal/events"
	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/reconcile"
	"github.com/atmx/updown/internal/settlement"
	"github.com/atmx/updown/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func w(bettor string, side model.Side, amount float64) model.Wager {
	return model.Wager{Bettor: model.Real(bettor), Side: side, Amount: d(amount)}
}

var policy = settlement.Policy{FeeRate: d(0.05), Tie: settlement.TieDown, Scale: 2}

func sumPayouts(ps []model.Payout) decimal.Decimal {
	total := decimal.Zero
	for _, p := range ps {
		total = total.Add(p.Amount)
	}
	return total
}

// --- Compute ---

func TestCompute_ProportionalPayouts(t *testing.T) {
	wagers := []model.Wager{
		w("a", model.SideUp, 40),
		w("b", model.SideUp, 60),
		w("c", model.SideDown, 50),
	}
	out := settlement.Compute(wagers, d(100), d(101), policy)

	require.NotNil(t, out.WinningSide)
	assert.Equal(t, model.SideUp, *out.WinningSide)
	assert.True(t, out.HouseFee.Equal(d(2.5)), out.HouseFee.String())
	assert.True(t, out.Payouts[0].Amount.Equal(d(59)), out.Payouts[0].Amount.String())
	assert.True(t, out.Payouts[1].Amount.Equal(d(88.5)), out.Payouts[1].Amount.String())
	assert.True(t, out.Payouts[2].Amount.IsZero())
	assert.Equal(t, model.ResultLoss, out.Payouts[2].Result)
	assert.True(t, out.TotalPayout.Equal(d(147.5)))
	assert.Equal(t, 2, out.Winners)
	assert.Equal(t, 1, out.Losers)
}

func TestCompute_ConservationWithRoundingRemainder(t *testing.T) {
	wagers := []model.Wager{
		w("a", model.SideUp, 1),
		w("b", model.SideUp, 1),
		w("c", model.SideUp, 1),
		w("d", model.SideDown, 1),
	}
	out := settlement.Compute(wagers, d(1), d(2), settlement.Policy{FeeRate: decimal.Zero, Tie: settlement.TieDown, Scale: 2})

	assert.True(t, sumPayouts(out.Payouts).Equal(out.TotalPayout))
	assert.True(t, out.TotalPayout.Equal(d(4)))
	assert.True(t, out.Payouts[0].Amount.Equal(d(1.34)), "remainder goes to the first largest stake")
	assert.True(t, out.Payouts[1].Amount.Equal(d(1.33)))
}

func TestCompute_NoWinnersKeepsPoolWithHouse(t *testing.T) {
	wagers := []model.Wager{
		w("a", model.SideDown, 30),
		w("b", model.SideDown, 20),
	}
	out := settlement.Compute(wagers, d(10), d(11), policy)

	assert.Equal(t, model.SideUp, *out.WinningSide)
	assert.True(t, out.HouseFee.Equal(d(50)))
	assert.True(t, out.TotalPayout.IsZero())
	assert.Equal(t, 0, out.Winners)
	for _, p := range out.Payouts {
		assert.True(t, p.Amount.IsZero())
	}
}

func TestCompute_EmptyRound(t *testing.T) {
	out := settlement.Compute(nil, d(10), d(9), policy)
	assert.True(t, out.HouseFee.IsZero())
	assert.True(t, out.TotalPayout.IsZero())
	assert.Empty(t, out.Payouts)
}

func TestCompute_TiePolicies(t *testing.T) {
	wagers := []model.Wager{
		w("a", model.SideUp, 10),
		w("b", model.SideDown, 10),
	}

	down := settlement.Compute(wagers, d(5), d(5), policy)
	require.NotNil(t, down.WinningSide)
	assert.Equal(t, model.SideDown, *down.WinningSide)
	assert.True(t, down.Payouts[1].Amount.Equal(d(19.5)))

	refund := settlement.Compute(wagers, d(5), d(5), settlement.Policy{FeeRate: d(0.05), Tie: settlement.TieRefund, Scale: 2})
	assert.Nil(t, refund.WinningSide)
	assert.True(t, refund.HouseFee.IsZero())
	assert.True(t, refund.TotalPayout.Equal(d(20)))
	for i, p := range refund.Payouts {
		assert.Equal(t, model.ResultRefund, p.Result)
		assert.True(t, p.Amount.Equal(wagers[i].Amount))
	}
}

func TestParseTiePolicy(t *testing.T) {
	p, err := settlement.ParseTiePolicy("refund")
	require.NoError(t, err)
	assert.Equal(t, settlement.TieRefund, p)

	_, err = settlement.ParseTiePolicy("split")
	assert.Error(t, err)
}

// --- Engine ---

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// settlingRound seeds a round with the given stakes and moves it to settling.
func settlingRound(t *testing.T, st store.Store, stakes map[string]model.Side, amounts map[string]float64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.CreateRound(ctx, &model.Round{
		ID: "r1", Status: model.StatusBetting, CreatedAt: now,
		BettingEndsAt: now.Add(time.Minute), PlayEndsAt: now.Add(2 * time.Minute),
	}))
	for bettor, side := range stakes {
		id := model.Real(bettor)
		require.NoError(t, st.CreateAccount(ctx, &model.Account{Bettor: id, Type: model.AccountReal, Balance: d(100)}))
		_, err := st.PlaceWager(ctx, "r1", &model.Wager{ID: "w-" + bettor, Bettor: id, Side: side, Amount: d(amounts[bettor]), PlacedAt: now}, now)
		require.NoError(t, err)
	}
	_, err := st.TransitionRound(ctx, "r1", model.StatusBetting, model.StatusSettling, nil)
	require.NoError(t, err)
}

func balance(t *testing.T, st store.Store, bettor string) decimal.Decimal {
	t.Helper()
	a, err := st.GetAccount(context.Background(), model.Real(bettor))
	require.NoError(t, err)
	return a.Balance
}

func scenarioA(t *testing.T, st store.Store) {
	settlingRound(t, st,
		map[string]model.Side{"a": model.SideUp, "b": model.SideUp, "c": model.SideDown},
		map[string]float64{"a": 40, "b": 60, "c": 50})
}

func TestEngine_SettleCreditsWinners(t *testing.T) {
	ms := store.NewMemoryStore()
	scenarioA(t, ms)
	bus := &recorder{}
	eng := settlement.NewEngine(ms, bus, reconcile.NewMemoryQueue(10), policy, nil)

	res, err := eng.Settle(context.Background(), "r1", d(100), d(101))
	require.NoError(t, err)

	assert.True(t, balance(t, ms, "a").Equal(d(119)), "60 left + 59 payout")
	assert.True(t, balance(t, ms, "b").Equal(d(128.5)))
	assert.True(t, balance(t, ms, "c").Equal(d(50)))
	assert.True(t, res.HouseFee.Equal(d(2.5)))
	assert.Equal(t, 2, res.Winners)

	r, err := ms.GetRound(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, r.Status)
	a, _ := r.WagerOf(model.Real("a"))
	assert.Equal(t, model.ResultWin, a.Result)

	audit, err := ms.ListAudit(context.Background(), model.Real("a"), 1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.AuditCredit, audit[0].Kind)
	assert.Equal(t, map[string]string{"round_id": "r1", "reason": "win"}, audit[0].Metadata)

	assert.Len(t, bus.ofType(events.RoundSettled), 1)
	updates := bus.ofType(events.BalanceUpdate)
	assert.Len(t, updates, 2, "one balance update per credited bettor")
	for _, u := range updates {
		assert.False(t, u.Target.IsZero())
	}
}

func TestEngine_SettleTwiceIsIdempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	scenarioA(t, ms)
	bus := &recorder{}
	eng := settlement.NewEngine(ms, bus, reconcile.NewMemoryQueue(10), policy, nil)
	ctx := context.Background()

	first, err := eng.Settle(ctx, "r1", d(100), d(101))
	require.NoError(t, err)
	before := balance(t, ms, "a")

	second, err := eng.Settle(ctx, "r1", d(100), d(90))
	require.NoError(t, err)

	assert.Equal(t, first.WinningSide, second.WinningSide, "stored result is returned, not recomputed")
	assert.True(t, first.TotalPayout.Equal(second.TotalPayout))
	assert.True(t, balance(t, ms, "a").Equal(before))
	assert.Len(t, bus.ofType(events.RoundSettled), 1)
}

func TestEngine_RejectsRoundNotSettling(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, ms.CreateRound(context.Background(), &model.Round{
		ID: "r1", Status: model.StatusBetting, BettingEndsAt: now.Add(time.Minute),
	}))
	eng := settlement.NewEngine(ms, &recorder{}, reconcile.NewMemoryQueue(10), policy, nil)

	_, err := eng.Settle(context.Background(), "r1", d(1), d(2))
	assert.ErrorIs(t, err, settlement.ErrNotSettling)
}

// flakyStore fails credits for one bettor.
type flakyStore struct {
	store.Store
	fail model.BettorID
}

func (f *flakyStore) Credit(ctx context.Context, b model.BettorID, amount decimal.Decimal, ref string, meta map[string]string) (*store.CreditReceipt, error) {
	if b == f.fail {
		return nil, errors.New("account shard unavailable")
	}
	return f.Store.Credit(ctx, b, amount, ref, meta)
}

func TestEngine_CreditFailureIsQueuedAndOthersProceed(t *testing.T) {
	ms := store.NewMemoryStore()
	scenarioA(t, ms)
	st := &flakyStore{Store: ms, fail: model.Real("a")}
	queue := reconcile.NewMemoryQueue(10)
	eng := settlement.NewEngine(st, &recorder{}, queue, policy, nil)

	_, err := eng.Settle(context.Background(), "r1", d(100), d(101))
	require.NoError(t, err)

	assert.True(t, balance(t, ms, "a").Equal(d(60)), "failed credit is not applied")
	assert.True(t, balance(t, ms, "b").Equal(d(128.5)))

	items := queue.List()
	require.Len(t, items, 1)
	assert.Equal(t, model.Real("a"), items[0].Bettor)
	assert.True(t, items[0].Amount.Equal(d(59)))
	assert.Equal(t, store.CreditRef("r1", model.Real("a")), items[0].Ref)
}
