package pool_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/pool"
	"github.com/atmx/updown/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestDerive(t *testing.T) {
	p := pool.Derive([]model.Wager{
		{Side: model.SideUp, Amount: d(10)},
		{Side: model.SideUp, Amount: d(20)},
		{Side: model.SideDown, Amount: d(40)},
	})
	assert.True(t, p.UpTotal.Equal(d(30)))
	assert.True(t, p.DownTotal.Equal(d(40)))
	assert.Equal(t, 2, p.UpCount)
	assert.Equal(t, 1, p.DownCount)
	assert.True(t, p.Total().Equal(d(70)))
}

func TestDerive_Empty(t *testing.T) {
	p := pool.Derive(nil)
	assert.True(t, p.Total().IsZero())
	assert.Zero(t, p.UpCount+p.DownCount)
}

func TestCheck_DetectsDrift(t *testing.T) {
	r := &model.Round{
		ID:     "r1",
		Wagers: []model.Wager{{Side: model.SideUp, Amount: d(5)}},
		Pool:   model.Pool{UpTotal: d(5), UpCount: 1},
	}
	require.NoError(t, pool.Check(r))

	r.Pool.UpTotal = d(6)
	assert.ErrorIs(t, pool.Check(r), pool.ErrDrift)

	var logs bytes.Buffer
	acct := pool.NewAccountant(store.NewMemoryStore(), slog.New(slog.NewJSONHandler(&logs, nil)))
	snap := acct.Of(r)
	assert.True(t, snap.Pool.UpTotal.Equal(d(5)), "snapshots are derived from wagers")
	assert.Contains(t, logs.String(), `"msg":"pool drift"`)
	assert.Contains(t, logs.String(), `"round":"r1"`)
}

func TestAccountant_Current(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	acct := pool.NewAccountant(ms, nil)

	_, err := acct.Current(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, ms.CreateRound(ctx, &model.Round{
		ID: "r1", Status: model.StatusBetting, CreatedAt: now,
		BettingEndsAt: now.Add(time.Minute), PlayEndsAt: now.Add(2 * time.Minute),
	}))
	require.NoError(t, ms.CreateAccount(ctx, &model.Account{Bettor: model.Real("a"), Balance: d(100)}))
	_, err = ms.PlaceWager(ctx, "r1", &model.Wager{ID: "w1", Bettor: model.Real("a"), Side: model.SideDown, Amount: d(12.5)}, now)
	require.NoError(t, err)

	snap, err := acct.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", snap.RoundID)
	assert.Equal(t, model.StatusBetting, snap.Status)
	assert.True(t, snap.Pool.DownTotal.Equal(d(12.5)))
	assert.Equal(t, 1, snap.Pool.DownCount)
}
