package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/reconcile"
)

func item(ref string) reconcile.Item {
	return reconcile.Item{
		RoundID: "r1",
		Bettor:  model.Real("alice"),
		Amount:  decimal.NewFromInt(10),
		Ref:     ref,
		At:      time.Now().UTC(),
	}
}

func TestMemoryQueue_KeepsNewestWithinLimit(t *testing.T) {
	q := reconcile.NewMemoryQueue(2)
	ctx := context.Background()
	for _, ref := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, item(ref)))
	}

	items := q.List()
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Ref)
	assert.Equal(t, "c", items[1].Ref)
}

func TestMemoryQueue_EmptyListIsNotNil(t *testing.T) {
	items := reconcile.NewMemoryQueue(5).List()
	require.NotNil(t, items)
	assert.Empty(t, items)
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, reconcile.Item) error {
	return errors.New("broker down")
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	mem := reconcile.NewMemoryQueue(10)
	f := reconcile.Fanout{failingQueue{}, mem}

	err := f.Enqueue(context.Background(), item("x"))
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, mem.List(), 1, "a failing queue does not stop the others")
}
