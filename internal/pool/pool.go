// Package pool derives the per-side stake totals of a round from its wagers.
// Displayed pool values always come from Derive, never from a separately
// maintained counter.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/updown/internal/metrics"
	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/store"
)

// ErrDrift is returned by Check when stored running totals disagree with the
// wager list.
var ErrDrift = errors.New("pool: stored totals disagree with wagers")

// Derive sums amount and count per side.
func Derive(wagers []model.Wager) model.Pool {
	var p model.Pool
	for _, w := range wagers {
		p = p.Add(w.Side, w.Amount)
	}
	return p
}

// Check compares the round's stored totals with the derived ones.
func Check(r *model.Round) error {
	derived := Derive(r.Wagers)
	if !derived.Equal(r.Pool) {
		metrics.PoolDrift.Inc()
		return fmt.Errorf("%w: round %s stored up=%s down=%s derived up=%s down=%s", ErrDrift,
			r.ID, r.Pool.UpTotal, r.Pool.DownTotal, derived.UpTotal, derived.DownTotal)
	}
	return nil
}

// Snapshot is the pool of the open round at a point in time.
type Snapshot struct {
	RoundID string       `json:"round_id"`
	Status  model.Status `json:"status"`
	Pool    model.Pool   `json:"pool"`
	AsOf    time.Time    `json:"as_of"`
}

// Accountant answers pool queries and builds pool snapshots. Drift between
// stored totals and the wager list is logged and counted.
type Accountant struct {
	store  store.Store
	logger *slog.Logger
}

// NewAccountant creates an accountant reading from st.
func NewAccountant(st store.Store, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{store: st, logger: logger}
}

// Of builds a snapshot of r, derived from its wagers.
func (a *Accountant) Of(r *model.Round) Snapshot {
	if err := Check(r); err != nil {
		a.logger.Warn("pool drift", "round", r.ID, "err", err)
	}
	p := Derive(r.Wagers)
	metrics.PoolTotal.WithLabelValues(string(model.SideUp)).Set(p.UpTotal.InexactFloat64())
	metrics.PoolTotal.WithLabelValues(string(model.SideDown)).Set(p.DownTotal.InexactFloat64())
	return Snapshot{RoundID: r.ID, Status: r.Status, Pool: p, AsOf: time.Now().UTC()}
}

// Current returns the open round's pool. With no open round it returns
// store.ErrNotFound.
func (a *Accountant) Current(ctx context.Context) (Snapshot, error) {
	r, err := a.store.GetOpenRound(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return a.Of(r), nil
}
