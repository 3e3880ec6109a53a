// Package oracle supplies the reference price rounds are settled against.
package oracle

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/events"
)

// ErrNoPrice is returned before the first price is known.
var ErrNoPrice = errors.New("oracle: no price available")

// Oracle returns the current reference price.
type Oracle interface {
	CurrentPrice(ctx context.Context) (decimal.Decimal, error)
}

// PriceEvent is the priceUpdate payload.
type PriceEvent struct {
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

// Feed polls a source on a fixed interval, keeps the latest price and relays
// every tick to observers unchanged. It is itself an Oracle.
type Feed struct {
	source   Oracle
	interval time.Duration
	bus      events.Publisher
	logger   *slog.Logger

	mu     sync.RWMutex
	latest decimal.Decimal
	at     time.Time
}

// NewFeed creates a feed polling source every interval.
func NewFeed(source Oracle, interval time.Duration, bus events.Publisher, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{source: source, interval: interval, bus: bus, logger: logger}
}

// Run polls until ctx is done. The first poll happens immediately.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *Feed) poll(ctx context.Context) {
	price, err := f.source.CurrentPrice(ctx)
	if err != nil {
		f.logger.Warn("price poll failed", "err", err)
		return
	}
	now := time.Now().UTC()

	f.mu.Lock()
	f.latest, f.at = price, now
	f.mu.Unlock()

	f.bus.Publish(events.New(events.PriceUpdate, PriceEvent{Price: price, At: now}))
}

// CurrentPrice returns the latest polled price, or polls the source when
// nothing has been polled yet.
func (f *Feed) CurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	f.mu.RLock()
	price, at := f.latest, f.at
	f.mu.RUnlock()
	if !at.IsZero() {
		return price, nil
	}
	return f.source.CurrentPrice(ctx)
}

// RandomWalk is a development price source: each call moves the price by a
// random fraction of at most volatility in either direction.
type RandomWalk struct {
	mu         sync.Mutex
	price      decimal.Decimal
	volatility float64
	rng        *rand.Rand
}

// NewRandomWalk starts a walk at start. seed makes the sequence reproducible.
func NewRandomWalk(start, volatility decimal.Decimal, seed uint64) *RandomWalk {
	return &RandomWalk{
		price:      start,
		volatility: volatility.InexactFloat64(),
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (w *RandomWalk) CurrentPrice(context.Context) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	move := (w.rng.Float64()*2 - 1) * w.volatility
	next := w.price.Mul(decimal.NewFromFloat(1 + move)).Round(2)
	if next.IsPositive() {
		w.price = next
	}
	return w.price, nil
}

// Static returns a fixed price that can be changed with Set.
type Static struct {
	mu    sync.RWMutex
	price decimal.Decimal
	err   error
}

// NewStatic returns a Static reporting price.
func NewStatic(price decimal.Decimal) *Static {
	return &Static{price: price}
}

// Set changes the price and clears any failure.
func (s *Static) Set(price decimal.Decimal) {
	s.mu.Lock()
	s.price, s.err = price, nil
	s.mu.Unlock()
}

// Fail makes CurrentPrice return err until the next Set.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Static) CurrentPrice(context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.price, s.err
}
