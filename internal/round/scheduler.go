// Package round drives the round lifecycle:
//
//	betting -> playing -> settling -> completed -> (cooldown) -> next round
//
// A single event loop owns every phase transition. Phase deadlines are
// persisted on the round, so a restarted scheduler resumes the open round
// from the store instead of creating a new one.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/events"
	"github.com/atmx/updown/internal/ledger"
	"github.com/atmx/updown/internal/metrics"
	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/oracle"
	"github.com/atmx/updown/internal/pool"
	"github.com/atmx/updown/internal/schedule"
	"github.com/atmx/updown/internal/settlement"
	"github.com/atmx/updown/internal/store"
)

var (
	// ErrNoOpenRound is returned by SettleRound when nothing is open.
	ErrNoOpenRound = errors.New("round: no open round")
	// ErrNotRunning is returned when the event loop is not running.
	ErrNotRunning = errors.New("round: scheduler is not running")
	// ErrMissingPrice is the fault raised for a settling round without prices.
	ErrMissingPrice = errors.New("round: settling round has no recorded prices")
)

// Task kinds.
const (
	kindOpen         = "open"
	kindCloseBetting = "close_betting"
	kindClosePlay    = "close_play"
	kindSettle       = "settle"
	kindRecover      = "recover"
)

// nextKey is the task key for opening the next round.
const nextKey = "next"

// Settler settles a round in settling status.
type Settler interface {
	Settle(ctx context.Context, roundID string, start, end decimal.Decimal) (*settlement.Result, error)
}

// Config holds the phase durations.
type Config struct {
	Betting         time.Duration
	Play            time.Duration
	Cooldown        time.Duration
	TransitionRetry time.Duration
}

// Event is the payload of roundStarted and roundReady.
type Event struct {
	RoundID       string           `json:"roundId"`
	Status        model.Status     `json:"status"`
	BettingEndsAt time.Time        `json:"bettingEndsAt"`
	PlayEndsAt    time.Time        `json:"playEndsAt"`
	StartPrice    *decimal.Decimal `json:"startPrice,omitempty"`
	ServerTime    time.Time        `json:"serverTime"`
}

// Info is the current round snapshot served to observers.
type Info struct {
	Round       *model.Round     `json:"round"`
	Status      model.Status     `json:"status"`
	Pool        model.Pool       `json:"pool"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	ServerTime  time.Time        `json:"serverTime"`
	NextRoundAt *time.Time       `json:"nextRoundAt,omitempty"`
}

type settleRequest struct {
	start, end decimal.Decimal
	reply      chan settleReply
}

type settleReply struct {
	res *settlement.Result
	err error
}

// Scheduler owns the open round.
type Scheduler struct {
	store  store.Store
	engine Settler
	oracle oracle.Oracle
	pool   *pool.Accountant
	bus    events.Publisher
	tasks  *schedule.Tasks
	cfg    Config
	logger *slog.Logger

	requests chan settleRequest
	running  chan struct{} // closed when Run returns

	mu      sync.RWMutex
	current *model.Round
	nextAt  time.Time
	fault   error
}

// NewScheduler creates a scheduler. Call Run to start it.
func NewScheduler(st store.Store, engine Settler, o oracle.Oracle, bus events.Publisher, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TransitionRetry <= 0 {
		cfg.TransitionRetry = 2 * time.Second
	}
	return &Scheduler{
		store:    st,
		engine:   engine,
		oracle:   o,
		pool:     pool.NewAccountant(st, logger),
		bus:      bus,
		tasks:    schedule.New(),
		cfg:      cfg,
		logger:   logger,
		requests: make(chan settleRequest),
		running:  make(chan struct{}),
	}
}

// Run recovers persisted state and then processes phase tasks and operator
// requests until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.running)
	defer s.tasks.Stop()

	s.recover(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.tasks.C():
			s.handle(ctx, f)
		case req := <-s.requests:
			res, err := s.settleNow(ctx, req.start, req.end)
			req.reply <- settleReply{res: res, err: err}
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, f schedule.Fired) {
	if !s.tasks.Claim(f) {
		s.logger.Debug("stale phase task dropped", "key", f.Key, "kind", f.Kind)
		return
	}
	switch f.Kind {
	case kindOpen:
		s.open(ctx)
	case kindRecover:
		s.recover(ctx)
	case kindCloseBetting:
		s.closeBetting(ctx, f.Key)
	case kindClosePlay:
		s.closePlay(ctx, f.Key)
	case kindSettle:
		s.settleStored(ctx, f.Key)
	}
}

// recover resumes from the store: the open round is re-armed from its
// persisted deadlines, or a new round is opened when none exists.
func (s *Scheduler) recover(ctx context.Context) {
	r, err := s.store.GetOpenRound(ctx)
	if errors.Is(err, store.ErrNotFound) {
		s.tasks.Arm(nextKey, time.Now(), kindOpen)
		return
	}
	if err != nil {
		s.logger.Error("load open round failed, retrying", "err", err)
		s.tasks.Arm(nextKey, time.Now().Add(s.cfg.TransitionRetry), kindRecover)
		return
	}

	s.logger.Info("resuming round", "round", r.ID, "status", r.Status)
	s.setCurrent(r)
	s.resume(r)
}

// resume arms the task for r's current phase.
func (s *Scheduler) resume(r *model.Round) {
	switch r.Status {
	case model.StatusWaiting, model.StatusBetting:
		s.tasks.Arm(r.ID, r.BettingEndsAt, kindCloseBetting)
	case model.StatusPlaying:
		s.tasks.Arm(r.ID, r.PlayEndsAt, kindClosePlay)
	case model.StatusSettling:
		s.tasks.Arm(r.ID, time.Now(), kindSettle)
	}
}

// resync reloads a round after a lost conditional transition and re-arms
// whatever phase it is actually in.
func (s *Scheduler) resync(ctx context.Context, id string) {
	r, err := s.store.GetRound(ctx, id)
	if err != nil {
		s.logger.Error("reload round failed", "round", id, "err", err)
		s.tasks.Arm(nextKey, time.Now().Add(s.cfg.TransitionRetry), kindRecover)
		return
	}
	if r.Status == model.StatusCompleted {
		// Only the round still held as open needs finishing; an operator
		// settlement may already have finished it.
		s.mu.RLock()
		open := s.current != nil && s.current.ID == id
		s.mu.RUnlock()
		if open {
			s.finish(r)
		}
		return
	}
	s.setCurrent(r)
	s.resume(r)
}

func (s *Scheduler) open(ctx context.Context) {
	now := time.Now().UTC()
	r := &model.Round{
		ID:            uuid.New().String(),
		Status:        model.StatusBetting,
		CreatedAt:     now,
		BettingEndsAt: now.Add(s.cfg.Betting),
		PlayEndsAt:    now.Add(s.cfg.Betting + s.cfg.Play),
	}
	err := s.store.CreateRound(ctx, r)
	if errors.Is(err, store.ErrOpenRoundExists) {
		s.recover(ctx)
		return
	}
	if err != nil {
		s.logger.Error("create round failed, retrying", "err", err)
		s.tasks.Arm(nextKey, time.Now().Add(s.cfg.TransitionRetry), kindOpen)
		return
	}

	s.mu.Lock()
	s.nextAt = time.Time{}
	s.mu.Unlock()
	s.setCurrent(r)
	s.entered(r)

	s.bus.Publish(events.New(events.RoundStarted, eventOf(r)))
	s.bus.Publish(events.New(events.PoolUpdate, ledger.NewPoolEvent(s.pool.Of(r))))
	s.tasks.Arm(r.ID, r.BettingEndsAt, kindCloseBetting)
}

func (s *Scheduler) closeBetting(ctx context.Context, id string) {
	price, err := s.oracle.CurrentPrice(ctx)
	if err != nil {
		s.logger.Warn("start price unavailable, retrying", "round", id, "err", err)
		s.tasks.Arm(id, time.Now().Add(s.cfg.TransitionRetry), kindCloseBetting)
		return
	}
	r, err := s.store.TransitionRound(ctx, id, model.StatusBetting, model.StatusPlaying, &price)
	if errors.Is(err, store.ErrStaleTransition) {
		s.resync(ctx, id)
		return
	}
	if err != nil {
		s.logger.Error("close betting failed, retrying", "round", id, "err", err)
		s.tasks.Arm(id, time.Now().Add(s.cfg.TransitionRetry), kindCloseBetting)
		return
	}

	s.setCurrent(r)
	s.entered(r)
	s.bus.Publish(events.New(events.RoundReady, eventOf(r)))
	s.tasks.Arm(id, r.PlayEndsAt, kindClosePlay)
}

func (s *Scheduler) closePlay(ctx context.Context, id string) {
	price, err := s.oracle.CurrentPrice(ctx)
	if err != nil {
		s.logger.Warn("end price unavailable, retrying", "round", id, "err", err)
		s.tasks.Arm(id, time.Now().Add(s.cfg.TransitionRetry), kindClosePlay)
		return
	}
	r, err := s.store.TransitionRound(ctx, id, model.StatusPlaying, model.StatusSettling, &price)
	if errors.Is(err, store.ErrStaleTransition) {
		s.resync(ctx, id)
		return
	}
	if err != nil {
		s.logger.Error("close play failed, retrying", "round", id, "err", err)
		s.tasks.Arm(id, time.Now().Add(s.cfg.TransitionRetry), kindClosePlay)
		return
	}

	s.setCurrent(r)
	s.entered(r)
	s.settle(ctx, r)
}

// settleStored settles a round already in settling with its persisted prices.
func (s *Scheduler) settleStored(ctx context.Context, id string) {
	r, err := s.store.GetRound(ctx, id)
	if err != nil {
		s.logger.Error("load settling round failed, retrying", "round", id, "err", err)
		s.tasks.Arm(id, time.Now().Add(s.cfg.TransitionRetry), kindSettle)
		return
	}
	if r.Status != model.StatusSettling {
		s.resync(ctx, id)
		return
	}
	s.settle(ctx, r)
}

func (s *Scheduler) settle(ctx context.Context, r *model.Round) {
	if r.StartPrice == nil || r.EndPrice == nil {
		s.raise(r.ID, ErrMissingPrice)
		return
	}
	res, err := s.engine.Settle(ctx, r.ID, *r.StartPrice, *r.EndPrice)
	if err != nil {
		s.raise(r.ID, err)
		return
	}
	s.completed(ctx, res)
}

// raise records a settlement fault. The round stays in settling and no new
// round opens until an operator settles it.
func (s *Scheduler) raise(id string, err error) {
	fault := fmt.Errorf("settle round %s: %w", id, err)
	s.mu.Lock()
	s.fault = fault
	s.mu.Unlock()
	metrics.SettlementsTotal.WithLabelValues("fault").Inc()
	s.logger.Error("settlement failed, round left in settling", "round", id, "err", err)
}

func (s *Scheduler) completed(ctx context.Context, res *settlement.Result) {
	r, err := s.store.GetRound(ctx, res.RoundID)
	if err != nil {
		// The round is completed in the store either way.
		r = &model.Round{ID: res.RoundID, Status: model.StatusCompleted}
	}
	s.finish(r)
}

// finish clears the open round and arms the next one after the cooldown.
func (s *Scheduler) finish(r *model.Round) {
	s.tasks.Cancel(r.ID)
	next := time.Now().UTC().Add(s.cfg.Cooldown)

	s.mu.Lock()
	s.current = nil
	s.fault = nil
	s.nextAt = next
	s.mu.Unlock()

	s.entered(r)
	metrics.RoundPhase.Set(phase(model.StatusWaiting))
	s.tasks.Arm(nextKey, next, kindOpen)
}

// SettleRound settles the open round with operator-supplied prices, whatever
// phase it is in. It clears any settlement fault and schedules the next round.
func (s *Scheduler) SettleRound(ctx context.Context, start, end decimal.Decimal) (*settlement.Result, error) {
	req := settleRequest{start: start, end: end, reply: make(chan settleReply, 1)}
	select {
	case s.requests <- req:
	case <-s.running:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.res, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) settleNow(ctx context.Context, start, end decimal.Decimal) (*settlement.Result, error) {
	r, err := s.store.GetOpenRound(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoOpenRound
	}
	if err != nil {
		return nil, err
	}

	id := r.ID
	s.tasks.Cancel(id)
	if r.Status != model.StatusSettling {
		r, err = s.store.TransitionRound(ctx, id, r.Status, model.StatusSettling, &end)
		if err != nil {
			s.resync(ctx, id)
			return nil, fmt.Errorf("advance round %s to settling: %w", id, err)
		}
		s.setCurrent(r)
		s.entered(r)
	}

	s.logger.Warn("operator settling round", "round", r.ID, "start_price", start.String(), "end_price", end.String())
	res, err := s.engine.Settle(ctx, r.ID, start, end)
	if err != nil {
		s.raise(r.ID, err)
		return nil, err
	}
	s.completed(ctx, res)
	return res, nil
}

// Current returns a copy of the open round as last seen by the scheduler,
// or nil during the cooldown.
func (s *Scheduler) Current() *model.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

// Fault returns the unresolved settlement failure, if any.
func (s *Scheduler) Fault() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault
}

// Info returns the open round with its pool read fresh from the store.
// Between rounds the status is waiting.
func (s *Scheduler) Info(ctx context.Context) (Info, error) {
	info := Info{Status: model.StatusWaiting, ServerTime: time.Now().UTC()}
	if price, err := s.oracle.CurrentPrice(ctx); err == nil {
		info.Price = &price
	}

	r, err := s.store.GetOpenRound(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.mu.RLock()
		if !s.nextAt.IsZero() {
			next := s.nextAt
			info.NextRoundAt = &next
		}
		s.mu.RUnlock()
		return info, nil
	case err != nil:
		return Info{}, err
	}

	snap := s.pool.Of(r)
	info.Round = r
	info.Status = r.Status
	info.Pool = snap.Pool
	return info, nil
}

func (s *Scheduler) setCurrent(r *model.Round) {
	s.mu.Lock()
	s.current = r.Clone()
	s.mu.Unlock()
}

func (s *Scheduler) entered(r *model.Round) {
	metrics.RoundsTotal.WithLabelValues(string(r.Status)).Inc()
	metrics.RoundPhase.Set(phase(r.Status))
	s.logger.Info("round phase", "round", r.ID, "status", r.Status)
}

func phase(st model.Status) float64 {
	switch st {
	case model.StatusBetting:
		return 1
	case model.StatusPlaying:
		return 2
	case model.StatusSettling:
		return 3
	case model.StatusCompleted:
		return 4
	}
	return 0
}

func eventOf(r *model.Round) Event {
	return Event{
		RoundID:       r.ID,
		Status:        r.Status,
		BettingEndsAt: r.BettingEndsAt,
		PlayEndsAt:    r.PlayEndsAt,
		StartPrice:    r.StartPrice,
		ServerTime:    time.Now().UTC(),
	}
}
