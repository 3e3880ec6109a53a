// Package events is the publish/subscribe fan-out between the round engine and
// connected observers. Publishing never blocks: every subscriber has a bounded
// queue and events that do not fit are dropped for that subscriber only.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/updown/internal/metrics"
	"github.com/atmx/updown/internal/model"
)

// Type names an outbound event.
type Type string

const (
	PriceUpdate   Type = "priceUpdate"
	PoolUpdate    Type = "poolUpdate"
	RoundStarted  Type = "roundStarted"
	RoundReady    Type = "roundReady"
	Players       Type = "players"
	RoundSettled  Type = "roundSettled"
	BalanceUpdate Type = "balanceUpdate"
	BetError      Type = "betError"
	Welcome       Type = "welcome"
)

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 256

// Event is one published state change. A non-zero Target restricts delivery
// to observers identified as that bettor.
type Event struct {
	ID     string         `json:"id"`
	Type   Type           `json:"type"`
	Data   any            `json:"data"`
	Target model.BettorID `json:"target,omitempty"`
	At     time.Time      `json:"at"`

	// origin is the instance that first published the event; empty for
	// events published in this process.
	origin string
}

// Envelope is the outbound wire format: {"message":{"id","type","data"}}.
type Envelope struct {
	Message Message `json:"message"`
}

// Message is the body of an Envelope.
type Message struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
	Data any    `json:"data"`
}

// Encode renders the event in the outbound envelope.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(Envelope{Message: Message{ID: e.ID, Type: e.Type, Data: e.Data}})
}

// New builds an event with a fresh id.
func New(t Type, data any) Event {
	return Event{ID: uuid.New().String(), Type: t, Data: data, At: time.Now().UTC()}
}

// For builds an event addressed to one bettor.
func For(target model.BettorID, t Type, data any) Event {
	e := New(t, data)
	e.Target = target
	return e
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers. Publish holds the bus lock for the
// duration of the non-blocking sends, so every subscriber sees events in the
// same order they were published.
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	next      uint64
	buffer    int
	forwarder func(Event)
}

// NewBus creates a bus whose subscribers queue up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Publish delivers e to every local subscriber and hands it to the forwarder,
// if one is installed.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.Lock()
	forward := b.forwarder
	b.deliverLocked(e)
	b.mu.Unlock()

	if forward != nil && e.origin == "" {
		forward(e)
	}
}

// deliver publishes an event that arrived from another instance. It is never
// forwarded again.
func (b *Bus) deliver(e Event) {
	b.mu.Lock()
	b.deliverLocked(e)
	b.mu.Unlock()
}

func (b *Bus) deliverLocked(e Event) {
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			metrics.BusDroppedEvents.Inc()
		}
	}
}

// SetForwarder installs fn to receive every locally published event.
// fn must not block.
func (b *Bus) SetForwarder(fn func(Event)) {
	b.mu.Lock()
	b.forwarder = fn
	b.mu.Unlock()
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	s := &Subscription{
		id:  b.next,
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	b.subs[s.id] = s
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

// Subscription is one observer's bounded queue.
type Subscription struct {
	id  uint64
	bus *Bus
	ch  chan Event
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}
