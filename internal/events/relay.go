package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/updown/internal/model"
)

// DefaultChannel is the Redis Pub/Sub channel shared by all instances.
const DefaultChannel = "updown_events"

// relayMessage is the Redis wire format for an event crossing instances.
type relayMessage struct {
	Origin string          `json:"origin"`
	ID     string          `json:"id"`
	Type   Type            `json:"type"`
	Target model.BettorID  `json:"target"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data"`
}

// RedisRelay mirrors a Bus across instances over Redis Pub/Sub: locally
// published events are sent to the channel and events from other instances
// are delivered to local subscribers.
type RedisRelay struct {
	bus      *Bus
	rdb      *redis.Client
	channel  string
	instance string
	out      chan Event
	logger   *slog.Logger
}

// NewRedisRelay creates a relay for bus. Call Start to begin relaying.
func NewRedisRelay(bus *Bus, rdb *redis.Client, channel string, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		bus:      bus,
		rdb:      rdb,
		channel:  channel,
		instance: uuid.New().String(),
		out:      make(chan Event, DefaultBuffer),
		logger:   logger,
	}
}

// Start installs the relay as the bus forwarder and runs the publish and
// subscribe loops until ctx is done.
func (r *RedisRelay) Start(ctx context.Context) {
	r.bus.SetForwarder(func(e Event) {
		select {
		case r.out <- e:
		default:
			r.logger.Warn("event relay queue full, dropping", "type", e.Type)
		}
	})

	sub := r.rdb.Subscribe(ctx, r.channel)
	ch := sub.Channel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-r.out:
				r.send(ctx, e)
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				r.bus.SetForwarder(nil)
				_ = sub.Close()
				return
			case msg := <-ch:
				if msg == nil {
					continue
				}
				r.receive(msg.Payload)
			}
		}
	}()
}

func (r *RedisRelay) send(ctx context.Context, e Event) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		r.logger.Error("event relay marshal", "type", e.Type, "err", err)
		return
	}
	payload, err := json.Marshal(relayMessage{
		Origin: r.instance,
		ID:     e.ID,
		Type:   e.Type,
		Target: e.Target,
		At:     e.At,
		Data:   data,
	})
	if err != nil {
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("event relay publish failed", "type", e.Type, "err", err)
	}
}

func (r *RedisRelay) receive(payload string) {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.logger.Warn("event relay unmarshal", "err", err)
		return
	}
	if m.Origin == r.instance {
		return
	}
	r.bus.deliver(Event{
		ID:     m.ID,
		Type:   m.Type,
		Data:   m.Data,
		Target: m.Target,
		At:     m.At,
		origin: m.Origin,
	})
}
