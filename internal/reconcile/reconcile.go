// Package reconcile records settlement credits that could not be applied so
// an operator can apply them by hand. Nothing in this package retries.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/model"
)

// Item is one failed payout credit.
type Item struct {
	RoundID string          `json:"round_id"`
	Bettor  model.BettorID  `json:"bettor_id"`
	Amount  decimal.Decimal `json:"amount"`
	Ref     string          `json:"ref"`
	Error   string          `json:"error"`
	At      time.Time       `json:"at"`
}

// Queue accepts failed credits.
type Queue interface {
	Enqueue(ctx context.Context, it Item) error
}

// MemoryQueue keeps the most recent items in process memory.
type MemoryQueue struct {
	mu    sync.Mutex
	items []Item
	limit int
}

// NewMemoryQueue keeps at most limit items, dropping the oldest.
func NewMemoryQueue(limit int) *MemoryQueue {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryQueue{limit: limit}
}

func (q *MemoryQueue) Enqueue(_ context.Context, it Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	if over := len(q.items) - q.limit; over > 0 {
		q.items = append([]Item(nil), q.items[over:]...)
	}
	return nil
}

// List returns a copy of the queued items, oldest first. It is never nil.
func (q *MemoryQueue) List() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Item, len(q.items))
	copy(items, q.items)
	return items
}

// KafkaQueue publishes each item as a JSON message keyed by bettor, so all
// items of one bettor land on the same partition.
type KafkaQueue struct {
	writer *kafka.Writer
}

// NewKafkaWriter builds the writer for the reconciliation topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaQueue wraps w.
func NewKafkaQueue(w *kafka.Writer) *KafkaQueue {
	return &KafkaQueue{writer: w}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, it Item) error {
	b, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("reconcile: marshal item: %w", err)
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(it.Bettor.String()),
		Value: b,
		Time:  it.At,
	})
	if err != nil {
		return fmt.Errorf("reconcile: write %s: %w", it.Ref, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}

// Fanout enqueues to every queue and joins their errors.
type Fanout []Queue

func (f Fanout) Enqueue(ctx context.Context, it Item) error {
	var errs []error
	for _, q := range f {
		if err := q.Enqueue(ctx, it); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
