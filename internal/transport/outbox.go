package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"coopwatch/go-mqtt-server/internal/model"
)

// DefaultOutboxCapacity bounds the number of held publishes.
const DefaultOutboxCapacity = 256

// ErrQueued reports that a publish was held for delivery after reconnect.
var ErrQueued = fmt.Errorf("%w: queued for delivery on reconnect", model.ErrTransportUnavailable)

// Publisher is the connection an Outbox writes through.
type Publisher interface {
	Connected() bool
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

type intent struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Outbox holds publishes made while disconnected and replays them in order
// once Flush is called. When full, the oldest intent is dropped.
type Outbox struct {
	pub      Publisher
	logger   *slog.Logger
	capacity int

	mu      sync.Mutex
	pending []intent
	dropped int
}

// NewOutbox wraps pub. capacity <= 0 selects DefaultOutboxCapacity.
func NewOutbox(pub Publisher, capacity int, logger *slog.Logger) *Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{pub: pub, logger: logger, capacity: capacity}
}

// Publish sends immediately when connected. Otherwise the intent is held
// and ErrQueued is returned.
func (o *Outbox) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if o.pub.Connected() {
		err := o.pub.Publish(ctx, topic, payload, qos, retain)
		if err == nil || !errors.Is(err, model.ErrTransportUnavailable) {
			return err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == o.capacity {
		o.pending = o.pending[1:]
		o.dropped++
		o.logger.Warn("outbox full, dropping oldest publish", "capacity", o.capacity)
	}
	o.pending = append(o.pending, intent{topic: topic, payload: append([]byte(nil), payload...), qos: qos, retain: retain})
	return ErrQueued
}

// Flush replays held intents in order. It stops at the first failure and
// keeps the remainder for the next attempt.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sent := 0
	for len(o.pending) > 0 {
		next := o.pending[0]
		if err := o.pub.Publish(ctx, next.topic, next.payload, next.qos, next.retain); err != nil {
			return sent, fmt.Errorf("flush outbox: %w", err)
		}
		o.pending = o.pending[1:]
		sent++
	}
	if sent > 0 {
		o.logger.Info("outbox flushed", "sent", sent)
	}
	return sent, nil
}

// Len returns the number of held intents.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Dropped returns how many intents were discarded due to capacity.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
