// Package eventstore keeps a bounded, queryable window of recent sensor events
// shared by the dispatcher and its readers.
package eventstore

import (
	"strings"
	"sync"
	"time"

	"coopwatch/go-mqtt-server/internal/clock"
	"coopwatch/go-mqtt-server/internal/model"
)

// DefaultCapacity is the number of events retained before the oldest is evicted.
const DefaultCapacity = 100

// Store is a fixed-capacity ring of sensor events. Writes evict the oldest
// entry once the ring is full.
type Store struct {
	mu    sync.RWMutex
	clock clock.Clock
	items []model.SensorEvent
	head  int // next write position
	size  int
	seq   uint64
}

// New constructs a store retaining at most capacity events.
func New(capacity int, clk clock.Clock) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{clock: clk, items: make([]model.SensorEvent, capacity)}
}

// Store appends an event stamped with the current time and returns it.
func (s *Store) Store(topic string, payload model.Payload, annotation string) model.SensorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event := model.SensorEvent{
		Seq:        s.seq,
		Topic:      topic,
		Payload:    payload,
		Timestamp:  s.clock.Now().UTC(),
		Annotation: annotation,
	}

	s.items[s.head] = event
	s.head = (s.head + 1) % len(s.items)
	if s.size < len(s.items) {
		s.size++
	}
	return event
}

// Query returns events whose topic, annotation or payload contains substr,
// ignoring case, oldest first.
func (s *Store) Query(substr string) []model.SensorEvent {
	needle := strings.ToLower(substr)

	var out []model.SensorEvent
	for _, event := range s.snapshot() {
		if strings.Contains(strings.ToLower(event.Topic), needle) ||
			strings.Contains(strings.ToLower(event.Annotation), needle) ||
			strings.Contains(strings.ToLower(event.Payload.String()), needle) {
			out = append(out, event)
		}
	}
	return out
}

// Recent returns up to n of the newest events in insertion order.
func (s *Store) Recent(n int) []model.SensorEvent {
	if n <= 0 {
		return nil
	}
	all := s.snapshot()
	if n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// Since returns the events stored at or after t, oldest first.
func (s *Store) Since(t time.Time) []model.SensorEvent {
	var out []model.SensorEvent
	for _, event := range s.snapshot() {
		if !event.Timestamp.Before(t) {
			out = append(out, event)
		}
	}
	return out
}

// Len reports how many events are currently retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Capacity reports the maximum number of retained events.
func (s *Store) Capacity() int {
	return len(s.items)
}

func (s *Store) snapshot() []model.SensorEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SensorEvent, 0, s.size)
	start := (s.head - s.size + len(s.items)) % len(s.items)
	for i := 0; i < s.size; i++ {
		out = append(out, s.items[(start+i)%len(s.items)])
	}
	return out
}
