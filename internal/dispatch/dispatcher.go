package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"coopwatch/go-mqtt-server/internal/eventstore"
	"coopwatch/go-mqtt-server/internal/metrics"
	"coopwatch/go-mqtt-server/internal/model"
)

// Sink observes dispatcher outcomes, typically to journal them.
type Sink interface {
	EventStored(ctx context.Context, event model.SensorEvent, class model.MessageClass)
	MessageDropped(ctx context.Context, topic string, raw []byte, reason error)
}

// Dispatcher evaluates inbound messages against the registry and forwards
// accepted ones to the event store.
type Dispatcher struct {
	logger   *slog.Logger
	registry *Registry
	store    *eventstore.Store
	metrics  *metrics.Metrics
	sink     Sink
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records dispatch counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSink forwards outcomes to s.
func WithSink(s Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// NewDispatcher wires a dispatcher over registry and store.
func NewDispatcher(registry *Registry, store *eventstore.Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger, registry: registry, store: store}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnMessage handles one inbound message. When at least one active
// subscription accepts it, the stored event is returned with ok set.
func (d *Dispatcher) OnMessage(ctx context.Context, t string, raw []byte) (model.SensorEvent, bool) {
	d.metrics.MessageReceived()

	subs := d.registry.matching(t)
	if len(subs) == 0 {
		d.logger.Debug("no subscription matched", "topic", t)
		return model.SensorEvent{}, false
	}

	payload := model.ParsePayload(raw)

	var accepted []string
	var rejected []string
	for _, sub := range subs {
		if sub.Paused {
			continue
		}
		if field, ok := filterMismatch(sub.Filter, payload); !ok {
			d.metrics.MessageFiltered()
			d.logger.Debug("message filtered", "topic", t, "pattern", sub.Pattern, "field", field)
			rejected = append(rejected, sub.Pattern)
			continue
		}
		accepted = append(accepted, sub.Pattern)
	}

	if len(accepted) == 0 {
		if len(rejected) > 0 && d.sink != nil {
			sort.Strings(rejected)
			d.sink.MessageDropped(ctx, t, raw, fmt.Errorf("rejected by filters on %s", strings.Join(rejected, ", ")))
		}
		return model.SensorEvent{}, false
	}

	sort.Strings(accepted)
	class := classify(t, payload)
	device := deviceID(t)
	annotation := fmt.Sprintf("%s message from device %s (matched %s)", class, device, strings.Join(accepted, ", "))

	event := d.store.Store(t, payload, annotation)
	d.metrics.MessageStored(string(class), d.store.Len())
	d.logger.Debug("message stored", "topic", t, "class", class, "device", device, "seq", event.Seq)

	if d.sink != nil {
		d.sink.EventStored(ctx, event, class)
	}
	return event, true
}

// filterMismatch reports the first filter field that the payload does not
// satisfy. Non-structured payloads never satisfy a non-empty filter.
func filterMismatch(filter map[string]any, payload model.Payload) (string, bool) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		actual, ok := payload.Field(k)
		if !ok || !valuesEqual(filter[k], actual) {
			return k, false
		}
	}
	return "", true
}

func valuesEqual(expected, actual any) bool {
	if ef, ok := toFloat(expected); ok {
		af, ok := toFloat(actual)
		return ok && ef == af
	}
	return reflect.DeepEqual(expected, actual)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	default:
		return 0, false
	}
}
