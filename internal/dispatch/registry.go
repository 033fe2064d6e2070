// Package dispatch owns the subscription registry and routes inbound sensor
// messages into the shared event store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"coopwatch/go-mqtt-server/internal/keylock"
	"coopwatch/go-mqtt-server/internal/model"
	"coopwatch/go-mqtt-server/internal/topic"
)

// Transport is the broker connection subscriptions are mirrored to.
type Transport interface {
	Connected() bool
	Subscribe(ctx context.Context, pattern string, qos byte) error
	Unsubscribe(ctx context.Context, pattern string) error
}

// SubscribeResult is the outcome for one requested pattern.
type SubscribeResult struct {
	Pattern string `json:"pattern"`
	Err     error  `json:"-"`
}

// Registry holds the active subscriptions keyed by pattern. Mutations of one
// pattern are serialized across the transport call, so the registry and the
// broker agree on what is subscribed.
type Registry struct {
	logger    *slog.Logger
	transport Transport

	locks keylock.Map

	mu   sync.RWMutex
	subs map[string]model.Subscription
}

// NewRegistry constructs an empty registry backed by transport.
func NewRegistry(transport Transport, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		transport: transport,
		subs:      make(map[string]model.Subscription),
	}
}

// Subscribe registers each pattern with the transport and records it.
// Subscribing to an existing pattern replaces its qos and filter.
func (r *Registry) Subscribe(ctx context.Context, patterns []string, qos byte, filter map[string]any) []SubscribeResult {
	results := make([]SubscribeResult, 0, len(patterns))
	seen := make(map[string]struct{}, len(patterns))

	for _, pattern := range patterns {
		if _, dup := seen[pattern]; dup {
			continue
		}
		seen[pattern] = struct{}{}

		err := r.subscribeOne(ctx, pattern, qos, filter)
		if err != nil {
			r.logger.Warn("subscribe failed", "pattern", pattern, "error", err)
		} else {
			r.logger.Info("subscribed", "pattern", pattern, "qos", qos, "filtered", len(filter) > 0)
		}
		results = append(results, SubscribeResult{Pattern: pattern, Err: err})
	}
	return results
}

func (r *Registry) subscribeOne(ctx context.Context, pattern string, qos byte, filter map[string]any) error {
	if qos > 2 {
		return fmt.Errorf("%w: got %d", model.ErrInvalidQoS, qos)
	}
	if err := topic.ValidPattern(pattern); err != nil {
		return err
	}
	unlock := r.locks.Lock(pattern)
	defer unlock()

	if r.transport == nil || !r.transport.Connected() {
		return fmt.Errorf("subscribe %q: %w", pattern, model.ErrTransportUnavailable)
	}
	if err := r.transport.Subscribe(ctx, pattern, qos); err != nil {
		return fmt.Errorf("subscribe %q: %w", pattern, err)
	}

	sub := model.Subscription{Pattern: pattern, QoS: qos, Filter: copyFilter(filter)}

	r.mu.Lock()
	if prev, ok := r.subs[pattern]; ok {
		sub.Paused = prev.Paused
	}
	r.subs[pattern] = sub
	r.mu.Unlock()
	return nil
}

// Unsubscribe removes pattern from the transport and the registry.
func (r *Registry) Unsubscribe(ctx context.Context, pattern string) error {
	unlock := r.locks.Lock(pattern)
	defer unlock()

	r.mu.RLock()
	_, ok := r.subs[pattern]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("subscription %q: %w", pattern, model.ErrNotFound)
	}

	if r.transport == nil || !r.transport.Connected() {
		return fmt.Errorf("unsubscribe %q: %w", pattern, model.ErrTransportUnavailable)
	}
	if err := r.transport.Unsubscribe(ctx, pattern); err != nil {
		return fmt.Errorf("unsubscribe %q: %w", pattern, err)
	}

	r.mu.Lock()
	delete(r.subs, pattern)
	r.mu.Unlock()

	r.logger.Info("unsubscribed", "pattern", pattern)
	return nil
}

// Resync re-issues every registered subscription to the transport. It is
// run after a reconnect, since the broker forgets clean-session subscriptions.
func (r *Registry) Resync(ctx context.Context) error {
	var errs []error
	for _, sub := range r.List() {
		if err := r.resyncOne(ctx, sub.Pattern); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// resyncOne re-issues pattern unless it was unsubscribed since List.
func (r *Registry) resyncOne(ctx context.Context, pattern string) error {
	unlock := r.locks.Lock(pattern)
	defer unlock()

	r.mu.RLock()
	sub, ok := r.subs[pattern]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := r.transport.Subscribe(ctx, pattern, sub.QoS); err != nil {
		return fmt.Errorf("resubscribe %q: %w", pattern, err)
	}
	return nil
}

// Pause stops pattern from accepting messages without unsubscribing.
func (r *Registry) Pause(pattern string) error {
	return r.setPaused(pattern, true)
}

// Resume re-enables a paused pattern.
func (r *Registry) Resume(pattern string) error {
	return r.setPaused(pattern, false)
}

func (r *Registry) setPaused(pattern string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[pattern]
	if !ok {
		return fmt.Errorf("subscription %q: %w", pattern, model.ErrNotFound)
	}
	sub.Paused = paused
	r.subs[pattern] = sub
	return nil
}

// List returns every subscription ordered by pattern.
func (r *Registry) List() []model.Subscription {
	r.mu.RLock()
	out := make([]model.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// Len reports the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// matching returns the subscriptions whose pattern selects t, paused ones included.
func (r *Registry) matching(t string) []model.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Subscription
	for pattern, sub := range r.subs {
		if topic.Match(pattern, t) {
			out = append(out, sub)
		}
	}
	return out
}

func copyFilter(filter map[string]any) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	out := make(map[string]any, len(filter))
	for k, v := range filter {
		out[k] = v
	}
	return out
}
