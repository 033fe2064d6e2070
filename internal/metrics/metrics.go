// Package metrics exposes Prometheus counters for the coordination core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coopwatch"

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived prometheus.Counter
	messagesStored   *prometheus.CounterVec
	messagesFiltered prometheus.Counter
	safetyChecks     *prometheus.CounterVec
	rateLimited      prometheus.Counter
	remindersArmed   prometheus.Counter
	remindersFired   prometheus.Counter
	approvals        *prometheus.CounterVec
	storedEvents     prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_received_total",
			Help:      "Inbound messages handed to the dispatcher",
		}),
		messagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_stored_total",
			Help:      "Messages accepted by at least one subscription, by class",
		}, []string{"class"}),
		messagesFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_filtered_total",
			Help:      "Subscription matches rejected by a content filter",
		}),
		safetyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "checks_total",
			Help:      "Temperature safety evaluations, by status",
		}, []string{"status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "rate_limited_total",
			Help:      "Safety evaluations rejected by the rate limiter",
		}),
		remindersArmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feeding",
			Name:      "reminders_armed_total",
			Help:      "Feeding reminders armed",
		}),
		remindersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feeding",
			Name:      "reminders_fired_total",
			Help:      "Feeding reminders fired",
		}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Approval gate outcomes",
		}, []string{"outcome"}),
		storedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventstore",
			Name:      "events",
			Help:      "Events currently retained in the shared event store",
		}),
	}

	collectors := []prometheus.Collector{
		m.messagesReceived,
		m.messagesStored,
		m.messagesFiltered,
		m.safetyChecks,
		m.rateLimited,
		m.remindersArmed,
		m.remindersFired,
		m.approvals,
		m.storedEvents,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) MessageStored(class string, retained int) {
	if m == nil {
		return
	}
	m.messagesStored.WithLabelValues(class).Inc()
	m.storedEvents.Set(float64(retained))
}

func (m *Metrics) MessageFiltered() {
	if m == nil {
		return
	}
	m.messagesFiltered.Inc()
}

func (m *Metrics) SafetyCheck(status string) {
	if m == nil {
		return
	}
	m.safetyChecks.WithLabelValues(status).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) ReminderArmed() {
	if m == nil {
		return
	}
	m.remindersArmed.Inc()
}

func (m *Metrics) ReminderFired() {
	if m == nil {
		return
	}
	m.remindersFired.Inc()
}

// ApprovalDecision records "approved", "denied" or "unavailable".
func (m *Metrics) ApprovalDecision(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}
