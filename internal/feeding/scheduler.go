// Package feeding tracks per-coop feeding schedules and arms reminder timers,
// routing short intervals through the approval gate.
package feeding

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"coopwatch/go-mqtt-server/internal/approval"
	"coopwatch/go-mqtt-server/internal/clock"
	"coopwatch/go-mqtt-server/internal/keylock"
	"coopwatch/go-mqtt-server/internal/metrics"
	"coopwatch/go-mqtt-server/internal/model"
)

const (
	DefaultIntervalHours          = 12.0
	DefaultApprovalThresholdHours = 6.0
	DefaultOverdueThreshold       = 60 * time.Minute

	MinIntervalHours = 1.0
	MaxIntervalHours = 48.0

	// ReminderAction is the approval action name for short-interval reminders.
	ReminderAction = "schedule_feeding_reminder"

	maxReminderDelay = time.Duration(math.MaxInt64)
)

// State is derived from the record and the current time.
type State string

const (
	StateNoRecord  State = "no_record"
	StateScheduled State = "scheduled"
	StateDue       State = "due"
	StateOverdue   State = "overdue"
)

// Notifier receives reminders when they fire.
type Notifier interface {
	FeedingReminder(ctx context.Context, rec model.FeedingRecord)
}

// Config tunes the scheduler.
type Config struct {
	DefaultCoopID          string
	DefaultIntervalHours   float64
	ApprovalThresholdHours float64
	OverdueThreshold       time.Duration
}

// DefaultConfig returns the standard scheduler settings.
func DefaultConfig() Config {
	return Config{
		DefaultCoopID:          model.DefaultCoopID,
		DefaultIntervalHours:   DefaultIntervalHours,
		ApprovalThresholdHours: DefaultApprovalThresholdHours,
		OverdueThreshold:       DefaultOverdueThreshold,
	}
}

// ReportRequest is a feeding report. A nil LastFedAt asks for the status of
// the stored record.
type ReportRequest struct {
	CoopID           string   `json:"coop_id"`
	LastFedAt        *string  `json:"last_fed_at,omitempty"`
	IntervalHours    *float64 `json:"interval_hours,omitempty"`
	ScheduleReminder bool     `json:"schedule_reminder"`
}

// ReportResult describes the coop's schedule after a report.
type ReportResult struct {
	CoopID            string    `json:"coop_id"`
	LastFedAt         time.Time `json:"last_fed_at"`
	NextFeedAt        time.Time `json:"next_feed_at"`
	IntervalHours     float64   `json:"interval_hours"`
	Due               bool      `json:"due"`
	State             State     `json:"state"`
	Message           string    `json:"message"`
	ReminderScheduled bool      `json:"reminder_scheduled"`
}

type reminder struct {
	coopID string
	record model.FeedingRecord
	timer  clock.Timer
}

// Scheduler owns feeding records and reminder timers.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	clock    clock.Clock
	gate     approval.Gate
	notifier Notifier
	metrics  *metrics.Metrics

	locks keylock.Map

	mu        sync.RWMutex
	records   map[string]model.FeedingRecord
	reminders map[string]*reminder
}

// New constructs a scheduler. A nil gate makes every gated reminder fail
// with model.ErrApprovalUnavailable.
func New(cfg Config, clk clock.Clock, gate approval.Gate, notifier Notifier, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultCoopID == "" {
		cfg.DefaultCoopID = model.DefaultCoopID
	}
	if cfg.DefaultIntervalHours == 0 {
		cfg.DefaultIntervalHours = DefaultIntervalHours
	}
	return &Scheduler{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		gate:      gate,
		notifier:  notifier,
		metrics:   m,
		records:   make(map[string]model.FeedingRecord),
		reminders: make(map[string]*reminder),
	}
}

// Report records a feeding (when LastFedAt is set) and returns the coop's
// schedule, optionally arming a reminder for the next feeding. A denied or
// failed approval leaves the coop without a reminder. On
// model.ErrApprovalUnavailable the feeding is still recorded and the
// returned result describes it.
func (s *Scheduler) Report(ctx context.Context, req ReportRequest) (ReportResult, error) {
	coopID := strings.TrimSpace(req.CoopID)
	if coopID == "" {
		coopID = s.cfg.DefaultCoopID
	}

	unlock := s.locks.Lock(coopID)
	defer unlock()

	now := s.clock.Now()

	var rec model.FeedingRecord
	if req.LastFedAt != nil {
		lastFed, err := parseTimestamp(*req.LastFedAt)
		if err != nil {
			return ReportResult{}, err
		}

		interval := s.cfg.DefaultIntervalHours
		if req.IntervalHours != nil {
			interval = *req.IntervalHours
		}
		if math.IsNaN(interval) || interval < MinIntervalHours || interval > MaxIntervalHours {
			return ReportResult{}, fmt.Errorf("%w: got %v", model.ErrInvalidInterval, interval)
		}

		rec = model.FeedingRecord{
			CoopID:        coopID,
			LastFedAt:     lastFed,
			NextFeedAt:    lastFed.Add(hours(interval)),
			IntervalHours: interval,
		}
		s.replace(rec)
		s.logger.Info("feeding recorded", "coop", coopID, "last_fed_at", rec.LastFedAt, "next_feed_at", rec.NextFeedAt)
	} else {
		var ok bool
		rec, ok = s.Record(coopID)
		if !ok {
			return ReportResult{}, fmt.Errorf("coop %q: %w: provide last_fed_at", coopID, model.ErrNoFeedingHistory)
		}
	}

	state, message := s.describe(rec, now)
	result := ReportResult{
		CoopID:        coopID,
		LastFedAt:     rec.LastFedAt,
		NextFeedAt:    rec.NextFeedAt,
		IntervalHours: rec.IntervalHours,
		Due:           state == StateDue || state == StateOverdue,
		State:         state,
		Message:       message,
	}

	if !req.ScheduleReminder || result.Due {
		return result, nil
	}

	if rec.IntervalHours < s.cfg.ApprovalThresholdHours {
		approved, err := s.requestApproval(ctx, rec)
		if err != nil {
			s.CancelReminder(coopID)
			return result, err
		}
		if !approved {
			s.CancelReminder(coopID)
			result.Message += " Reminder not scheduled: approval was denied."
			return result, nil
		}
	}

	result.ReminderScheduled = s.arm(rec, now)
	if result.ReminderScheduled {
		result.Message += fmt.Sprintf(" Reminder set for %s.", rec.NextFeedAt.UTC().Format(time.RFC3339))
	}
	return result, nil
}

func (s *Scheduler) requestApproval(ctx context.Context, rec model.FeedingRecord) (bool, error) {
	if s.gate == nil {
		s.metrics.ApprovalDecision("unavailable")
		return false, fmt.Errorf("feeding reminder for coop %q: %w", rec.CoopID, model.ErrApprovalUnavailable)
	}

	approved, err := s.gate.Request(ctx, approval.Request{
		Action: ReminderAction,
		Reason: fmt.Sprintf("Feeding interval of %.1f hours is shorter than the %.0f hour minimum for unattended reminders.",
			rec.IntervalHours, s.cfg.ApprovalThresholdHours),
		CoopID:        rec.CoopID,
		IntervalHours: rec.IntervalHours,
		RequestedAt:   s.clock.Now().UTC(),
	})
	if err != nil {
		s.metrics.ApprovalDecision("unavailable")
		return false, fmt.Errorf("feeding reminder for coop %q: %w: %w", rec.CoopID, model.ErrApprovalUnavailable, err)
	}

	if approved {
		s.metrics.ApprovalDecision("approved")
	} else {
		s.metrics.ApprovalDecision("denied")
		s.logger.Info("feeding reminder denied", "coop", rec.CoopID, "interval_hours", rec.IntervalHours)
	}
	return approved, nil
}

// replace swaps in rec. A reminder armed for a different feeding time is cancelled.
func (s *Scheduler) replace(rec model.FeedingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.CoopID] = rec
	if r, ok := s.reminders[rec.CoopID]; ok && !r.record.NextFeedAt.Equal(rec.NextFeedAt) {
		s.cancelLocked(rec.CoopID)
	}
}

// arm schedules a single reminder at rec.NextFeedAt, replacing any existing
// one for the coop. It returns false without side effects when that time has
// already passed.
func (s *Scheduler) arm(rec model.FeedingRecord, now time.Time) bool {
	delay := rec.NextFeedAt.Sub(now)
	if delay <= 0 {
		return false
	}
	if delay > maxReminderDelay {
		delay = maxReminderDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.reminders[rec.CoopID]; ok {
		prev.timer.Stop()
		delete(s.reminders, rec.CoopID)
	}

	r := &reminder{coopID: rec.CoopID, record: rec}
	r.timer = s.clock.AfterFunc(delay, func() { s.fire(r) })
	s.reminders[rec.CoopID] = r

	s.metrics.ReminderArmed()
	s.logger.Info("feeding reminder armed", "coop", rec.CoopID, "fires_at", rec.NextFeedAt, "delay", delay)
	return true
}

// fire runs once the timer has committed; it only clears the slot if no newer
// reminder replaced it.
func (s *Scheduler) fire(r *reminder) {
	s.mu.Lock()
	if cur, ok := s.reminders[r.coopID]; ok && cur == r {
		delete(s.reminders, r.coopID)
	}
	s.mu.Unlock()

	s.metrics.ReminderFired()
	s.logger.Info("feeding reminder fired", "coop", r.coopID, "next_feed_at", r.record.NextFeedAt)
	if s.notifier != nil {
		s.notifier.FeedingReminder(context.Background(), r.record)
	}
}

// CancelReminder stops the coop's pending reminder. It returns false when no
// reminder is pending or one has already started firing.
func (s *Scheduler) CancelReminder(coopID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(coopID)
}

func (s *Scheduler) cancelLocked(coopID string) bool {
	r, ok := s.reminders[coopID]
	if !ok {
		return false
	}
	if !r.timer.Stop() {
		return false
	}
	delete(s.reminders, coopID)
	s.logger.Info("feeding reminder cancelled", "coop", coopID)
	return true
}

// Record returns the stored record for coopID.
func (s *Scheduler) Record(coopID string) (model.FeedingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[coopID]
	return rec, ok
}

// Status describes the coop's current schedule without modifying it.
func (s *Scheduler) Status(coopID string) (ReportResult, error) {
	if coopID == "" {
		coopID = s.cfg.DefaultCoopID
	}
	rec, ok := s.Record(coopID)
	if !ok {
		return ReportResult{CoopID: coopID, State: StateNoRecord}, fmt.Errorf("coop %q: %w", coopID, model.ErrNoFeedingHistory)
	}

	state, message := s.describe(rec, s.clock.Now())

	s.mu.RLock()
	_, armed := s.reminders[coopID]
	s.mu.RUnlock()

	return ReportResult{
		CoopID:            coopID,
		LastFedAt:         rec.LastFedAt,
		NextFeedAt:        rec.NextFeedAt,
		IntervalHours:     rec.IntervalHours,
		Due:               state == StateDue || state == StateOverdue,
		State:             state,
		Message:           message,
		ReminderScheduled: armed,
	}, nil
}

// ActiveReminders lists coops with a pending reminder.
func (s *Scheduler) ActiveReminders() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.reminders))
	for coopID := range s.reminders {
		out = append(out, coopID)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Close cancels every pending reminder.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for coopID := range s.reminders {
		s.cancelLocked(coopID)
	}
}

func (s *Scheduler) describe(rec model.FeedingRecord, now time.Time) (State, string) {
	if !now.Before(rec.NextFeedAt) {
		overdue := now.Sub(rec.NextFeedAt)
		if overdue > s.cfg.OverdueThreshold {
			h := int(overdue.Hours())
			m := int(overdue.Minutes()) % 60
			return StateOverdue, fmt.Sprintf("URGENT: feeding for coop %s is overdue by %dh %dm. Feed the flock as soon as possible.", rec.CoopID, h, m)
		}
		return StateDue, fmt.Sprintf("Feeding is due now for coop %s.", rec.CoopID)
	}

	remaining := rec.NextFeedAt.Sub(now)
	if remaining < time.Hour {
		minutes := int(math.Ceil(remaining.Minutes()))
		return StateScheduled, fmt.Sprintf("Feeding due soon for coop %s: prepare feed, next feeding in %d minutes.", rec.CoopID, minutes)
	}
	return StateScheduled, fmt.Sprintf("Coop %s is on schedule: next feeding in %.1f hours.", rec.CoopID, remaining.Hours())
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTimestamp accepts RFC 3339 and a few common zone-less layouts, which
// are read as UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", model.ErrInvalidTimestamp, s)
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
