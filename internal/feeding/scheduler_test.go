package feeding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coopwatch/go-mqtt-server/internal/approval"
	"coopwatch/go-mqtt-server/internal/clock"
	"coopwatch/go-mqtt-server/internal/model"
)

type memNotifier struct {
	mu    sync.Mutex
	fired []model.FeedingRecord
}

func (n *memNotifier) FeedingReminder(_ context.Context, rec model.FeedingRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fired = append(n.fired, rec)
}

func (n *memNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.fired)
}

type countingGate struct {
	mu       sync.Mutex
	approve  bool
	requests []approval.Request
}

func (g *countingGate) Request(_ context.Context, req approval.Request) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.approve, nil
}

func (g *countingGate) setApprove(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approve = v
}

var jan15 = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T, now time.Time, gate approval.Gate) (*Scheduler, *clock.Fake, *memNotifier) {
	t.Helper()
	fake := clock.NewFake(now)
	notifier := &memNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(DefaultConfig(), fake, gate, notifier, logger, nil)
	t.Cleanup(s.Close)
	return s, fake, notifier
}

func strPtr(s string) *string    { return &s }
func f64Ptr(f float64) *float64 { return &f }

func TestReportComputesNextFeeding(t *testing.T) {
	s, _, _ := newScheduler(t, jan15.Add(6*time.Hour), nil)
	ctx := context.Background()

	res, err := s.Report(ctx, ReportRequest{CoopID: "main", LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(12)})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), res.NextFeedAt)
	assert.False(t, res.Due)
	assert.Equal(t, StateScheduled, res.State)
	assert.Equal(t, "Coop main is on schedule: next feeding in 6.0 hours.", res.Message)

	again, err := s.Report(ctx, ReportRequest{CoopID: "main"})
	require.NoError(t, err)
	assert.Equal(t, res.NextFeedAt, again.NextFeedAt)
	assert.Equal(t, res.LastFedAt, again.LastFedAt)
}

func TestReportDefaults(t *testing.T) {
	s, _, _ := newScheduler(t, jan15, nil)

	res, err := s.Report(context.Background(), ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z")})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultCoopID, res.CoopID)
	assert.Equal(t, DefaultIntervalHours, res.IntervalHours)
	assert.Equal(t, jan15.Add(12*time.Hour), res.NextFeedAt)
}

func TestReportValidation(t *testing.T) {
	s, _, _ := newScheduler(t, jan15, nil)
	ctx := context.Background()

	_, err := s.Report(ctx, ReportRequest{CoopID: "main"})
	assert.True(t, errors.Is(err, model.ErrNoFeedingHistory))

	_, err = s.Report(ctx, ReportRequest{LastFedAt: strPtr("yesterday-ish")})
	assert.True(t, errors.Is(err, model.ErrInvalidTimestamp))
	assert.True(t, errors.Is(err, model.ErrValidation))

	for _, bad := range []float64{0, 0.5, 48.5, -3} {
		_, err = s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(bad)})
		assert.True(t, errors.Is(err, model.ErrInvalidInterval), "interval %v", bad)
	}

	for _, ok := range []float64{1, 48} {
		_, err = s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(ok)})
		assert.NoError(t, err, "interval %v", ok)
	}
}

func TestReportReplacesRecord(t *testing.T) {
	s, _, _ := newScheduler(t, jan15, nil)
	ctx := context.Background()

	_, err := s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-14T20:00:00Z"), IntervalHours: f64Ptr(8)})
	require.NoError(t, err)
	_, err = s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z")})
	require.NoError(t, err)

	rec, ok := s.Record("main")
	require.True(t, ok)
	assert.Equal(t, DefaultIntervalHours, rec.IntervalHours)
	assert.Equal(t, rec.LastFedAt.Add(12*time.Hour), rec.NextFeedAt)
}

func TestStatusMessages(t *testing.T) {
	tests := []struct {
		name  string
		now   time.Time
		state State
		msg   string
	}{
		{name: "on schedule", now: jan15.Add(90 * time.Minute), state: StateScheduled, msg: "next feeding in 10.5 hours"},
		{name: "prepare soon", now: jan15.Add(11*time.Hour + 15*time.Minute), state: StateScheduled, msg: "next feeding in 45 minutes"},
		{name: "due exactly", now: jan15.Add(12 * time.Hour), state: StateDue, msg: "Feeding is due now"},
		{name: "due at threshold", now: jan15.Add(13 * time.Hour), state: StateDue, msg: "Feeding is due now"},
		{name: "overdue", now: jan15.Add(14*time.Hour + 20*time.Minute), state: StateOverdue, msg: "overdue by 2h 20m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newScheduler(t, tt.now, nil)
			res, err := s.Report(context.Background(), ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z")})
			require.NoError(t, err)
			assert.Equal(t, tt.state, res.State)
			assert.Equal(t, tt.state != StateScheduled, res.Due)
			assert.Contains(t, res.Message, tt.msg)
		})
	}
}

func TestShortIntervalRequiresApproval(t *testing.T) {
	now := jan15.Add(time.Hour)
	ctx := context.Background()

	t.Run("denied", func(t *testing.T) {
		gate := &countingGate{approve: false}
		s, fake, _ := newScheduler(t, now, gate)

		res, err := s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(4), ScheduleReminder: true})
		require.NoError(t, err)
		assert.False(t, res.ReminderScheduled)
		assert.Contains(t, res.Message, "approval was denied")
		assert.Empty(t, s.ActiveReminders())
		assert.Equal(t, 0, fake.Pending())

		require.Len(t, gate.requests, 1)
		req := gate.requests[0]
		assert.Equal(t, ReminderAction, req.Action)
		assert.Equal(t, "main", req.CoopID)
		assert.Equal(t, 4.0, req.IntervalHours)
		assert.NotEmpty(t, req.Reason)
	})

	t.Run("approved", func(t *testing.T) {
		gate := &countingGate{approve: true}
		s, fake, _ := newScheduler(t, now, gate)

		res, err := s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(4), ScheduleReminder: true})
		require.NoError(t, err)
		assert.True(t, res.ReminderScheduled)
		assert.Equal(t, []string{"main"}, s.ActiveReminders())
		assert.Equal(t, 1, fake.Pending())
		assert.Len(t, gate.requests, 1)
	})

	t.Run("no gate", func(t *testing.T) {
		s, _, _ := newScheduler(t, now, nil)

		res, err := s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(4), ScheduleReminder: true})
		assert.True(t, errors.Is(err, model.ErrApprovalUnavailable))
		assert.Empty(t, s.ActiveReminders())

		assert.Equal(t, "main", res.CoopID)
		assert.Equal(t, jan15.Add(4*time.Hour), res.NextFeedAt)
		assert.False(t, res.ReminderScheduled)
		rec, ok := s.Record("main")
		require.True(t, ok)
		assert.Equal(t, 4.0, rec.IntervalHours)
	})

	t.Run("gate error", func(t *testing.T) {
		gate := approval.Func(func(context.Context, approval.Request) (bool, error) {
			return false, context.DeadlineExceeded
		})
		s, _, _ := newScheduler(t, now, gate)

		_, err := s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(4), ScheduleReminder: true})
		assert.True(t, errors.Is(err, model.ErrApprovalUnavailable))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}

func TestDenialCancelsEarlierReminder(t *testing.T) {
	now := jan15.Add(time.Hour)
	ctx := context.Background()

	tests := []struct {
		name   string
		second ReportRequest
	}{
		{"same feeding reported again", ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(4), ScheduleReminder: true}},
		{"status of stored record", ReportRequest{ScheduleReminder: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := &countingGate{approve: true}
			s, fake, notifier := newScheduler(t, now, gate)

			res, err := s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(4), ScheduleReminder: true})
			require.NoError(t, err)
			require.True(t, res.ReminderScheduled)

			gate.setApprove(false)
			res, err = s.Report(ctx, tt.second)
			require.NoError(t, err)
			assert.False(t, res.ReminderScheduled)
			assert.Contains(t, res.Message, "approval was denied")
			assert.Empty(t, s.ActiveReminders())
			assert.Equal(t, 0, fake.Pending())

			fake.Advance(6 * time.Hour)
			assert.Equal(t, 0, notifier.count())
		})
	}
}

func TestUnavailableApprovalCancelsEarlierReminder(t *testing.T) {
	var fail bool
	gate := approval.Func(func(context.Context, approval.Request) (bool, error) {
		if fail {
			return false, errors.New("operator queue offline")
		}
		return true, nil
	})
	s, fake, notifier := newScheduler(t, jan15.Add(time.Hour), gate)
	ctx := context.Background()

	_, err := s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(4), ScheduleReminder: true})
	require.NoError(t, err)
	require.Equal(t, 1, fake.Pending())

	fail = true
	_, err = s.Report(ctx, ReportRequest{ScheduleReminder: true})
	require.True(t, errors.Is(err, model.ErrApprovalUnavailable))

	fake.Advance(6 * time.Hour)
	assert.Equal(t, 0, notifier.count())
}

func TestLongIntervalSkipsGate(t *testing.T) {
	gate := &countingGate{approve: false}
	s, _, _ := newScheduler(t, jan15.Add(time.Hour), gate)

	res, err := s.Report(context.Background(), ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), IntervalHours: f64Ptr(6), ScheduleReminder: true})
	require.NoError(t, err)
	assert.True(t, res.ReminderScheduled)
	assert.Empty(t, gate.requests)
}

func TestReminderNotArmedWhenDue(t *testing.T) {
	gate := &countingGate{approve: true}
	s, fake, _ := newScheduler(t, jan15.Add(13*time.Hour), gate)

	res, err := s.Report(context.Background(), ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), ScheduleReminder: true})
	require.NoError(t, err)
	assert.True(t, res.Due)
	assert.False(t, res.ReminderScheduled)
	assert.Equal(t, 0, fake.Pending())
	assert.Empty(t, gate.requests)
}

func TestReminderFiresOnceAndClears(t *testing.T) {
	s, fake, notifier := newScheduler(t, jan15, nil)
	ctx := context.Background()

	_, err := s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), ScheduleReminder: true})
	require.NoError(t, err)

	fake.Advance(11 * time.Hour)
	assert.Equal(t, 0, notifier.count())

	fake.Advance(time.Hour)
	assert.Equal(t, 1, notifier.count())
	assert.Empty(t, s.ActiveReminders())
	assert.Equal(t, 0, fake.Pending())

	fake.Advance(24 * time.Hour)
	assert.Equal(t, 1, notifier.count(), "reminders do not re-arm")
}

func TestRearmReplacesExistingReminder(t *testing.T) {
	s, fake, notifier := newScheduler(t, jan15, nil)
	ctx := context.Background()

	_, err := s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), ScheduleReminder: true})
	require.NoError(t, err)
	_, err = s.Report(ctx, ReportRequest{ScheduleReminder: true})
	require.NoError(t, err)

	assert.Equal(t, 1, fake.Pending())
	assert.Equal(t, []string{"main"}, s.ActiveReminders())

	fake.Advance(12 * time.Hour)
	assert.Equal(t, 1, notifier.count())
}

func TestNewFeedingCancelsStaleReminder(t *testing.T) {
	s, fake, notifier := newScheduler(t, jan15, nil)
	ctx := context.Background()

	_, err := s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), ScheduleReminder: true})
	require.NoError(t, err)
	_, err = s.Report(ctx, ReportRequest{LastFedAt: strPtr("2024-01-15T00:30:00Z")})
	require.NoError(t, err)

	assert.Equal(t, 0, fake.Pending())
	fake.Advance(13 * time.Hour)
	assert.Equal(t, 0, notifier.count())
}

func TestCancelReminder(t *testing.T) {
	s, fake, notifier := newScheduler(t, jan15, nil)

	assert.False(t, s.CancelReminder("main"))

	_, err := s.Report(context.Background(), ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), ScheduleReminder: true})
	require.NoError(t, err)

	assert.True(t, s.CancelReminder("main"))
	assert.False(t, s.CancelReminder("main"))
	fake.Advance(24 * time.Hour)
	assert.Equal(t, 0, notifier.count())
}

func TestArmInPastIsNoop(t *testing.T) {
	s, fake, _ := newScheduler(t, jan15, nil)
	rec := model.FeedingRecord{CoopID: "main", LastFedAt: jan15.Add(-13 * time.Hour), NextFeedAt: jan15.Add(-time.Hour), IntervalHours: 12}

	assert.False(t, s.arm(rec, fake.Now()))
	assert.Equal(t, 0, fake.Pending())
}

func TestStatus(t *testing.T) {
	s, fake, _ := newScheduler(t, jan15, nil)

	res, err := s.Status("main")
	assert.True(t, errors.Is(err, model.ErrNoFeedingHistory))
	assert.Equal(t, StateNoRecord, res.State)

	_, err = s.Report(context.Background(), ReportRequest{LastFedAt: strPtr("2024-01-15T00:00:00Z"), ScheduleReminder: true})
	require.NoError(t, err)

	res, err = s.Status("")
	require.NoError(t, err)
	assert.True(t, res.ReminderScheduled)
	assert.Equal(t, StateScheduled, res.State)

	fake.Advance(15 * time.Hour)
	res, err = s.Status("main")
	require.NoError(t, err)
	assert.Equal(t, StateOverdue, res.State)
	assert.False(t, res.ReminderScheduled)
}

func TestRealClockReminder(t *testing.T) {
	notifier := &memNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(DefaultConfig(), clock.Real{}, nil, notifier, logger, nil)
	defer s.Close()

	rec := model.FeedingRecord{CoopID: "main", NextFeedAt: time.Now().Add(20 * time.Millisecond), IntervalHours: 12}
	require.True(t, s.arm(rec, time.Now()))

	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.ActiveReminders())
}

func TestParseTimestamp(t *testing.T) {
	for _, in := range []string{"2024-01-15T00:00:00Z", "2024-01-15T01:00:00+01:00", "2024-01-15T00:00:00", "2024-01-15 00:00", "2024-01-15"} {
		got, err := parseTimestamp(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(jan15), in)
	}
}
