package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coopwatch/go-mqtt-server/internal/clock"
	"coopwatch/go-mqtt-server/internal/config"
	"coopwatch/go-mqtt-server/internal/feeding"
)

var testStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	app   *App
	clock *clock.Fake
	srv   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Config{
		MQTTBindAddress:        "127.0.0.1:0",
		MQTTClientID:           "coopwatch-test",
		Subscriptions:          []string{"coops/#", "sensors/#"},
		DatabasePath:           filepath.Join(t.TempDir(), "coopwatch.db"),
		DefaultCoopID:          "main",
		EventCapacity:          100,
		ReadingCacheTTL:        30 * time.Second,
		StaleAfter:             2 * time.Minute,
		SafetyRateLimit:        5 * time.Second,
		OverdueThreshold:       time.Hour,
		ApprovalThresholdHours: 6,
		ApprovalTimeout:        5 * time.Second,
	}

	clk := clock.NewFake(testStart)
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clk))
	_, err := a.start(context.Background())
	require.NoError(t, err)
	t.Cleanup(a.shutdown)

	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)

	return &harness{app: a, clock: clk, srv: srv}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)

	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestReadyAndInitialSubscriptions(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])

	_, body = h.do(t, http.MethodGet, "/api/subscriptions", nil)
	subs := body["subscriptions"].([]any)
	require.Len(t, subs, 2)
	assert.Equal(t, "coops/#", subs[0].(map[string]any)["pattern"])
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/subscriptions", map[string]any{
		"patterns": []string{"barn/+/door", "barn/#/bad"},
		"qos":      1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, true, results[0].(map[string]any)["ok"])
	assert.Equal(t, false, results[1].(map[string]any)["ok"])

	resp, _ = h.do(t, http.MethodPost, "/api/subscriptions/pause", map[string]string{"pattern": "barn/+/door"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = h.do(t, http.MethodGet, "/api/subscriptions", nil)
	subs := body["subscriptions"].([]any)
	require.Len(t, subs, 3)
	assert.Equal(t, true, subs[0].(map[string]any)["paused"])

	resp, _ = h.do(t, http.MethodPost, "/api/subscriptions/resume", map[string]string{"pattern": "nope/#"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/api/subscriptions?pattern=barn/%2B/door", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 2, h.app.registry.Len())
}

func TestPublishedReadingDrivesSafetyCheck(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/api/publish", map[string]any{
		"topic":   "sensors/main/probe1/temperature",
		"payload": map[string]any{"temperature": 72},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, body := h.do(t, http.MethodGet, "/api/events?q=probe1", nil)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].(map[string]any)["annotation"], "telemetry message from device probe1")

	_, body = h.do(t, http.MethodGet, "/api/events/history", nil)
	assert.Len(t, body["events"].([]any), 1)

	resp, body = h.do(t, http.MethodGet, "/api/temperature/safety?coop=main", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, 72.0, body["current"])
	assert.Equal(t, "external-memory", body["source"])

	resp, _ = h.do(t, http.MethodGet, "/api/temperature/safety?coop=main", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))

	resp, _ = h.do(t, http.MethodGet, "/api/temperature/safety?min=90&max=40", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	h.clock.Advance(5 * time.Second)
	resp, body = h.do(t, http.MethodGet, "/api/temperature/safety?min=75&max=95", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "LOW", body["status"])
}

func TestFeedingReportAndReminder(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/api/feeding", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/feeding", map[string]any{"last_fed_at": "2024-06-01T11:00:00Z", "interval_hours": 0.5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/feeding", map[string]any{
		"last_fed_at":       "2024-06-01T11:00:00Z",
		"interval_hours":    12,
		"schedule_reminder": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["reminder_scheduled"])
	assert.Equal(t, "2024-06-01T23:00:00Z", body["next_feed_at"])

	_, body = h.do(t, http.MethodGet, "/api/feeding/reminder", nil)
	assert.Equal(t, []any{"main"}, body["coops"])

	_, body = h.do(t, http.MethodGet, "/api/feeding/history?coop=main", nil)
	assert.Len(t, body["reports"].([]any), 1)

	h.clock.Set(time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC))

	_, body = h.do(t, http.MethodGet, "/api/events?q=feeding/reminder", nil)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "coops/main/feeding/reminder", events[0].(map[string]any)["topic"])

	_, body = h.do(t, http.MethodGet, "/api/feeding", nil)
	assert.Equal(t, true, body["due"])
	assert.Equal(t, false, body["reminder_scheduled"])

	_, body = h.do(t, http.MethodDelete, "/api/feeding/reminder", nil)
	assert.Equal(t, false, body["cancelled"])
}

func TestFeedingJournaledWhenApprovalUnavailable(t *testing.T) {
	h := newHarness(t)
	h.app.feeding = feeding.New(feeding.Config{
		DefaultCoopID:          "main",
		ApprovalThresholdHours: 6,
		OverdueThreshold:       time.Hour,
	}, h.clock, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	resp, _ := h.do(t, http.MethodPost, "/api/feeding", map[string]any{
		"last_fed_at":       "2024-06-01T11:00:00Z",
		"interval_hours":    4,
		"schedule_reminder": true,
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/api/feeding", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2024-06-01T15:00:00Z", body["next_feed_at"])
	assert.Equal(t, false, body["reminder_scheduled"])

	_, body = h.do(t, http.MethodGet, "/api/feeding/history?coop=main", nil)
	assert.Len(t, body["reports"].([]any), 1)
}

func TestShortIntervalWaitsForApproval(t *testing.T) {
	h := newHarness(t)

	type outcome struct {
		status int
		body   map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		payload := `{"coop_id":"east","last_fed_at":"2024-06-01T11:30:00Z","interval_hours":4,"schedule_reminder":true}`
		resp, err := h.srv.Client().Post(h.srv.URL+"/api/feeding", "application/json", bytes.NewBufferString(payload))
		if err != nil {
			done <- outcome{err: err}
			return
		}
		defer resp.Body.Close()
		var body map[string]any
		err = json.NewDecoder(resp.Body).Decode(&body)
		done <- outcome{status: resp.StatusCode, body: body, err: err}
	}()

	var id string
	require.Eventually(t, func() bool {
		pending := h.app.approvals.Pending()
		if len(pending) != 1 {
			return false
		}
		id = pending[0].ID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	resp, _ := h.do(t, http.MethodPost, "/api/approvals/decide", map[string]any{"id": id, "approved": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, http.StatusOK, out.status)
		assert.Equal(t, true, out.body["reminder_scheduled"])
	case <-time.After(5 * time.Second):
		t.Fatal("feeding report did not complete")
	}

	resp, _ = h.do(t, http.MethodPost, "/api/approvals/decide", map[string]any{"id": id, "approved": false})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body := h.do(t, http.MethodGet, "/api/approvals/history", nil)
	decisions := body["decisions"].([]any)
	require.Len(t, decisions, 1)
	assert.Equal(t, true, decisions[0].(map[string]any)["approved"])
}

func TestActuatorCommands(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/actuators", map[string]any{"kind": "ventilation", "action": "open"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "coops/main/ventilation/command", body["topic"])

	_, body = h.do(t, http.MethodGet, "/api/events?q=ventilation", nil)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].(map[string]any)["annotation"], "command message")

	resp, _ = h.do(t, http.MethodPost, "/api/actuators", map[string]any{"kind": "water", "action": "drain"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
