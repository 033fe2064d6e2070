package app

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coopwatch/go-mqtt-server/internal/actuator"
	"coopwatch/go-mqtt-server/internal/feeding"
	"coopwatch/go-mqtt-server/internal/model"
	"coopwatch/go-mqtt-server/internal/safety"
	"coopwatch/go-mqtt-server/internal/transport"
)

const (
	defaultEventLimit = 20
	maxHistoryLimit   = 500
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/admin/wipe", a.handleWipeDatabase)

	mux.HandleFunc("/api/subscriptions", a.handleSubscriptions)
	mux.HandleFunc("/api/subscriptions/pause", a.handlePauseResume(true))
	mux.HandleFunc("/api/subscriptions/resume", a.handlePauseResume(false))

	mux.HandleFunc("/api/events", a.handleEvents)
	mux.HandleFunc("/api/events/history", a.handleEventHistory)

	mux.HandleFunc("/api/temperature/safety", a.handleSafety)

	mux.HandleFunc("/api/feeding", a.handleFeeding)
	mux.HandleFunc("/api/feeding/reminder", a.handleReminder)
	mux.HandleFunc("/api/feeding/history", a.handleFeedingHistory)

	mux.HandleFunc("/api/approvals", a.handleApprovals)
	mux.HandleFunc("/api/approvals/decide", a.handleDecide)
	mux.HandleFunc("/api/approvals/history", a.handleApprovalHistory)

	mux.HandleFunc("/api/actuators", a.handleActuator)
	mux.HandleFunc("/api/publish", a.handlePublish)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !a.started.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok", "mqtt": "ok"}
	ready := true
	if err := a.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	}
	if !a.conn.Connected() {
		checks["mqtt"] = "disconnected"
		ready = false
	}

	status := http.StatusOK
	checks["status"] = "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		checks["status"] = "degraded"
	}
	writeJSON(w, status, checks)
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	broker := a.cfg.MQTTBrokerURL
	if a.cfg.UseEmbeddedBroker() {
		broker = "embedded:" + a.cfg.MQTTBindAddress
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"http_port":                a.cfg.HTTPPort,
		"metrics_port":             a.cfg.MetricsPort,
		"mqtt_broker":              broker,
		"database_path":            a.cfg.DatabasePath,
		"log_level":                a.cfg.LogLevel,
		"default_coop":             a.cfg.DefaultCoopID,
		"event_capacity":           a.cfg.EventCapacity,
		"reading_cache_ttl":        a.cfg.ReadingCacheTTL.String(),
		"stale_after":              a.cfg.StaleAfter.String(),
		"safety_rate_limit":        a.cfg.SafetyRateLimit.String(),
		"overdue_threshold":        a.cfg.OverdueThreshold.String(),
		"approval_threshold_hours": a.cfg.ApprovalThresholdHours,
		"approval_timeout":         a.cfg.ApprovalTimeout.String(),
	})
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}

	a.logger.Warn("wipe: journal cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": a.registry.List()})
	case http.MethodPost:
		a.subscribe(w, r)
	case http.MethodDelete:
		pattern := r.URL.Query().Get("pattern")
		if pattern == "" {
			http.Error(w, "pattern required", http.StatusBadRequest)
			return
		}
		if err := a.registry.Unsubscribe(r.Context(), pattern); err != nil {
			a.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) subscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Patterns []string       `json:"patterns"`
		QoS      int            `json:"qos"`
		Filter   map[string]any `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(req.Patterns) == 0 {
		http.Error(w, "patterns required", http.StatusBadRequest)
		return
	}
	if req.QoS < 0 || req.QoS > math.MaxUint8 {
		http.Error(w, "qos must be 0, 1 or 2", http.StatusBadRequest)
		return
	}

	type result struct {
		Pattern string `json:"pattern"`
		OK      bool   `json:"ok"`
		Error   string `json:"error,omitempty"`
	}

	outcomes := a.registry.Subscribe(r.Context(), req.Patterns, byte(req.QoS), req.Filter)
	results := make([]result, 0, len(outcomes))
	for _, o := range outcomes {
		res := result{Pattern: o.Pattern, OK: o.Err == nil}
		if o.Err != nil {
			res.Error = o.Err.Error()
		}
		results = append(results, res)
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *App) handlePauseResume(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		var req struct {
			Pattern string `json:"pattern"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pattern == "" {
			http.Error(w, "pattern required", http.StatusBadRequest)
			return
		}

		var err error
		if pause {
			err = a.registry.Pause(req.Pattern)
		} else {
			err = a.registry.Resume(req.Pattern)
		}
		if err != nil {
			a.writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"pattern": req.Pattern, "paused": pause})
	}
}

func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	limit := queryLimit(r, defaultEventLimit, a.events.Capacity())
	var events []model.SensorEvent
	if q := r.URL.Query().Get("q"); q != "" {
		events = a.events.Query(q)
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
	} else {
		events = a.events.Recent(limit)
	}
	if events == nil {
		events = []model.SensorEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"retained": a.events.Len(),
		"capacity": a.events.Capacity(),
	})
}

func (a *App) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := a.store.RecentEvents(ctx, queryLimit(r, 50, maxHistoryLimit))
	if err != nil {
		a.logger.Error("failed to load event history", "error", err)
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

func (a *App) handleSafety(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	minSafe, err := queryFloat(q.Get("min"), safety.DefaultMinSafe)
	if err != nil {
		http.Error(w, "min must be a number", http.StatusBadRequest)
		return
	}
	maxSafe, err := queryFloat(q.Get("max"), safety.DefaultMaxSafe)
	if err != nil {
		http.Error(w, "max must be a number", http.StatusBadRequest)
		return
	}

	coop := q.Get("coop")
	if coop == "" {
		coop = a.cfg.DefaultCoopID
	}

	result, err := a.safety.CheckSafety(r.Context(), coop, minSafe, maxSafe)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *App) handleFeeding(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		result, err := a.feeding.Status(r.URL.Query().Get("coop"))
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case http.MethodPost:
		var req feeding.ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		result, err := a.feeding.Report(r.Context(), req)
		if errors.Is(err, model.ErrApprovalUnavailable) {
			// the feeding itself was recorded; only the reminder failed
			a.journalFeeding(r.Context(), result)
		}
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.journalFeeding(r.Context(), result)
		writeJSON(w, http.StatusOK, result)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) journalFeeding(ctx context.Context, result feeding.ReportResult) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := a.store.InsertFeedingReport(storeCtx, model.FeedingReport{
		CoopID:            result.CoopID,
		LastFedAt:         result.LastFedAt,
		NextFeedAt:        result.NextFeedAt,
		IntervalHours:     result.IntervalHours,
		Due:               result.Due,
		ReminderScheduled: result.ReminderScheduled,
		Message:           result.Message,
		ReportedAt:        a.clock.Now().UTC(),
	})
	if err != nil {
		a.logger.Error("failed to journal feeding report", "coop", result.CoopID, "error", err)
	}
}

func (a *App) handleReminder(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"coops": a.feeding.ActiveReminders()})
	case http.MethodDelete:
		coop := r.URL.Query().Get("coop")
		if coop == "" {
			coop = a.cfg.DefaultCoopID
		}
		writeJSON(w, http.StatusOK, map[string]any{"coop_id": coop, "cancelled": a.feeding.CancelReminder(coop)})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) handleFeedingHistory(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	coop := r.URL.Query().Get("coop")
	if coop == "" {
		coop = a.cfg.DefaultCoopID
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	reports, err := a.store.FeedingHistory(ctx, coop, queryLimit(r, 25, maxHistoryLimit))
	if err != nil {
		a.logger.Error("failed to load feeding history", "coop", coop, "error", err)
		http.Error(w, "failed to load feeding history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coop_id": coop, "reports": reports})
}

func (a *App) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": a.approvals.Pending()})
}

func (a *App) handleDecide(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		ID       string `json:"id"`
		Approved bool   `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	if err := a.approvals.Decide(req.ID, req.Approved); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "approved": req.Approved})
}

func (a *App) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	decisions, err := a.store.ApprovalDecisions(ctx, queryLimit(r, 25, maxHistoryLimit))
	if err != nil {
		a.logger.Error("failed to load approval history", "error", err)
		http.Error(w, "failed to load approvals", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (a *App) handleActuator(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Kind       actuator.Kind  `json:"kind"`
		Action     string         `json:"action"`
		Parameters map[string]any `json:"parameters"`
		CoopID     string         `json:"coopId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.CoopID == "" {
		req.CoopID = a.cfg.DefaultCoopID
	}

	status, err := a.actuators.Execute(r.Context(), actuator.Command{
		Kind:       req.Kind,
		Action:     req.Action,
		Parameters: req.Parameters,
		CoopID:     req.CoopID,
	})
	switch {
	case errors.Is(err, transport.ErrQueued):
		writeJSON(w, http.StatusAccepted, status)
	case err != nil:
		a.writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, status)
	}
}

func (a *App) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
		QoS     byte            `json:"qos"`
		Retain  bool            `json:"retain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" || strings.ContainsAny(topic, "+#") {
		http.Error(w, "topic must be a concrete topic", http.StatusBadRequest)
		return
	}
	if req.QoS > 2 {
		http.Error(w, "qos must be 0, 1 or 2", http.StatusBadRequest)
		return
	}

	payload := []byte(req.Payload)
	var text string
	if json.Unmarshal(req.Payload, &text) == nil {
		// a JSON string is published as its raw text
		payload = []byte(text)
	}

	err := a.outbox.Publish(r.Context(), topic, payload, req.QoS, req.Retain)
	switch {
	case errors.Is(err, transport.ErrQueued):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "topic": topic})
	case err != nil:
		a.logger.Error("failed to publish message", "topic", topic, "error", err)
		a.writeError(w, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "published", "topic": topic})
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func (a *App) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var limited *model.RateLimitError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		status = http.StatusTooManyRequests
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNoFeedingHistory):
		status = http.StatusConflict
	case errors.Is(err, model.ErrTransportUnavailable), errors.Is(err, model.ErrApprovalUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func queryLimit(r *http.Request, fallback, ceiling int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return min(n, ceiling)
}

func queryFloat(v string, fallback float64) (float64, error) {
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not a finite number")
	}
	return f, nil
}
