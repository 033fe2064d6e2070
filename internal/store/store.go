package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"coopwatch/go-mqtt-server/internal/model"

	_ "modernc.org/sqlite"
)

const defaultLimit = 25

// Store wraps the SQLite journal and its schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the journal tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sensor_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL,
			topic TEXT NOT NULL,
			class TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			annotation TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_events_time ON sensor_events(recorded_at);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS feeding_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			coop_id TEXT NOT NULL,
			last_fed_at TEXT NOT NULL,
			next_feed_at TEXT NOT NULL,
			interval_hours REAL NOT NULL,
			due INTEGER NOT NULL,
			reminder_scheduled INTEGER NOT NULL,
			message TEXT NOT NULL,
			reported_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_feeding_reports_coop_time ON feeding_reports(coop_id, reported_at);`,
		`CREATE TABLE IF NOT EXISTS approval_decisions (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			reason TEXT,
			coop_id TEXT,
			interval_hours REAL,
			approved INTEGER NOT NULL,
			decided_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InsertEvent journals an event accepted by the dispatcher.
func (s *Store) InsertEvent(ctx context.Context, e model.SensorEvent, class model.MessageClass) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	recordedAt := e.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sensor_events (seq, topic, class, kind, payload, annotation, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		int64(e.Seq),
		e.Topic,
		string(class),
		string(e.Payload.Kind),
		e.Payload.String(),
		e.Annotation,
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert sensor event: %w", err)
	}
	return nil
}

// RecentEvents returns journaled events newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT seq, topic, class, kind, payload, annotation, recorded_at FROM sensor_events ORDER BY id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	entries := make([]model.JournalEntry, 0, limit)
	for rows.Next() {
		var (
			seq           int64
			class, kind   string
			recordedAtStr string
			entry         model.JournalEntry
		)
		if err := rows.Scan(&seq, &entry.Topic, &class, &kind, &entry.Payload, &entry.Annotation, &recordedAtStr); err != nil {
			return nil, fmt.Errorf("scan sensor event: %w", err)
		}
		entry.Seq = uint64(seq)
		entry.Class = model.MessageClass(class)
		entry.Kind = model.PayloadKind(kind)
		if entry.RecordedAt, err = parseTime(recordedAtStr); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensor events: %w", err)
	}
	return entries, nil
}

// InsertIngestionError records a message the dispatcher dropped.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (topic, payload, error) VALUES (?, ?, ?);`,
		e.Topic,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// CountIngestionErrors returns the number of journaled drops.
func (s *Store) CountIngestionErrors(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_errors;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ingestion errors: %w", err)
	}
	return n, nil
}

// InsertFeedingReport journals the outcome of a feeding report.
func (s *Store) InsertFeedingReport(ctx context.Context, r model.FeedingReport) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	reportedAt := r.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO feeding_reports (coop_id, last_fed_at, next_feed_at, interval_hours, due, reminder_scheduled, message, reported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		r.CoopID,
		r.LastFedAt.UTC().Format(time.RFC3339Nano),
		r.NextFeedAt.UTC().Format(time.RFC3339Nano),
		r.IntervalHours,
		r.Due,
		r.ReminderScheduled,
		r.Message,
		reportedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert feeding report: %w", err)
	}
	return nil
}

// FeedingHistory returns a coop's reports newest first.
func (s *Store) FeedingHistory(ctx context.Context, coopID string, limit int) ([]model.FeedingReport, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT coop_id, last_fed_at, next_feed_at, interval_hours, due, reminder_scheduled, message, reported_at
		 FROM feeding_reports WHERE coop_id = ? ORDER BY id DESC LIMIT ?;`,
		coopID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query feeding history: %w", err)
	}
	defer rows.Close()

	reports := make([]model.FeedingReport, 0)
	for rows.Next() {
		var (
			r                                      model.FeedingReport
			lastFedStr, nextFeedStr, reportedAtStr string
		)
		if err := rows.Scan(&r.CoopID, &lastFedStr, &nextFeedStr, &r.IntervalHours, &r.Due, &r.ReminderScheduled, &r.Message, &reportedAtStr); err != nil {
			return nil, fmt.Errorf("scan feeding report: %w", err)
		}
		if r.LastFedAt, err = parseTime(lastFedStr); err != nil {
			return nil, fmt.Errorf("parse last_fed_at: %w", err)
		}
		if r.NextFeedAt, err = parseTime(nextFeedStr); err != nil {
			return nil, fmt.Errorf("parse next_feed_at: %w", err)
		}
		if r.ReportedAt, err = parseTime(reportedAtStr); err != nil {
			return nil, fmt.Errorf("parse reported_at: %w", err)
		}
		reports = append(reports, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feeding history: %w", err)
	}
	return reports, nil
}

// InsertApprovalDecision journals a gate decision. A repeated id keeps the first decision.
func (s *Store) InsertApprovalDecision(ctx context.Context, d model.ApprovalDecision) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO approval_decisions (id, action, reason, coop_id, interval_hours, approved, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING;`,
		d.ID,
		d.Action,
		d.Reason,
		d.CoopID,
		d.IntervalHours,
		d.Approved,
		d.DecidedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert approval decision: %w", err)
	}
	return nil
}

// ApprovalDecisions returns journaled decisions newest first.
func (s *Store) ApprovalDecisions(ctx context.Context, limit int) ([]model.ApprovalDecision, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, action, reason, coop_id, interval_hours, approved, decided_at
		 FROM approval_decisions ORDER BY decided_at DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query approval decisions: %w", err)
	}
	defer rows.Close()

	decisions := make([]model.ApprovalDecision, 0)
	for rows.Next() {
		var (
			d              model.ApprovalDecision
			reason, coopID sql.NullString
			interval       sql.NullFloat64
			decidedAtStr   string
		)
		if err := rows.Scan(&d.ID, &d.Action, &reason, &coopID, &interval, &d.Approved, &decidedAtStr); err != nil {
			return nil, fmt.Errorf("scan approval decision: %w", err)
		}
		d.Reason = reason.String
		d.CoopID = coopID.String
		d.IntervalHours = interval.Float64
		if d.DecidedAt, err = parseTime(decidedAtStr); err != nil {
			return nil, fmt.Errorf("parse decided_at: %w", err)
		}
		decisions = append(decisions, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval decisions: %w", err)
	}
	return decisions, nil
}

// WipeData clears every journal table.
func (s *Store) WipeData(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	stmts := []string{
		`DELETE FROM sensor_events;`,
		`DELETE FROM ingestion_errors;`,
		`DELETE FROM feeding_reports;`,
		`DELETE FROM approval_decisions;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
	}

	return nil
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
