package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"time"
	"unicode/utf8"
)

// DefaultCoopID addresses the coop used when a caller does not name one.
const DefaultCoopID = "main"

// PayloadKind tags which representation a Payload carries.
type PayloadKind string

const (
	PayloadText       PayloadKind = "text"
	PayloadStructured PayloadKind = "structured"
	PayloadOpaque     PayloadKind = "opaque"
)

// Payload is the decoded body of an inbound sensor message.
type Payload struct {
	Kind   PayloadKind    `json:"kind"`
	Text   string         `json:"text,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Bytes  []byte         `json:"bytes,omitempty"`
}

// ParsePayload decodes raw as a JSON object, falling back to UTF-8 text and
// finally to opaque bytes. Only objects count as structured since filters and
// readings address fields by name. JSON arrays and scalars are kept as text,
// unchanged.
func ParsePayload(raw []byte) Payload {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]any
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		if err := dec.Decode(&fields); err == nil && !dec.More() {
			return Payload{Kind: PayloadStructured, Fields: fields}
		}
	}
	if utf8.Valid(raw) {
		return Payload{Kind: PayloadText, Text: string(raw)}
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return Payload{Kind: PayloadOpaque, Bytes: out}
}

// Field returns a top-level field of a structured payload.
func (p Payload) Field(name string) (any, bool) {
	if p.Kind != PayloadStructured {
		return nil, false
	}
	v, ok := p.Fields[name]
	return v, ok
}

// String renders the payload for substring search and logging.
func (p Payload) String() string {
	switch p.Kind {
	case PayloadStructured:
		data, err := json.Marshal(p.Fields)
		if err != nil {
			return ""
		}
		return string(data)
	case PayloadOpaque:
		return base64.StdEncoding.EncodeToString(p.Bytes)
	default:
		return p.Text
	}
}

// SensorEvent is one accepted inbound message retained by the event store.
type SensorEvent struct {
	Seq        uint64    `json:"seq"`
	Topic      string    `json:"topic"`
	Payload    Payload   `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
	Annotation string    `json:"annotation"`
}

// Subscription is an active topic pattern with its delivery options.
type Subscription struct {
	Pattern string         `json:"pattern"`
	QoS     byte           `json:"qos"`
	Filter  map[string]any `json:"filter,omitempty"`
	Paused  bool           `json:"paused"`
}

// FeedingRecord tracks the last and next feeding of one coop.
type FeedingRecord struct {
	CoopID        string    `json:"coop_id"`
	LastFedAt     time.Time `json:"last_fed_at"`
	NextFeedAt    time.Time `json:"next_feed_at"`
	IntervalHours float64   `json:"interval_hours"`
}

// MessageClass is the coarse category assigned to accepted messages.
type MessageClass string

const (
	ClassTelemetry MessageClass = "telemetry"
	ClassStatus    MessageClass = "status"
	ClassCommand   MessageClass = "command"
	ClassAlert     MessageClass = "alert"
	ClassOther     MessageClass = "other"
)

// JournalEntry is a sensor event as persisted in the journal.
type JournalEntry struct {
	Seq        uint64       `json:"seq"`
	Topic      string       `json:"topic"`
	Class      MessageClass `json:"class"`
	Kind       PayloadKind  `json:"kind"`
	Payload    string       `json:"payload"`
	Annotation string       `json:"annotation"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// IngestionError captures an inbound message that was dropped.
type IngestionError struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	Error   string `json:"error"`
}

// FeedingReport is a journaled feeding report outcome.
type FeedingReport struct {
	CoopID            string    `json:"coop_id"`
	LastFedAt         time.Time `json:"last_fed_at"`
	NextFeedAt        time.Time `json:"next_feed_at"`
	IntervalHours     float64   `json:"interval_hours"`
	Due               bool      `json:"due"`
	ReminderScheduled bool      `json:"reminder_scheduled"`
	Message           string    `json:"message"`
	ReportedAt        time.Time `json:"reported_at"`
}

// ApprovalDecision is a journaled approval gate outcome.
type ApprovalDecision struct {
	ID            string    `json:"id"`
	Action        string    `json:"action"`
	Reason        string    `json:"reason"`
	CoopID        string    `json:"coop_id"`
	IntervalHours float64   `json:"interval_hours"`
	Approved      bool      `json:"approved"`
	DecidedAt     time.Time `json:"decided_at"`
}
