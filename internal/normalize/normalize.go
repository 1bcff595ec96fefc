package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"threatwatch/internal/model"
)

var (
	ErrMissingSource    = errors.New("source is required")
	ErrMissingEventType = errors.New("event_type is required")
	ErrReservedTenant   = errors.New("tenant id is reserved")
)

// WireEvent is the agent-facing event shape. Tenant and user are never read
// from the wire; they come from the verified principal.
type WireEvent struct {
	EventID   string         `json:"event_id,omitempty"`
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity,omitempty"`
	Details   string         `json:"details,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp any            `json:"timestamp,omitempty"`
}

// Identity stamps server-side ownership onto an event.
type Identity struct {
	TenantID string
	UserID   string
}

type Options struct {
	MaxPast   time.Duration
	MaxFuture time.Duration
	Now       func() time.Time
}

func Normalize(w WireEvent, id Identity, opts Options) (model.Event, error) {
	now := time.Now().UTC()
	if opts.Now != nil {
		now = opts.Now().UTC()
	}
	source := strings.TrimSpace(w.Source)
	if source == "" {
		return model.Event{}, ErrMissingSource
	}
	eventType := strings.ToLower(strings.TrimSpace(w.EventType))
	if eventType == "" {
		return model.Event{}, ErrMissingEventType
	}
	tenant := strings.TrimSpace(id.TenantID)
	if tenant == model.ReservedTenant {
		return model.Event{}, ErrReservedTenant
	}
	eventID := strings.TrimSpace(w.EventID)
	if eventID == "" {
		eventID = uuid.NewString()
	}

	ts := now
	if w.Timestamp != nil {
		parsed, err := parseAnyTimestamp(w.Timestamp)
		if err != nil {
			return model.Event{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = clampTimestamp(parsed.UTC(), now, opts.MaxPast, opts.MaxFuture)
	}

	data := w.Data
	if data == nil {
		data = map[string]any{}
	}
	return model.Event{
		EventID:   eventID,
		Source:    source,
		EventType: eventType,
		Severity:  model.ParseSeverity(w.Severity, model.SeverityLow),
		Details:   strings.TrimSpace(w.Details),
		Data:      data,
		TenantID:  tenant,
		UserID:    strings.TrimSpace(id.UserID),
		Timestamp: ts,
	}, nil
}

// Decode reads one wire event. The durable path carries tenant_id and
// user_id inside the payload because the producer already verified them.
func Decode(payload []byte) (WireEvent, Identity, error) {
	var envelope struct {
		WireEvent
		TenantID json.RawMessage `json:"tenant_id,omitempty"`
		UserID   json.RawMessage `json:"user_id,omitempty"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return WireEvent{}, Identity{}, err
	}
	return envelope.WireEvent, Identity{
		TenantID: rawString(envelope.TenantID),
		UserID:   rawString(envelope.UserID),
	}, nil
}

// Encode is the inverse of Decode for the durable path.
func Encode(ev model.Event) ([]byte, error) {
	return json.Marshal(struct {
		WireEvent
		TenantID string `json:"tenant_id,omitempty"`
		UserID   string `json:"user_id,omitempty"`
	}{
		WireEvent: WireEvent{
			EventID:   ev.EventID,
			Source:    ev.Source,
			EventType: ev.EventType,
			Severity:  string(ev.Severity),
			Details:   ev.Details,
			Data:      ev.Data,
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		},
		TenantID: ev.TenantID,
		UserID:   ev.UserID,
	})
}

// rawString accepts ids sent as JSON strings or numbers.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func parseAnyTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		return ParseTimestamp(t, time.UTC)
	case float64:
		return parseUnix(strconv.FormatInt(int64(t), 10))
	case json.Number:
		return parseUnix(t.String())
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 && now.Sub(ts) > maxPast {
		return now
	}
	if maxFuture > 0 && ts.Sub(now) > maxFuture {
		return now
	}
	return ts
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
