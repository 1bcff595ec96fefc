package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"threatwatch/internal/normalize"
)

var errEmptyBody = errors.New("empty request body")

// DecodeBatch accepts a single event object or an array of them.
func DecodeBatch(body []byte) ([]normalize.WireEvent, error) {
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		return nil, errEmptyBody
	}
	var objs []map[string]any
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &objs); err != nil {
			return nil, err
		}
	} else {
		var obj map[string]any
		if err := json.Unmarshal(trim, &obj); err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	out := make([]normalize.WireEvent, 0, len(objs))
	for _, obj := range objs {
		out = append(out, ParseJSONMap(obj))
	}
	return out, nil
}

// ParseJSONMap maps a loosely shaped agent payload onto a wire event. Older
// agents send host/type/message instead of source/event_type/details.
func ParseJSONMap(obj map[string]any) normalize.WireEvent {
	lower := make(map[string]any, len(obj))
	for key, val := range obj {
		lower[strings.ToLower(key)] = val
	}
	w := normalize.WireEvent{
		EventID:   firstNonEmpty(lower, "event_id", "id"),
		Source:    firstNonEmpty(lower, "source", "hostname", "host"),
		EventType: firstNonEmpty(lower, "event_type", "type"),
		Severity:  firstNonEmpty(lower, "severity", "level"),
		Details:   firstNonEmpty(lower, "details", "message"),
	}
	if data, ok := lower["data"].(map[string]any); ok {
		w.Data = data
	}
	for _, k := range []string{"timestamp", "time", "ts"} {
		if v, ok := lower[k]; ok && v != nil {
			w.Timestamp = v
			break
		}
	}
	return w
}

func firstNonEmpty(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
