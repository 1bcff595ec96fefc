package anomaly

import (
	"strconv"
	"strings"

	"threatwatch/internal/model"
)

// FeatureNames is the heartbeat vector layout. cpu and ram are required.
var FeatureNames = []string{"cpu", "ram", "disk_write_mb", "net_out_mb", "process_count"}

var requiredFeatures = map[string]bool{"cpu": true, "ram": true}

// Extract builds the feature vector from a heartbeat. ok is false for any
// other event type or when a required metric is missing.
func Extract(ev model.Event) ([]float64, bool) {
	if ev.EventType != model.EventTypeHeartbeat || ev.Data == nil {
		return nil, false
	}
	vec := make([]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		v, ok := number(ev.Data[name])
		if !ok {
			if requiredFeatures[name] {
				return nil, false
			}
			v = 0
		}
		vec[i] = v
	}
	return vec, true
}

func snapshot(vec []float64) map[string]float64 {
	out := make(map[string]float64, len(vec))
	for i, v := range vec {
		if i < len(FeatureNames) {
			out[FeatureNames[i]] = v
		}
	}
	return out
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
