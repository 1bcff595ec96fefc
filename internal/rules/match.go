package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"threatwatch/internal/model"
)

// Match reports whether every condition holds for the event. An empty list
// never matches.
func Match(ev model.Event, conditions []model.Condition) bool {
	if len(conditions) == 0 {
		return false
	}
	fields := ev.Fields()
	for _, c := range conditions {
		if !evalCondition(fields, c) {
			return false
		}
	}
	return true
}

func evalCondition(fields map[string]any, c model.Condition) bool {
	if strings.TrimSpace(c.Field) == "" {
		return false
	}
	actual := Resolve(fields, c.Field)
	switch model.Operator(strings.ToLower(string(c.Op))) {
	case model.OpEquals:
		if actual == nil {
			return false
		}
		return stringify(actual) == stringify(c.Value)
	case model.OpContains:
		if actual == nil {
			return false
		}
		return strings.Contains(stringify(actual), stringify(c.Value))
	case model.OpGT:
		a, ok1 := toFloat(actual)
		b, ok2 := toFloat(c.Value)
		return ok1 && ok2 && a > b
	case model.OpLT:
		a, ok1 := toFloat(actual)
		b, ok2 := toFloat(c.Value)
		return ok1 && ok2 && a < b
	}
	return false
}

// Resolve walks a dot path through nested maps. Missing segments yield nil.
func Resolve(fields map[string]any, path string) any {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Candidates keeps enabled rules scoped to tenant. An empty tenant only sees
// rules without a tenant.
func Candidates(all []model.Rule, tenant string) []model.Rule {
	out := make([]model.Rule, 0, len(all))
	for _, r := range all {
		if !r.Enabled || r.TenantID != tenant {
			continue
		}
		out = append(out, r)
	}
	return out
}
