package rules

import (
	"context"
	"errors"
	"testing"

	"threatwatch/internal/model"
)

type staticSource struct {
	rules []model.Rule
	err   error
}

func (s staticSource) ListRules(ctx context.Context, tenantID string) ([]model.Rule, error) {
	return s.rules, s.err
}

func loginEvent(data map[string]any) model.Event {
	return model.Event{Source: "web-1", EventType: "login_failed", TenantID: "t1", Data: data}
}

func TestMatchGreaterThanFailCount(t *testing.T) {
	conds := []model.Condition{
		{Field: "event_type", Op: model.OpEquals, Value: "login_failed"},
		{Field: "data.fail_count", Op: model.OpGT, Value: 5},
	}
	cases := []struct {
		name string
		data map[string]any
		want bool
	}{
		{"above", map[string]any{"fail_count": 6.0}, true},
		{"numeric string", map[string]any{"fail_count": "6"}, true},
		{"equal", map[string]any{"fail_count": 5.0}, false},
		{"missing", map[string]any{}, false},
		{"garbage", map[string]any{"fail_count": "lots"}, false},
		{"bool", map[string]any{"fail_count": true}, false},
	}
	for _, tc := range cases {
		if got := Match(loginEvent(tc.data), conds); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestMatchEqualsAndContains(t *testing.T) {
	ev := model.Event{Source: "db-7", EventType: "query", Data: map[string]any{
		"port": 5432.0,
		"meta": map[string]any{"user": "root", "cmd": "DROP TABLE users"},
	}}
	ok := Match(ev, []model.Condition{
		{Field: "data.port", Op: model.OpEquals, Value: "5432"},
		{Field: "data.meta.user", Op: model.OpEquals, Value: "root"},
		{Field: "data.meta.cmd", Op: model.OpContains, Value: "DROP"},
	})
	if !ok {
		t.Fatalf("expected match")
	}
	if Match(ev, []model.Condition{{Field: "data.meta.missing", Op: model.OpEquals, Value: ""}}) {
		t.Fatalf("nil actual must not equal empty string")
	}
	if Match(ev, []model.Condition{{Field: "source", Op: "regex", Value: "db"}}) {
		t.Fatalf("unknown operator must not match")
	}
	if Match(ev, nil) {
		t.Fatalf("empty condition list must not match")
	}
}

func TestCandidatesScopeByTenant(t *testing.T) {
	all := []model.Rule{
		{ID: 1, TenantID: "t1", Enabled: true},
		{ID: 2, TenantID: "t2", Enabled: true},
		{ID: 3, Enabled: true},
		{ID: 4, TenantID: "t1", Enabled: false},
	}
	got := Candidates(all, "t1")
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("unexpected candidates for t1: %+v", got)
	}
	got = Candidates(all, "")
	if len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("unexpected candidates for no tenant: %+v", got)
	}
}

func TestEvaluateRootLogin(t *testing.T) {
	src := staticSource{rules: []model.Rule{{
		ID:         10,
		TenantID:   "acme",
		Name:       "Root Login",
		Severity:   model.SeverityCritical,
		Enabled:    true,
		Conditions: []model.Condition{{Field: "data.user", Op: model.OpEquals, Value: "root"}},
	}}}
	m := NewMatcher(src, DefaultFallback(), nil)
	dec, ok := m.Evaluate(context.Background(), model.Event{
		Source: "bastion", EventType: "ssh_login", TenantID: "acme",
		Data: map[string]any{"user": "root"},
	})
	if !ok {
		t.Fatalf("expected decision")
	}
	if dec.Title != "Root Login" || dec.Severity != model.SeverityCritical || dec.Fallback {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	if _, ok := m.Evaluate(context.Background(), model.Event{
		Source: "bastion", EventType: "ssh_login", TenantID: "other",
		Data: map[string]any{"user": "root"},
	}); ok {
		t.Fatalf("rule must not leak across tenants")
	}
}

func TestEvaluateHighestSeverityWins(t *testing.T) {
	cond := []model.Condition{{Field: "source", Op: model.OpContains, Value: "web"}}
	src := staticSource{rules: []model.Rule{
		{ID: 3, TenantID: "t1", Name: "low", Severity: model.SeverityLow, Enabled: true, Conditions: cond},
		{ID: 2, TenantID: "t1", Name: "high-b", Severity: model.SeverityHigh, Enabled: true, Conditions: cond},
		{ID: 1, TenantID: "t1", Name: "high-a", Severity: model.SeverityHigh, Enabled: true, Conditions: cond},
	}}
	dec, ok := NewMatcher(src, DefaultFallback(), nil).Evaluate(context.Background(), loginEvent(nil))
	if !ok || dec.Title != "high-a" || dec.RuleID != 1 {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	if len(dec.Matched) != 3 {
		t.Fatalf("expected all matches reported: %v", dec.Matched)
	}
}

func TestEvaluateFallbacks(t *testing.T) {
	m := NewMatcher(staticSource{err: errors.New("db down")}, DefaultFallback(), nil)
	ctx := context.Background()

	cases := []struct {
		ev    model.Event
		title string
		sev   model.Severity
	}{
		{model.Event{Source: "ui", EventType: "manual_test"}, "Test Incident", model.SeverityLow},
		{model.Event{Source: "ui", EventType: "quick_test"}, "Test Incident", model.SeverityLow},
		{loginEvent(map[string]any{"fail_count": 3.0}), "Brute-force login_failed attempt", model.SeverityHigh},
		{model.Event{Source: "h", EventType: "ransomware_activity"}, "Critical Alert: ransomware_activity", model.SeverityHigh},
		{model.Event{Source: "h1", EventType: "ml_anomaly"}, "ML Anomaly: h1", model.SeverityMedium},
		{model.Event{Source: "h1", EventType: "ml_anomaly", Severity: model.SeverityCritical}, "ML Anomaly: h1", model.SeverityCritical},
	}
	for _, tc := range cases {
		dec, ok := m.Evaluate(ctx, tc.ev)
		if !ok || dec.Title != tc.title || dec.Severity != tc.sev || !dec.Fallback {
			t.Fatalf("%s: unexpected decision %+v ok=%v", tc.ev.EventType, dec, ok)
		}
	}
	if _, ok := m.Evaluate(ctx, loginEvent(map[string]any{"fail_count": 2.0})); ok {
		t.Fatalf("fail_count below threshold must not match")
	}
	if _, ok := m.Evaluate(ctx, model.Event{Source: "h", EventType: "system_heartbeat"}); ok {
		t.Fatalf("heartbeat must not match")
	}
}

func TestSetFallbackThreshold(t *testing.T) {
	m := NewMatcher(nil, DefaultFallback(), nil)
	m.SetFallback(FallbackConfig{LoginFailThreshold: 10})
	if _, ok := m.Evaluate(context.Background(), loginEvent(map[string]any{"fail_count": 5.0})); ok {
		t.Fatalf("raised threshold not applied")
	}
}
