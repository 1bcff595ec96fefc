package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"threatwatch/internal/model"
)

// RuleSource returns the rules visible to a tenant.
type RuleSource interface {
	ListRules(ctx context.Context, tenantID string) ([]model.Rule, error)
}

type FallbackConfig struct {
	LoginFailThreshold float64
	CriticalEventTypes []string
}

func DefaultFallback() FallbackConfig {
	return FallbackConfig{
		LoginFailThreshold: 3,
		CriticalEventTypes: []string{"malware_detected", "ransomware_activity", "privilege_escalation"},
	}
}

type Decision struct {
	Title    string
	Severity model.Severity
	RuleID   int64
	Matched  []string
	Fallback bool
}

type Matcher struct {
	source   RuleSource
	logger   *slog.Logger
	fallback atomic.Value
}

func NewMatcher(source RuleSource, fallback FallbackConfig, logger *slog.Logger) *Matcher {
	m := &Matcher{source: source, logger: logger}
	m.SetFallback(fallback)
	return m
}

func (m *Matcher) SetFallback(fb FallbackConfig) {
	if fb.LoginFailThreshold <= 0 {
		fb.LoginFailThreshold = DefaultFallback().LoginFailThreshold
	}
	m.fallback.Store(fb)
}

func (m *Matcher) fallbackConfig() FallbackConfig {
	if v := m.fallback.Load(); v != nil {
		return v.(FallbackConfig)
	}
	return DefaultFallback()
}

// Evaluate picks the decision for an event. Tenant rules win over the fixed
// fallback set; among matching rules the highest severity wins, ties going to
// the lowest id. ok is false when nothing matched.
func (m *Matcher) Evaluate(ctx context.Context, ev model.Event) (Decision, bool) {
	var all []model.Rule
	if m.source != nil {
		rules, err := m.source.ListRules(ctx, ev.TenantID)
		if err != nil {
			if m.logger != nil {
				m.logger.Error("load rules failed", "tenant_id", ev.TenantID, "error", err)
			}
		} else {
			all = rules
		}
	}

	var matched []model.Rule
	for _, r := range Candidates(all, ev.TenantID) {
		if Match(ev, r.Conditions) {
			matched = append(matched, r)
		}
	}
	if len(matched) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			ri, rj := matched[i].Severity.Rank(), matched[j].Severity.Rank()
			if ri != rj {
				return ri > rj
			}
			return matched[i].ID < matched[j].ID
		})
		best := matched[0]
		names := make([]string, 0, len(matched))
		for _, r := range matched {
			names = append(names, r.Name)
		}
		return Decision{
			Title:    best.Name,
			Severity: model.ParseSeverity(string(best.Severity), model.SeverityMedium),
			RuleID:   best.ID,
			Matched:  names,
		}, true
	}
	return Fallback(ev, m.fallbackConfig())
}

// Fallback applies the built-in detections, in order.
func Fallback(ev model.Event, fb FallbackConfig) (Decision, bool) {
	switch ev.EventType {
	case model.EventTypeManualTest, model.EventTypeQuickTest:
		return fallbackDecision("Test Incident", model.SeverityLow), true
	case model.EventTypeLoginFail:
		count, ok := toFloat(Resolve(ev.Fields(), "data.fail_count"))
		if ok && count >= fb.LoginFailThreshold {
			return fallbackDecision("Brute-force login_failed attempt", model.SeverityHigh), true
		}
		return Decision{}, false
	case model.EventTypeMLAnomaly:
		return fallbackDecision("ML Anomaly: "+ev.Source, model.ParseSeverity(string(ev.Severity), model.SeverityMedium)), true
	}
	for _, t := range fb.CriticalEventTypes {
		if strings.EqualFold(t, ev.EventType) {
			return fallbackDecision(fmt.Sprintf("Critical Alert: %s", ev.EventType), model.SeverityHigh), true
		}
	}
	return Decision{}, false
}

func fallbackDecision(title string, sev model.Severity) Decision {
	return Decision{Title: title, Severity: sev, Matched: []string{title}, Fallback: true}
}
