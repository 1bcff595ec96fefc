package model

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps free-form agent input onto the known levels. Unknown
// values fall back to def.
func ParseSeverity(s string, def Severity) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "info", "informational":
		return SeverityLow
	case "medium", "moderate", "warn", "warning":
		return SeverityMedium
	case "high", "error":
		return SeverityHigh
	case "critical", "crit", "fatal":
		return SeverityCritical
	}
	return def
}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusClosed        Status = "closed"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOpen:
		return StatusOpen, true
	case StatusInvestigating:
		return StatusInvestigating, true
	case StatusClosed:
		return StatusClosed, true
	}
	return "", false
}

// Active reports whether an incident in this status can absorb merges.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInvestigating
}

const (
	EventTypeHeartbeat  = "system_heartbeat"
	EventTypeMLAnomaly  = "ml_anomaly"
	EventTypeManualTest = "manual_test"
	EventTypeQuickTest  = "quick_test"
	EventTypeLoginFail  = "login_failed"
)

// ReservedTenant keys per-tenant state for events that carry no tenant. It is
// never accepted as a real tenant id.
const ReservedTenant = "global"

type Event struct {
	EventID   string         `json:"event_id,omitempty"`
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Severity  Severity       `json:"severity,omitempty"`
	Details   string         `json:"details,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Fields exposes the event as a nested map for dot-path lookups.
func (e Event) Fields() map[string]any {
	return map[string]any{
		"event_id":   e.EventID,
		"source":     e.Source,
		"event_type": e.EventType,
		"severity":   string(e.Severity),
		"details":    e.Details,
		"tenant_id":  e.TenantID,
		"user_id":    e.UserID,
		"data":       e.Data,
	}
}

// MergeKey identifies the open incident an event may extend.
type MergeKey struct {
	TenantID  string
	Source    string
	EventType string
}

func (k MergeKey) String() string {
	return k.TenantID + "|" + k.Source + "|" + k.EventType
}

func (e Event) MergeKey() MergeKey {
	return MergeKey{TenantID: e.TenantID, Source: e.Source, EventType: e.EventType}
}

type Incident struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Source     string    `json:"source"`
	EventType  string    `json:"event_type"`
	Title      string    `json:"title"`
	Desc       string    `json:"description"`
	Severity   Severity  `json:"severity"`
	Status     Status    `json:"status"`
	AlertCount int       `json:"alert_count"`
	UserID     string    `json:"user_id,omitempty"`
	Assignees  []string  `json:"assignees,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (i Incident) Key() MergeKey {
	return MergeKey{TenantID: i.TenantID, Source: i.Source, EventType: i.EventType}
}

type IncidentNote struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	Author     string    `json:"author"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

type IncidentFilter struct {
	TenantID string
	Status   Status
	Limit    int
}

// AnomalyRecord is what a detector reports for an outlier vector.
type AnomalyRecord struct {
	Score    float64            `json:"score"`
	Reason   string             `json:"reason"`
	Features map[string]float64 `json:"features"`
}

type Server struct {
	TenantID      string    `json:"tenant_id,omitempty"`
	Hostname      string    `json:"hostname"`
	IPAddress     string    `json:"ip_address,omitempty"`
	OSInfo        string    `json:"os_info,omitempty"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
