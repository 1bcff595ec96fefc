package model

import "time"

const (
	MessageEvent            = "event"
	MessageStatusUpdate     = "status_update"
	MessageNoteAdded        = "note_added"
	MessageAssignmentUpdate = "assignment_update"
)

// Message is one live-stream payload. Only the fields relevant to Type are set.
type Message struct {
	Type        string           `json:"type"`
	TenantID    string           `json:"-"`
	Event       *Event           `json:"event,omitempty"`
	RuleResults []string         `json:"rule_results,omitempty"`
	Incident    *IncidentSummary `json:"incident,omitempty"`
	IncidentID  int64            `json:"incident_id,omitempty"`
	OldStatus   Status           `json:"old_status,omitempty"`
	NewStatus   Status           `json:"new_status,omitempty"`
	Note        *IncidentNote    `json:"note,omitempty"`
	Assignees   []string         `json:"assignees,omitempty"`
	Actor       string           `json:"actor,omitempty"`
	SentAt      time.Time        `json:"sent_at"`
}

type IncidentSummary struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id,omitempty"`
	Title      string    `json:"title"`
	Severity   Severity  `json:"severity"`
	Status     Status    `json:"status"`
	AlertCount int       `json:"alert_count"`
	Merged     bool      `json:"merged"`
	Timestamp  time.Time `json:"timestamp"`
}

func Summarize(inc *Incident, merged bool) *IncidentSummary {
	if inc == nil {
		return nil
	}
	return &IncidentSummary{
		ID:         inc.ID,
		EventID:    inc.EventID,
		Title:      inc.Title,
		Severity:   inc.Severity,
		Status:     inc.Status,
		AlertCount: inc.AlertCount,
		Merged:     merged,
		Timestamp:  inc.CreatedAt,
	}
}
