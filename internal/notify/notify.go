package notify

import (
	"context"

	"threatwatch/internal/model"
)

// Notification is the payload delivered for a created or merged incident.
type Notification struct {
	IncidentID         int64          `json:"incident_id"`
	Title              string         `json:"title"`
	Severity           model.Severity `json:"severity"`
	TenantID           string         `json:"tenant_id"`
	TenantAdminContact string         `json:"tenant_admin_contact,omitempty"`
	AlertCount         int            `json:"alert_count"`
}

// Sender delivers one notification to an external channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Name() string { return "func" }

func (f SenderFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }
