package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"threatwatch/internal/model"
	"threatwatch/internal/storage"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[model.Status][]model.Status{
	model.StatusOpen:          {model.StatusInvestigating, model.StatusClosed},
	model.StatusInvestigating: {model.StatusClosed},
}

// CanTransition reports whether from → to is allowed. Closed is terminal.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// loadForTenant hides incidents of other tenants behind ErrNotFound.
func (c *Correlator) loadForTenant(ctx context.Context, id int64, tenant string) (*model.Incident, error) {
	inc, err := c.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.TenantID != tenant {
		return nil, storage.ErrNotFound
	}
	return inc, nil
}

func (c *Correlator) UpdateStatus(ctx context.Context, tenant string, id int64, to model.Status, actor string) (*model.Incident, []model.Message, error) {
	inc, err := c.loadForTenant(ctx, id, tenant)
	if err != nil {
		return nil, nil, err
	}
	from := inc.Status
	if !CanTransition(from, to) {
		return nil, nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	note := model.IncidentNote{
		IncidentID: id,
		Author:     actor,
		Content:    fmt.Sprintf("Status changed from %s to %s", from, to),
		CreatedAt:  c.now(),
	}
	updated, err := c.repo.UpdateIncidentStatus(ctx, id, from, to, note)
	if err != nil {
		return nil, nil, err
	}
	if c.logger != nil {
		c.logger.Info("incident status changed", "incident_id", id, "tenant_id", tenant, "from", from, "to", to, "actor", actor)
	}
	return updated, []model.Message{{
		Type:       model.MessageStatusUpdate,
		TenantID:   tenant,
		IncidentID: id,
		Incident:   model.Summarize(updated, false),
		OldStatus:  from,
		NewStatus:  to,
		Actor:      actor,
		SentAt:     c.now(),
	}}, nil
}

func (c *Correlator) AddNote(ctx context.Context, tenant string, id int64, author, content string) (model.IncidentNote, []model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.IncidentNote{}, nil, errors.New("note content is required")
	}
	if _, err := c.loadForTenant(ctx, id, tenant); err != nil {
		return model.IncidentNote{}, nil, err
	}
	note, err := c.repo.AddIncidentNote(ctx, model.IncidentNote{
		IncidentID: id,
		Author:     author,
		Content:    content,
		CreatedAt:  c.now(),
	})
	if err != nil {
		return model.IncidentNote{}, nil, err
	}
	return note, []model.Message{{
		Type:       model.MessageNoteAdded,
		TenantID:   tenant,
		IncidentID: id,
		Note:       &note,
		Actor:      author,
		SentAt:     c.now(),
	}}, nil
}

func (c *Correlator) Assign(ctx context.Context, tenant string, id int64, assignees []string, actor string) (*model.Incident, []model.Message, error) {
	if _, err := c.loadForTenant(ctx, id, tenant); err != nil {
		return nil, nil, err
	}
	clean := make([]string, 0, len(assignees))
	seen := make(map[string]bool, len(assignees))
	for _, a := range assignees {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		clean = append(clean, a)
	}
	updated, err := c.repo.SetAssignees(ctx, id, clean, c.now())
	if err != nil {
		return nil, nil, err
	}
	return updated, []model.Message{{
		Type:       model.MessageAssignmentUpdate,
		TenantID:   tenant,
		IncidentID: id,
		Incident:   model.Summarize(updated, false),
		Assignees:  clean,
		Actor:      actor,
		SentAt:     c.now(),
	}}, nil
}
