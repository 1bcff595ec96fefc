package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"threatwatch/internal/model"
)

const incidentColumns = `id, event_id, tenant_id, source, event_type, title, description, severity, status, alert_count, user_id, assignees, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*model.Incident, error) {
	var (
		inc       model.Incident
		severity  string
		status    string
		assignees string
		created   dbTime
		updated   dbTime
	)
	if err := row.Scan(&inc.ID, &inc.EventID, &inc.TenantID, &inc.Source, &inc.EventType, &inc.Title, &inc.Desc,
		&severity, &status, &inc.AlertCount, &inc.UserID, &assignees, &created, &updated); err != nil {
		return nil, err
	}
	inc.Severity = model.Severity(severity)
	inc.Status = model.Status(status)
	if assignees != "" {
		_ = json.Unmarshal([]byte(assignees), &inc.Assignees)
	}
	inc.CreatedAt = created.t
	inc.UpdatedAt = updated.t
	return &inc, nil
}

func (b *baseStore) getIncident(ctx context.Context, tx *sql.Tx, id int64) (*model.Incident, error) {
	row := tx.QueryRowContext(ctx, b.q(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`), id)
	return scanIncident(row)
}

// recordEvent maps eventID to the incident. Agents choose event ids, so they
// are only unique within a tenant.
func (b *baseStore) recordEvent(ctx context.Context, tx *sql.Tx, tenantID, eventID string, incidentID int64, at time.Time) error {
	if eventID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, b.q(`INSERT INTO incident_events (tenant_id, event_id, incident_id, created_at) VALUES (?, ?, ?, ?)`),
		tenantID, eventID, incidentID, at)
	return err
}

func (b *baseStore) IncidentByEventID(ctx context.Context, tenantID, eventID string) (*model.Incident, error) {
	row := b.db.QueryRowContext(ctx, b.q(`SELECT i.`+strings.ReplaceAll(incidentColumns, ", ", ", i.")+`
		FROM incident_events e JOIN incidents i ON i.id = e.incident_id
		WHERE e.tenant_id = ? AND e.event_id = ? AND i.tenant_id = ?`), tenantID, eventID, tenantID)
	inc, err := scanIncident(row)
	return inc, b.classify(err)
}

func (b *baseStore) FindOpenIncident(ctx context.Context, key model.MergeKey) (*model.Incident, error) {
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+incidentColumns+` FROM incidents
		WHERE tenant_id = ? AND source = ? AND event_type = ? AND status IN ('open', 'investigating')
		ORDER BY created_at DESC, id DESC LIMIT 1`), key.TenantID, key.Source, key.EventType)
	inc, err := scanIncident(row)
	return inc, b.classify(err)
}

func (b *baseStore) CreateIncident(ctx context.Context, inc model.Incident, eventID string) (*model.Incident, error) {
	now := nowUTC()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	inc.UpdatedAt = inc.CreatedAt
	if inc.Status == "" {
		inc.Status = model.StatusOpen
	}
	if inc.AlertCount < 1 {
		inc.AlertCount = 1
	}
	var out *model.Incident
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, b.q(`INSERT INTO incidents
			(event_id, tenant_id, source, event_type, title, description, severity, status, alert_count, user_id, assignees, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			inc.EventID, inc.TenantID, inc.Source, inc.EventType, inc.Title, inc.Desc,
			string(inc.Severity), string(inc.Status), inc.AlertCount, inc.UserID, encodeJSON(nonNil(inc.Assignees)),
			inc.CreatedAt, inc.UpdatedAt,
		).Scan(&id)
		if err != nil {
			return err
		}
		if err := b.recordEvent(ctx, tx, inc.TenantID, eventID, id, now); err != nil {
			return err
		}
		out, err = b.getIncident(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MergeIncident bumps alert_count and appends line. Only active incidents
// accept merges; anything else reports ErrConflict.
func (b *baseStore) MergeIncident(ctx context.Context, id int64, line, eventID string, at time.Time) (*model.Incident, error) {
	var out *model.Incident
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, b.q(`UPDATE incidents
			SET alert_count = alert_count + 1, description = description || ?, updated_at = ?
			WHERE id = ? AND status IN ('open', 'investigating')`), line, at.UTC(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: incident %d is not active", ErrConflict, id)
		}
		out, err = b.getIncident(ctx, tx, id)
		if err != nil {
			return err
		}
		return b.recordEvent(ctx, tx, out.TenantID, eventID, id, at.UTC())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateIncidentStatus moves an incident from one status to another and
// records the note in the same transaction. A status that changed underneath
// reports ErrConflict.
func (b *baseStore) UpdateIncidentStatus(ctx context.Context, id int64, from, to model.Status, note model.IncidentNote) (*model.Incident, error) {
	var out *model.Incident
	at := note.CreatedAt
	if at.IsZero() {
		at = nowUTC()
	}
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, b.q(`UPDATE incidents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
			string(to), at, id, string(from))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := b.getIncident(ctx, tx, id); err != nil {
				return err
			}
			return fmt.Errorf("%w: incident %d status changed", ErrConflict, id)
		}
		if note.Content != "" {
			note.IncidentID = id
			note.CreatedAt = at
			if _, err := b.insertNote(ctx, tx, note); err != nil {
				return err
			}
		}
		out, err = b.getIncident(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *baseStore) SetAssignees(ctx context.Context, id int64, assignees []string, at time.Time) (*model.Incident, error) {
	var out *model.Incident
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, b.q(`UPDATE incidents SET assignees = ?, updated_at = ? WHERE id = ?`),
			encodeJSON(nonNil(assignees)), at.UTC(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		out, err = b.getIncident(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *baseStore) GetIncident(ctx context.Context, id int64) (*model.Incident, error) {
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`), id)
	inc, err := scanIncident(row)
	return inc, b.classify(err)
}

func (b *baseStore) ListIncidents(ctx context.Context, filter model.IncidentFilter) ([]model.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = ?`
	args := []any{filter.TenantID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

func (b *baseStore) insertNote(ctx context.Context, tx *sql.Tx, note model.IncidentNote) (model.IncidentNote, error) {
	err := tx.QueryRowContext(ctx, b.q(`INSERT INTO incident_notes (incident_id, author, content, created_at)
		VALUES (?, ?, ?, ?) RETURNING id`), note.IncidentID, note.Author, note.Content, note.CreatedAt).Scan(&note.ID)
	return note, err
}

func (b *baseStore) AddIncidentNote(ctx context.Context, note model.IncidentNote) (model.IncidentNote, error) {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = nowUTC()
	}
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := b.getIncident(ctx, tx, note.IncidentID); err != nil {
			return err
		}
		var err error
		note, err = b.insertNote(ctx, tx, note)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, b.q(`UPDATE incidents SET updated_at = ? WHERE id = ?`), note.CreatedAt, note.IncidentID)
		return err
	})
	return note, err
}

func (b *baseStore) ListIncidentNotes(ctx context.Context, incidentID int64) ([]model.IncidentNote, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT id, incident_id, author, content, created_at
		FROM incident_notes WHERE incident_id = ? ORDER BY id`), incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.IncidentNote, 0)
	for rows.Next() {
		var n model.IncidentNote
		var created dbTime
		if err := rows.Scan(&n.ID, &n.IncidentID, &n.Author, &n.Content, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = created.t
		out = append(out, n)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
