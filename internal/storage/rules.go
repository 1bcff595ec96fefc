package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"threatwatch/internal/model"
)

func (b *baseStore) ListRules(ctx context.Context, tenantID string) ([]model.Rule, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT id, tenant_id, name, description, conditions, severity, enabled, created_at
		FROM rules WHERE tenant_id = ? ORDER BY id`), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Rule, 0)
	for rows.Next() {
		var (
			r        model.Rule
			conds    string
			severity string
			created  dbTime
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &conds, &severity, &r.Enabled, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(conds), &r.Conditions); err != nil {
			// A corrupt rule never matches.
			r.Conditions = nil
		}
		r.Severity = model.Severity(severity)
		r.CreatedAt = created.t
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveRule(ctx context.Context, rule model.Rule) (model.Rule, error) {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = nowUTC()
	}
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		if rule.ID == 0 {
			return tx.QueryRowContext(ctx, b.q(`INSERT INTO rules (tenant_id, name, description, conditions, severity, enabled, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
				rule.TenantID, rule.Name, rule.Description, encodeJSON(rule.Conditions), string(rule.Severity), rule.Enabled, rule.CreatedAt,
			).Scan(&rule.ID)
		}
		res, err := tx.ExecContext(ctx, b.q(`UPDATE rules SET name = ?, description = ?, conditions = ?, severity = ?, enabled = ?
			WHERE id = ? AND tenant_id = ?`),
			rule.Name, rule.Description, encodeJSON(rule.Conditions), string(rule.Severity), rule.Enabled, rule.ID, rule.TenantID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	return rule, err
}

func (b *baseStore) DeleteRule(ctx context.Context, tenantID string, id int64) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, b.q(`DELETE FROM rules WHERE id = ? AND tenant_id = ?`), id, tenantID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ModelBlobs persists serialized anomaly models, one per tenant.
type ModelBlobs struct {
	b *baseStore
}

func (b *baseStore) Models() *ModelBlobs {
	return &ModelBlobs{b: b}
}

// Load returns nil, nil when the tenant has no stored model.
func (m *ModelBlobs) Load(ctx context.Context, tenantID string) ([]byte, error) {
	var blob []byte
	err := m.b.db.QueryRowContext(ctx, m.b.q(`SELECT blob FROM anomaly_models WHERE tenant_id = ?`), tenantID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return blob, err
}

func (m *ModelBlobs) Save(ctx context.Context, tenantID string, blob []byte) error {
	return m.b.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, m.b.q(`INSERT INTO anomaly_models (tenant_id, blob, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (tenant_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`),
			tenantID, blob, time.Now().UTC())
		return err
	})
}

func (m *ModelBlobs) Delete(ctx context.Context, tenantID string) error {
	_, err := m.b.db.ExecContext(ctx, m.b.q(`DELETE FROM anomaly_models WHERE tenant_id = ?`), tenantID)
	return err
}
