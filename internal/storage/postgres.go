package storage

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS rules (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		conditions JSONB NOT NULL,
		severity TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_tenant ON rules(tenant_id)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		alert_count INTEGER NOT NULL DEFAULT 1,
		user_id TEXT NOT NULL DEFAULT '',
		assignees JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open_key ON incidents(tenant_id, source, event_type)
		WHERE status IN ('open', 'investigating')`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_tenant_updated ON incidents(tenant_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS incident_events (
		tenant_id TEXT NOT NULL DEFAULT '',
		event_id TEXT NOT NULL,
		incident_id BIGINT NOT NULL REFERENCES incidents(id),
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS incident_notes (
		id BIGSERIAL PRIMARY KEY,
		incident_id BIGINT NOT NULL REFERENCES incidents(id),
		author TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incident_notes_incident ON incident_notes(incident_id)`,
	`CREATE TABLE IF NOT EXISTS anomaly_models (
		tenant_id TEXT PRIMARY KEY,
		blob BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/threatwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, d: dialect{
		name:       "postgres",
		numbered:   true,
		schema:     postgresSchema,
		isConflict: postgresConflict,
	}}}, nil
}

func postgresConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
