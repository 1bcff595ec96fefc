package storage

import (
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqliteStore struct {
	baseStore
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		conditions TEXT NOT NULL,
		severity TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_tenant ON rules(tenant_id)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
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
		assignees TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open_key ON incidents(tenant_id, source, event_type)
		WHERE status IN ('open', 'investigating')`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_tenant_updated ON incidents(tenant_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS incident_events (
		tenant_id TEXT NOT NULL DEFAULT '',
		event_id TEXT NOT NULL,
		incident_id INTEGER NOT NULL REFERENCES incidents(id),
		created_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS incident_notes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL REFERENCES incidents(id),
		author TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incident_notes_incident ON incident_notes(incident_id)`,
	`CREATE TABLE IF NOT EXISTS anomaly_models (
		tenant_id TEXT PRIMARY KEY,
		blob BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:threatwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// single connection: concurrent transactions would hit SQLITE_BUSY
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, d: dialect{
		name:       "sqlite",
		schema:     sqliteSchema,
		isConflict: sqliteConflict,
	}}}, nil
}

func sqliteConflict(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}
