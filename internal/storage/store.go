package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	IncidentByEventID(ctx context.Context, tenantID, eventID string) (*model.Incident, error)
	FindOpenIncident(ctx context.Context, key model.MergeKey) (*model.Incident, error)
	CreateIncident(ctx context.Context, inc model.Incident, eventID string) (*model.Incident, error)
	MergeIncident(ctx context.Context, id int64, line, eventID string, at time.Time) (*model.Incident, error)
	UpdateIncidentStatus(ctx context.Context, id int64, from, to model.Status, note model.IncidentNote) (*model.Incident, error)
	SetAssignees(ctx context.Context, id int64, assignees []string, at time.Time) (*model.Incident, error)
	GetIncident(ctx context.Context, id int64) (*model.Incident, error)
	ListIncidents(ctx context.Context, filter model.IncidentFilter) ([]model.Incident, error)
	AddIncidentNote(ctx context.Context, note model.IncidentNote) (model.IncidentNote, error)
	ListIncidentNotes(ctx context.Context, incidentID int64) ([]model.IncidentNote, error)

	ListRules(ctx context.Context, tenantID string) ([]model.Rule, error)
	SaveRule(ctx context.Context, rule model.Rule) (model.Rule, error)
	DeleteRule(ctx context.Context, tenantID string, id int64) error

	Models() *ModelBlobs
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type dialect struct {
	name       string
	numbered   bool
	schema     []string
	isConflict func(error) bool
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Init(ctx context.Context) error {
	for _, stmt := range b.d.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", b.d.name, err)
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// q rewrites ? placeholders to $n for dialects that need it.
func (b *baseStore) q(query string) string {
	if !b.d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if b.d.isConflict != nil && b.d.isConflict(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// inTx runs fn in one transaction and rolls back on any error.
func (b *baseStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return b.classify(err)
	}
	return b.classify(tx.Commit())
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// dbTime scans timestamps regardless of how the driver hands them back.
type dbTime struct {
	t time.Time
}

var dbTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (d *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		d.t = time.Time{}
	case time.Time:
		d.t = x.UTC()
	case int64:
		d.t = time.Unix(0, x).UTC()
	case []byte:
		return d.parse(string(x))
	case string:
		return d.parse(x)
	default:
		return fmt.Errorf("unsupported time value %T", v)
	}
	return nil
}

func (d *dbTime) parse(s string) error {
	for _, layout := range dbTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}
