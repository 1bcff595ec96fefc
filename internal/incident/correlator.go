package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"threatwatch/internal/model"
	"threatwatch/internal/rules"
	"threatwatch/internal/storage"
)

// Repository is the slice of the store the correlator needs.
type Repository interface {
	IncidentByEventID(ctx context.Context, tenantID, eventID string) (*model.Incident, error)
	FindOpenIncident(ctx context.Context, key model.MergeKey) (*model.Incident, error)
	CreateIncident(ctx context.Context, inc model.Incident, eventID string) (*model.Incident, error)
	MergeIncident(ctx context.Context, id int64, line, eventID string, at time.Time) (*model.Incident, error)
	UpdateIncidentStatus(ctx context.Context, id int64, from, to model.Status, note model.IncidentNote) (*model.Incident, error)
	SetAssignees(ctx context.Context, id int64, assignees []string, at time.Time) (*model.Incident, error)
	GetIncident(ctx context.Context, id int64) (*model.Incident, error)
	AddIncidentNote(ctx context.Context, note model.IncidentNote) (model.IncidentNote, error)
}

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// Result is the structured outcome of one Correlate call. Err is set when
// persistence failed; no incident was produced in that case.
type Result struct {
	Incident *model.Incident
	Outcome  Outcome
	Err      error
}

func (r Result) Created() bool   { return r.Outcome == OutcomeCreated }
func (r Result) Merged() bool    { return r.Outcome == OutcomeMerged }
func (r Result) Duplicate() bool { return r.Outcome == OutcomeDuplicate }

type Correlator struct {
	repo   Repository
	locker Locker
	logger *slog.Logger
	now    func() time.Time
}

func NewCorrelator(repo Repository, locker Locker, logger *slog.Logger) *Correlator {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Correlator{repo: repo, locker: locker, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Correlate merges the event into the open incident for its key or opens a
// new one. Events whose id was already recorded are a no-op.
func (c *Correlator) Correlate(ctx context.Context, ev model.Event, dec rules.Decision) Result {
	if res, done := c.checkDuplicate(ctx, ev); done {
		return res
	}
	key := ev.MergeKey()
	unlock, err := c.locker.Lock(ctx, key.String())
	if err != nil {
		return c.fail(ev, fmt.Errorf("lock merge key: %w", err))
	}
	defer unlock()

	res := c.findOrCreate(ctx, ev, dec)
	if errors.Is(res.Err, storage.ErrConflict) {
		// lost a race with another writer; the winner's row is visible now
		if dup, done := c.checkDuplicate(ctx, ev); done {
			return dup
		}
		res = c.findOrCreate(ctx, ev, dec)
	}
	if res.Err != nil {
		return c.fail(ev, res.Err)
	}
	if c.logger != nil {
		c.logger.Info("incident correlated",
			"incident_id", res.Incident.ID,
			"outcome", res.Outcome,
			"tenant_id", ev.TenantID,
			"source", ev.Source,
			"event_type", ev.EventType,
			"alert_count", res.Incident.AlertCount,
		)
	}
	return res
}

func (c *Correlator) checkDuplicate(ctx context.Context, ev model.Event) (Result, bool) {
	if ev.EventID == "" {
		return Result{}, false
	}
	inc, err := c.repo.IncidentByEventID(ctx, ev.TenantID, ev.EventID)
	switch {
	case err == nil:
		return Result{Incident: inc, Outcome: OutcomeDuplicate}, true
	case errors.Is(err, storage.ErrNotFound):
		return Result{}, false
	default:
		return c.fail(ev, fmt.Errorf("lookup event id: %w", err)), true
	}
}

func (c *Correlator) findOrCreate(ctx context.Context, ev model.Event, dec rules.Decision) Result {
	existing, err := c.repo.FindOpenIncident(ctx, ev.MergeKey())
	switch {
	case err == nil:
		merged, err := c.repo.MergeIncident(ctx, existing.ID, MergeLine(ev), ev.EventID, c.now())
		if err != nil {
			return Result{Outcome: OutcomeError, Err: fmt.Errorf("merge incident %d: %w", existing.ID, err)}
		}
		return Result{Incident: merged, Outcome: OutcomeMerged}
	case !errors.Is(err, storage.ErrNotFound):
		return Result{Outcome: OutcomeError, Err: fmt.Errorf("find open incident: %w", err)}
	}

	created, err := c.repo.CreateIncident(ctx, model.Incident{
		EventID:   ev.EventID,
		TenantID:  ev.TenantID,
		Source:    ev.Source,
		EventType: ev.EventType,
		Title:     dec.Title,
		Desc:      seedDescription(ev),
		Severity:  model.ParseSeverity(string(dec.Severity), model.SeverityMedium),
		Status:    model.StatusOpen,
		UserID:    ev.UserID,
		CreatedAt: c.now(),
	}, ev.EventID)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: fmt.Errorf("create incident: %w", err)}
	}
	return Result{Incident: created, Outcome: OutcomeCreated}
}

func (c *Correlator) fail(ev model.Event, err error) Result {
	if c.logger != nil {
		c.logger.Error("incident correlation failed",
			"event_id", ev.EventID,
			"tenant_id", ev.TenantID,
			"source", ev.Source,
			"event_type", ev.EventType,
			"error", err,
		)
	}
	return Result{Outcome: OutcomeError, Err: err}
}

func seedDescription(ev model.Event) string {
	if d := oneLine(ev.Details); d != "" {
		return d
	}
	return summary(ev)
}

// MergeLine is the single line appended to an incident for a merged event.
func MergeLine(ev model.Event) string {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return "\n[+] Additional event at " + ts.UTC().Format(time.RFC3339) + " " + summary(ev)
}

func summary(ev model.Event) string {
	parts := []string{
		"source=" + oneLine(ev.Source),
		"event_type=" + oneLine(ev.EventType),
	}
	if ev.Severity != "" {
		parts = append(parts, "severity="+string(ev.Severity))
	}
	if d := oneLine(ev.Details); d != "" {
		parts = append(parts, "details="+strconv.Quote(d))
	}
	if len(ev.Data) > 0 {
		keys := make([]string, 0, len(ev.Data))
		for k := range ev.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v, ok := scalar(ev.Data[k]); ok {
				parts = append(parts, oneLine(k)+"="+v)
			}
		}
	}
	return strings.Join(parts, " ")
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strconv.Quote(oneLine(t)), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s)
}

// FromAnomaly turns an anomaly record into the synthetic event that runs
// through matching and correlation.
func FromAnomaly(origin model.Event, rec model.AnomalyRecord) model.Event {
	data := make(map[string]any, len(rec.Features)+1)
	for k, v := range rec.Features {
		data[k] = v
	}
	data["score"] = rec.Score
	eventID := ""
	if origin.EventID != "" {
		eventID = origin.EventID + ":ml"
	}
	return model.Event{
		EventID:   eventID,
		Source:    origin.Source,
		EventType: model.EventTypeMLAnomaly,
		Severity:  model.SeverityMedium,
		Details:   rec.Reason,
		Data:      data,
		TenantID:  origin.TenantID,
		UserID:    origin.UserID,
		Timestamp: origin.Timestamp,
	}
}
