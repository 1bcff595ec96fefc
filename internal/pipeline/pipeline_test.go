package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"threatwatch/internal/anomaly"
	"threatwatch/internal/config"
	"threatwatch/internal/feed"
	"threatwatch/internal/incident"
	"threatwatch/internal/inventory"
	"threatwatch/internal/model"
	"threatwatch/internal/rules"
	"threatwatch/internal/storage"
)

type recordingNotifier struct {
	mu        sync.Mutex
	incidents []model.Incident
	updates   int
}

func (r *recordingNotifier) Notify(inc model.Incident) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc)
	return true
}

func (r *recordingNotifier) Update(config.NotifyConfig) {
	r.mu.Lock()
	r.updates++
	r.mu.Unlock()
}

type harness struct {
	p        *Pipeline
	store    storage.Store
	notifier *recordingNotifier
	inv      *inventory.Store
	anomaly  *anomaly.Registry
}

func newHarness(t *testing.T, bufferSize int) *harness {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "pipeline.db") + "?_pragma=busy_timeout(5000)"
	store, err := storage.NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg := config.DefaultConfig()
	reg := anomaly.NewRegistry(anomaly.Options{BufferSize: bufferSize, NumTrees: 100, SampleSize: 256, Contamination: 0.05, Seed: 42}, anomaly.NewMemoryStore(), nil)
	t.Cleanup(reg.Close)
	h := &harness{
		store:    store,
		notifier: &recordingNotifier{},
		inv:      inventory.NewStore(100, time.Minute),
		anomaly:  reg,
	}
	h.p = New(cfg, Deps{
		Matcher:    rules.NewMatcher(store, FallbackFrom(cfg.Detection), nil),
		Correlator: incident.NewCorrelator(store, nil, nil),
		Anomalies:  reg,
		Inventory:  h.inv,
		Notifier:   h.notifier,
	})
	return h
}

func event(id, eventType string, data map[string]any) model.Event {
	return model.Event{
		EventID:   id,
		Source:    "web-1",
		EventType: eventType,
		Severity:  model.SeverityLow,
		TenantID:  "t1",
		UserID:    "u1",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func TestRootLoginScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	_, err := h.store.SaveRule(ctx, model.Rule{
		TenantID: "t1",
		Name:     "Root Login",
		Conditions: []model.Condition{
			{Field: "event_type", Op: model.OpEquals, Value: "ssh_login"},
			{Field: "data.user", Op: model.OpEquals, Value: "root"},
		},
		Severity: model.SeverityCritical,
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("save rule: %v", err)
	}
	recent := feed.NewStore(10)

	first := h.p.Handle(ctx, event("e1", "ssh_login", map[string]any{"user": "root"}), PathDirect, recent)
	if first.Result == nil || !first.Result.Created() {
		t.Fatalf("expected created incident: %+v", first.Result)
	}
	inc := first.Result.Incident
	if inc.Title != "Root Login" || inc.Severity != model.SeverityCritical || inc.AlertCount != 1 {
		t.Fatalf("unexpected incident: %+v", inc)
	}
	if len(first.Messages) != 1 || first.Messages[0].Type != model.MessageEvent ||
		first.Messages[0].RuleResults[0] != "Root Login" || first.Messages[0].Incident.ID != inc.ID {
		t.Fatalf("unexpected messages: %+v", first.Messages)
	}

	second := h.p.Handle(ctx, event("e2", "ssh_login", map[string]any{"user": "root"}), PathDirect, recent)
	if second.Result == nil || !second.Result.Merged() || second.Result.Incident.AlertCount != 2 {
		t.Fatalf("expected merge into the same incident: %+v", second.Result)
	}
	if second.Result.Incident.ID != inc.ID || !second.Messages[0].Incident.Merged {
		t.Fatalf("merged into a different incident")
	}
	if len(h.notifier.incidents) != 2 {
		t.Fatalf("notifier calls: %d", len(h.notifier.incidents))
	}
	if got := recent.List("t1", 0); len(got) != 2 {
		t.Fatalf("feed: %d", len(got))
	}

	other := h.p.Process(ctx, event("e3", "ssh_login", map[string]any{"user": "alice"}), PathDirect)
	if other.Decision != nil || len(other.Messages) != 1 || other.Messages[0].Incident != nil {
		t.Fatalf("non-root login should only be broadcast: %+v", other)
	}
}

func TestDuplicateEventIDIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	ev := event("dup-1", "malware_detected", nil)
	first := h.p.Process(ctx, ev, PathQueue)
	if first.Result == nil || !first.Result.Created() {
		t.Fatalf("expected created: %+v", first.Result)
	}
	second := h.p.Process(ctx, ev, PathQueue)
	if !second.Duplicate || len(second.Messages) != 0 {
		t.Fatalf("expected duplicate drop: %+v", second)
	}
	inc, err := h.store.GetIncident(ctx, first.Result.Incident.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inc.AlertCount != 1 {
		t.Fatalf("duplicate changed alert_count: %d", inc.AlertCount)
	}
}

func TestSameEventIDInTwoTenants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	a := event("e1", "malware_detected", nil)
	b := event("e1", "malware_detected", nil)
	b.TenantID = "t2"
	b.Source = "db-9"

	ra := h.p.Process(ctx, a, PathQueue)
	rb := h.p.Process(ctx, b, PathQueue)
	if rb.Duplicate || rb.Result == nil || !rb.Result.Created() {
		t.Fatalf("t2 event was treated as a duplicate: %+v", rb.Result)
	}
	if rb.Result.Incident.ID == ra.Result.Incident.ID || rb.Result.Incident.TenantID != "t2" {
		t.Fatalf("t2 got t1's incident: %+v", rb.Result.Incident)
	}
	msg := rb.Messages[0]
	if msg.TenantID != "t2" || msg.Incident == nil || msg.Incident.ID != rb.Result.Incident.ID {
		t.Fatalf("t2 message carries the wrong incident: %+v", msg.Incident)
	}
	list, err := h.store.ListIncidents(ctx, model.IncidentFilter{TenantID: "t2"})
	if err != nil || len(list) != 1 {
		t.Fatalf("t2 incidents: %d %v", len(list), err)
	}
}

type flakyRepo struct {
	storage.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyRepo) CreateIncident(ctx context.Context, inc model.Incident, eventID string) (*model.Incident, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return f.Store.CreateIncident(ctx, inc, eventID)
}

func TestRetryAfterCorrelationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	h.p.deps.Correlator = incident.NewCorrelator(&flakyRepo{Store: h.store, failures: 1}, nil, nil)
	ev := event("retry-1", "malware_detected", nil)

	first := h.p.Process(ctx, ev, PathDirect)
	if first.Result == nil || first.Result.Err == nil {
		t.Fatalf("expected correlation failure: %+v", first.Result)
	}
	second := h.p.Process(ctx, ev, PathDirect)
	if second.Duplicate {
		t.Fatalf("retry of a failed event was dropped as duplicate")
	}
	if second.Result == nil || !second.Result.Created() {
		t.Fatalf("retry should create the incident: %+v", second.Result)
	}
	if third := h.p.Process(ctx, ev, PathDirect); !third.Duplicate {
		t.Fatalf("successful event should now be deduplicated")
	}
}

func TestDuplicateAfterCacheIsAbsorbedByStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	ev := event("dup-2", "malware_detected", nil)
	h.p.Process(ctx, ev, PathQueue)
	h.p.dedupe = NewDedupeCache(0)
	again := h.p.Process(ctx, ev, PathQueue)
	if again.Result == nil || !again.Result.Duplicate() || again.Result.Incident.AlertCount != 1 {
		t.Fatalf("expected store-level duplicate: %+v", again.Result)
	}
}

func TestHeartbeatWithoutTriggerIsNotBroadcast(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	out := h.p.Process(ctx, event("hb-1", model.EventTypeHeartbeat, map[string]any{"cpu": 10.0, "ram": 20.0, "ip_address": "10.0.0.1"}), PathDirect)
	if out.Triggered() || len(out.Messages) != 0 {
		t.Fatalf("plain heartbeat should be silent: %+v", out)
	}
	if _, ok := h.inv.Get("t1", "web-1"); !ok {
		t.Fatalf("inventory not updated")
	}
	if st := h.anomaly.Status(ctx, "t1"); st.Samples != 1 {
		t.Fatalf("heartbeat not buffered: %+v", st)
	}
}

func TestAnomalyOpensIncident(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	for i := 0; i < 100; i++ {
		data := map[string]any{
			"cpu":           20 + float64(i%10),
			"ram":           40 + float64(i/10),
			"disk_write_mb": 5 + float64(i%7)*0.5,
			"net_out_mb":    2 + float64(i%5)*0.3,
			"process_count": 100 + float64(i%13),
		}
		h.p.Process(ctx, event(fmt.Sprintf("hb-%d", i), model.EventTypeHeartbeat, data), PathDirect)
	}
	out := h.p.Process(ctx, event("hb-spike", model.EventTypeHeartbeat, map[string]any{
		"cpu": 99.0, "ram": 99.0, "disk_write_mb": 500.0, "net_out_mb": 500.0, "process_count": 900.0,
	}), PathDirect)
	if out.Anomaly == nil {
		t.Fatalf("expected anomaly")
	}
	if out.AnomalyResult == nil || !out.AnomalyResult.Created() {
		t.Fatalf("expected ml incident: %+v", out.AnomalyResult)
	}
	inc := out.AnomalyResult.Incident
	if inc.EventType != model.EventTypeMLAnomaly || inc.Title != "ML Anomaly: web-1" || inc.EventID != "hb-spike:ml" {
		t.Fatalf("unexpected ml incident: %+v", inc)
	}
	if len(out.Messages) != 1 || !strings.HasPrefix(out.Messages[0].RuleResults[0], "ML Anomaly") {
		t.Fatalf("anomalous heartbeat should be broadcast: %+v", out.Messages)
	}
}

func TestUpdateConfigAppliesFallbackAndNotify(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	login := func(id string, n float64) Outcome {
		return h.p.Process(ctx, event(id, "login_failed", map[string]any{"fail_count": n}), PathDirect)
	}
	if out := login("l1", 4); out.Decision == nil {
		t.Fatalf("default threshold 3 should match 4")
	}
	cfg := config.DefaultConfig()
	cfg.Detection.LoginFailThreshold = 10
	h.p.UpdateConfig(cfg)
	if out := login("l2", 4); out.Decision != nil {
		t.Fatalf("raised threshold should not match 4")
	}
	if h.notifier.updates < 2 {
		t.Fatalf("notifier not updated: %d", h.notifier.updates)
	}
}

func TestDedupeCacheWindow(t *testing.T) {
	d := NewDedupeCache(2)
	now := time.Now()
	if d.Seen("t1|e1", now, time.Minute) {
		t.Fatalf("first sighting reported as seen")
	}
	if !d.Seen("t1|e1", now.Add(30*time.Second), time.Minute) {
		t.Fatalf("repeat inside window not detected")
	}
	if d.Seen("t1|e1", now.Add(2*time.Minute), time.Minute) {
		t.Fatalf("repeat after window should pass")
	}
	d.Seen("t1|e2", now.Add(2*time.Minute), time.Minute)
	d.Seen("t1|e3", now.Add(2*time.Minute), time.Minute)
	if d.Len() != 2 {
		t.Fatalf("bound not enforced: %d keys", d.Len())
	}
	if d.Seen("t1|e1", now.Add(2*time.Minute), time.Minute) {
		t.Fatalf("oldest key should have been evicted")
	}
	d.Seen("t1|e4", now.Add(10*time.Minute), time.Minute)
	if d.Len() != 1 {
		t.Fatalf("expired keys kept: %d", d.Len())
	}
}
