package anomaly

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"testing"
	"time"

	"threatwatch/internal/model"
)

func heartbeat(tenant string, cpu, ram, disk, net, proc float64) model.Event {
	return model.Event{
		Source:    "host-1",
		EventType: model.EventTypeHeartbeat,
		TenantID:  tenant,
		Data: map[string]any{
			"cpu":           cpu,
			"ram":           ram,
			"disk_write_mb": disk,
			"net_out_mb":    net,
			"process_count": proc,
		},
	}
}

func normalHeartbeat(tenant string, i int) model.Event {
	return heartbeat(tenant,
		20+float64(i%10),
		40+float64(i/10),
		5+float64(i%7)*0.5,
		2+float64(i%5)*0.3,
		100+float64(i%13),
	)
}

func testOptions() Options {
	return Options{BufferSize: 100, NumTrees: 100, SampleSize: 256, Contamination: 0.05, Seed: 42}
}

func TestTrainingBoundaryAndScoring(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := NewRegistry(testOptions(), store, nil)
	defer reg.Close()

	for i := 0; i < 99; i++ {
		if rec := reg.Observe(ctx, normalHeartbeat("t1", i)); rec != nil {
			t.Fatalf("anomaly reported while training at %d", i)
		}
	}
	st := reg.Status(ctx, "t1")
	if st.Mode != ModeTraining || st.Samples != 99 || st.Progress != 99 || st.Trained {
		t.Fatalf("unexpected status before fill: %+v", st)
	}
	// the vector that fills the buffer triggers the fit, never a report
	if rec := reg.Observe(ctx, heartbeat("t1", 30, 50, 8, 3, 112)); rec != nil {
		t.Fatalf("anomaly reported on the fitting vector")
	}
	st = reg.Status(ctx, "t1")
	if st.Mode != ModeActive || !st.Trained || st.RequiredSamples != 100 {
		t.Fatalf("expected active after 100 vectors: %+v", st)
	}
	if blob, _ := store.Load(ctx, "t1"); len(blob) == 0 {
		t.Fatalf("model not persisted")
	}

	rec := reg.Observe(ctx, heartbeat("t1", 99, 99, 500, 500, 900))
	if rec == nil {
		t.Fatalf("expected the 101st extreme vector to be scored as an anomaly")
	}
	if rec.Features["cpu"] != 99 || rec.Score <= 0 || rec.Reason == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec := reg.Observe(ctx, heartbeat("t1", 24.5, 44.5, 6.5, 2.6, 106)); rec != nil {
		t.Fatalf("central vector flagged: %+v", rec)
	}
	st = reg.Status(ctx, "t1")
	if st.Mode != ModeActive {
		t.Fatalf("model must stay frozen: %+v", st)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(testOptions(), nil, nil)
	for i := 0; i < 100; i++ {
		reg.Observe(ctx, normalHeartbeat("t1", i))
	}
	if reg.Status(ctx, "t1").Mode != ModeActive {
		t.Fatalf("t1 should be active")
	}
	if st := reg.Status(ctx, "t2"); st.Mode != ModeTraining || st.Samples != 0 {
		t.Fatalf("t2 leaked state: %+v", st)
	}
	reg.Observe(ctx, normalHeartbeat("", 1))
	if st := reg.Status(ctx, ""); st.TenantID != GlobalTenant || st.Samples != 1 {
		t.Fatalf("global detector: %+v", st)
	}
}

func TestResetReturnsToTraining(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := NewRegistry(testOptions(), store, nil)
	for i := 0; i < 100; i++ {
		reg.Observe(ctx, normalHeartbeat("t1", i))
	}
	st := reg.Reset(ctx, "t1")
	if st.Mode != ModeTraining || st.Samples != 0 || st.Trained {
		t.Fatalf("unexpected status after reset: %+v", st)
	}
	if blob, _ := store.Load(ctx, "t1"); blob != nil {
		t.Fatalf("persisted model survived reset")
	}
	if rec := reg.Observe(ctx, heartbeat("t1", 99, 99, 500, 500, 900)); rec != nil {
		t.Fatalf("anomaly reported after reset")
	}
	if reg.Status(ctx, "t1").Samples != 1 {
		t.Fatalf("vector not buffered after reset")
	}
}

// blockingStore holds Save until release is closed.
type blockingStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, tenant string, blob []byte) error {
	b.entered <- struct{}{}
	<-b.release
	return b.MemoryStore.Save(ctx, tenant, blob)
}

func TestResetDuringPersistDeletesModel(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := newDetector("t1", testOptions(), store, nil, nil)
	for i := 0; i < 99; i++ {
		d.Observe(ctx, normalHeartbeat("t1", i))
	}
	fitted := make(chan struct{})
	go func() {
		defer close(fitted)
		d.Observe(ctx, normalHeartbeat("t1", 99))
	}()
	<-store.entered

	go func() {
		for d.Status().Mode != ModeTraining {
			time.Sleep(time.Millisecond)
		}
		close(store.release)
	}()
	d.Reset(ctx)
	<-fitted

	if st := d.Status(); st.Mode != ModeTraining || st.Trained {
		t.Fatalf("unexpected status after reset: %+v", st)
	}
	if blob, _ := store.Load(ctx, "t1"); blob != nil {
		t.Fatalf("reset model was persisted (%d bytes)", len(blob))
	}
	reg := NewRegistry(testOptions(), store.MemoryStore, nil)
	defer reg.Close()
	if st := reg.Status(ctx, "t1"); st.Mode != ModeTraining {
		t.Fatalf("restart loaded a discarded model: %+v", st)
	}
}

func TestIgnoresIncompleteAndOtherEvents(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(testOptions(), nil, nil)
	reg.Observe(ctx, model.Event{EventType: "login_failed", TenantID: "t1", Data: map[string]any{"cpu": 1.0, "ram": 1.0}})
	reg.Observe(ctx, model.Event{EventType: model.EventTypeHeartbeat, TenantID: "t1", Data: map[string]any{"cpu": 1.0}})
	if st := reg.Status(ctx, "t1"); st.Samples != 0 {
		t.Fatalf("unexpected samples: %+v", st)
	}
	reg.Observe(ctx, model.Event{EventType: model.EventTypeHeartbeat, TenantID: "t1", Data: map[string]any{"cpu": "12.5", "ram": 30.0}})
	if st := reg.Status(ctx, "t1"); st.Samples != 1 {
		t.Fatalf("optional features should default to zero: %+v", st)
	}
}

func TestShapeMismatchAutoResets(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	forest := NewForest(10, 16)
	rows := make([][]float64, 16)
	for i := range rows {
		rows[i] = []float64{float64(i), float64(i * 2), 1}
	}
	if err := forest.Fit(rows, rand.New(rand.NewPCG(1, 2))); err != nil {
		t.Fatalf("fit: %v", err)
	}
	blob, _ := json.Marshal(Model{Forest: forest, Threshold: 0.5})
	_ = store.Save(ctx, "t1", blob)

	reg := NewRegistry(testOptions(), store, nil)
	if st := reg.Status(ctx, "t1"); st.Mode != ModeActive {
		t.Fatalf("persisted model should load active: %+v", st)
	}
	if rec := reg.Observe(ctx, normalHeartbeat("t1", 0)); rec != nil {
		t.Fatalf("mismatch must not report: %+v", rec)
	}
	if st := reg.Status(ctx, "t1"); st.Mode != ModeTraining || st.Trained {
		t.Fatalf("expected auto reset: %+v", st)
	}
	if blob, _ := store.Load(ctx, "t1"); blob != nil {
		t.Fatalf("stale model not deleted")
	}
}

func TestAsyncTraining(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.AsyncTraining = true
	store := NewMemoryStore()
	reg := NewRegistry(opts, store, nil)
	for i := 0; i < 100; i++ {
		reg.Observe(ctx, normalHeartbeat("t1", i))
	}
	reg.Close()
	if st := reg.Status(ctx, "t1"); st.Mode != ModeActive || !st.Trained {
		t.Fatalf("async fit did not finish: %+v", st)
	}
	if blob, _ := store.Load(ctx, "t1"); len(blob) == 0 {
		t.Fatalf("async model not persisted")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if blob, err := fs.Load(ctx, "acme/1"); err != nil || blob != nil {
		t.Fatalf("empty load: %v %v", blob, err)
	}
	if err := fs.Save(ctx, "acme/1", []byte("m")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if blob, _ := fs.Load(ctx, "acme/1"); string(blob) != "m" {
		t.Fatalf("load: %q", blob)
	}
	if err := fs.Delete(ctx, "acme/1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := fs.Delete(ctx, "acme/1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestFileStoreKeepsSimilarTenantsApart(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	tenants := []string{"org.1", "org_1", "org-1", "ORG_1"}
	for _, tenant := range tenants {
		if err := fs.Save(ctx, tenant, []byte(tenant)); err != nil {
			t.Fatalf("save %s: %v", tenant, err)
		}
	}
	for _, tenant := range tenants {
		if blob, _ := fs.Load(ctx, tenant); string(blob) != tenant {
			t.Fatalf("%s loaded %q", tenant, blob)
		}
	}
}
