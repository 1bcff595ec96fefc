package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"threatwatch/internal/model"
)

type Mode string

const (
	ModeTraining Mode = "training"
	ModeActive   Mode = "active"
)

type Options struct {
	BufferSize    int
	NumTrees      int
	SampleSize    int
	Contamination float64
	AsyncTraining bool
	// Seed makes fits reproducible; zero picks a random seed.
	Seed uint64
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.NumTrees <= 0 {
		o.NumTrees = 100
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 256
	}
	if o.Contamination <= 0 || o.Contamination >= 0.5 {
		o.Contamination = 0.05
	}
	return o
}

// Model is the persisted form of a fitted detector.
type Model struct {
	Forest    *Forest   `json:"forest"`
	Threshold float64   `json:"threshold"`
	Features  []string  `json:"features"`
	TrainedAt time.Time `json:"trained_at"`
}

type Status struct {
	TenantID        string `json:"tenant_id"`
	Mode            Mode   `json:"mode"`
	Samples         int    `json:"samples"`
	RequiredSamples int    `json:"required_samples"`
	Progress        int    `json:"progress"`
	Trained         bool   `json:"trained"`
	Fitting         bool   `json:"fitting,omitempty"`
}

// Detector holds one tenant's training buffer and frozen model.
type Detector struct {
	tenant string
	opts   Options
	store  ModelStore
	logger *slog.Logger
	wg     *sync.WaitGroup

	// persistMu orders Save against Reset's Delete so a reset model is
	// never written back.
	persistMu sync.Mutex

	mu      sync.Mutex
	mode    Mode
	buffer  [][]float64
	model   *Model
	fitting bool
	gen     uint64
}

func newDetector(tenant string, opts Options, store ModelStore, logger *slog.Logger, wg *sync.WaitGroup) *Detector {
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	return &Detector{
		tenant: tenant,
		opts:   opts.withDefaults(),
		store:  store,
		logger: logger,
		wg:     wg,
		mode:   ModeTraining,
		buffer: make([][]float64, 0, opts.withDefaults().BufferSize),
	}
}

// load restores a persisted model; a detector with a model starts active.
func (d *Detector) load(ctx context.Context) {
	if d.store == nil {
		return
	}
	blob, err := d.store.Load(ctx, d.tenant)
	if err != nil {
		d.logError("load anomaly model failed", err)
		return
	}
	if len(blob) == 0 {
		return
	}
	var m Model
	if err := json.Unmarshal(blob, &m); err != nil || m.Forest == nil {
		d.logError("decode anomaly model failed", fmt.Errorf("corrupt model blob: %v", err))
		return
	}
	d.mu.Lock()
	d.model = &m
	d.mode = ModeActive
	d.mu.Unlock()
}

// Observe feeds one event. It returns a record only for outliers scored by an
// active model.
func (d *Detector) Observe(ctx context.Context, ev model.Event) *model.AnomalyRecord {
	vec, ok := Extract(ev)
	if !ok {
		return nil
	}
	d.mu.Lock()
	if d.mode == ModeActive {
		m := d.model
		d.mu.Unlock()
		return d.score(ctx, m, vec)
	}
	if d.fitting {
		d.mu.Unlock()
		return nil
	}
	d.buffer = append(d.buffer, vec)
	if len(d.buffer) > d.opts.BufferSize {
		d.buffer = d.buffer[len(d.buffer)-d.opts.BufferSize:]
	}
	if len(d.buffer) < d.opts.BufferSize {
		d.mu.Unlock()
		return nil
	}
	training := make([][]float64, len(d.buffer))
	copy(training, d.buffer)
	d.fitting = true
	gen := d.gen
	d.mu.Unlock()

	if d.opts.AsyncTraining {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.fit(context.WithoutCancel(ctx), training, gen)
		}()
		return nil
	}
	d.fit(ctx, training, gen)
	return nil
}

func (d *Detector) fit(ctx context.Context, training [][]float64, gen uint64) {
	seed := d.opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	forest := NewForest(d.opts.NumTrees, d.opts.SampleSize)
	err := forest.Fit(training, rng)
	var threshold float64
	if err == nil {
		threshold, err = forest.Threshold(training, d.opts.Contamination)
	}

	d.mu.Lock()
	if gen != d.gen {
		// reset while fitting; discard
		d.mu.Unlock()
		return
	}
	d.fitting = false
	if err != nil {
		d.buffer = d.buffer[:0]
		d.mu.Unlock()
		d.logError("anomaly fit failed", err)
		return
	}
	m := &Model{Forest: forest, Threshold: threshold, Features: FeatureNames, TrainedAt: time.Now().UTC()}
	d.model = m
	d.mode = ModeActive
	d.buffer = d.buffer[:0]
	d.mu.Unlock()

	if d.logger != nil {
		d.logger.Info("anomaly model trained", "tenant_id", d.tenant, "samples", len(training), "threshold", threshold)
	}
	if d.store == nil {
		return
	}
	blob, err := json.Marshal(m)
	if err != nil {
		d.logError("encode anomaly model failed", err)
		return
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	d.mu.Lock()
	current := gen == d.gen
	d.mu.Unlock()
	if !current {
		return
	}
	if err := d.store.Save(ctx, d.tenant, blob); err != nil {
		d.logError("persist anomaly model failed", err)
	}
}

func (d *Detector) score(ctx context.Context, m *Model, vec []float64) *model.AnomalyRecord {
	s, err := m.Forest.Score(vec)
	if err != nil {
		if errors.Is(err, ErrShapeMismatch) {
			if d.logger != nil {
				d.logger.Warn("anomaly model shape mismatch, resetting", "tenant_id", d.tenant, "error", err)
			}
			d.Reset(ctx)
			return nil
		}
		d.logError("anomaly score failed", err)
		return nil
	}
	if s <= m.Threshold {
		return nil
	}
	return &model.AnomalyRecord{
		Score:    s,
		Reason:   fmt.Sprintf("Anomaly Detected (Score: %.2f)", s),
		Features: snapshot(vec),
	}
}

// Reset discards the buffer, the model and its persisted copy.
func (d *Detector) Reset(ctx context.Context) {
	d.mu.Lock()
	d.gen++
	d.mode = ModeTraining
	d.model = nil
	d.fitting = false
	d.buffer = d.buffer[:0]
	d.mu.Unlock()
	if d.store == nil {
		return
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	if err := d.store.Delete(ctx, d.tenant); err != nil {
		d.logError("delete anomaly model failed", err)
	}
}

func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	samples := len(d.buffer)
	progress := samples * 100 / d.opts.BufferSize
	if d.mode == ModeActive {
		samples = d.opts.BufferSize
		progress = 100
	}
	return Status{
		TenantID:        d.tenant,
		Mode:            d.mode,
		Samples:         samples,
		RequiredSamples: d.opts.BufferSize,
		Progress:        progress,
		Trained:         d.model != nil,
		Fitting:         d.fitting,
	}
}

func (d *Detector) logError(msg string, err error) {
	if d.logger != nil {
		d.logger.Error(msg, "tenant_id", d.tenant, "error", err)
	}
}
