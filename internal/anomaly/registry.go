package anomaly

import (
	"context"
	"log/slog"
	"sync"

	"threatwatch/internal/model"
)

// GlobalTenant keys the detector for events without a tenant.
const GlobalTenant = model.ReservedTenant

// Registry owns one detector per tenant, created on first use.
type Registry struct {
	opts   Options
	store  ModelStore
	logger *slog.Logger

	mu        sync.Mutex
	detectors map[string]*Detector
	wg        sync.WaitGroup
	closed    bool
}

func NewRegistry(opts Options, store ModelStore, logger *slog.Logger) *Registry {
	return &Registry{
		opts:      opts.withDefaults(),
		store:     store,
		logger:    logger,
		detectors: make(map[string]*Detector),
	}
}

func tenantKey(tenant string) string {
	if tenant == "" {
		return GlobalTenant
	}
	return tenant
}

func (r *Registry) Detector(ctx context.Context, tenant string) *Detector {
	key := tenantKey(tenant)
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.detectors[key]; ok {
		return d
	}
	d := newDetector(key, r.opts, r.store, r.logger, &r.wg)
	d.load(ctx)
	r.detectors[key] = d
	return d
}

// Observe routes a heartbeat to its tenant's detector.
func (r *Registry) Observe(ctx context.Context, ev model.Event) *model.AnomalyRecord {
	if _, ok := Extract(ev); !ok {
		return nil
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil
	}
	return r.Detector(ctx, ev.TenantID).Observe(ctx, ev)
}

func (r *Registry) Reset(ctx context.Context, tenant string) Status {
	d := r.Detector(ctx, tenant)
	d.Reset(ctx)
	return d.Status()
}

func (r *Registry) Status(ctx context.Context, tenant string) Status {
	return r.Detector(ctx, tenant).Status()
}

// Close stops accepting events and waits for in-flight async fits.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
