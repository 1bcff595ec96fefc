package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"threatwatch/internal/config"
	"threatwatch/internal/logging"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
)

type settings struct {
	minSeverity    model.Severity
	cooldown       time.Duration
	timeout        time.Duration
	defaultContact string
	contacts       map[string]string
}

func settingsFrom(cfg config.NotifyConfig) *settings {
	contacts := make(map[string]string, len(cfg.TenantContacts))
	for k, v := range cfg.TenantContacts {
		contacts[k] = v
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &settings{
		minSeverity:    model.ParseSeverity(cfg.MinSeverity, model.SeverityHigh),
		cooldown:       cfg.Cooldown,
		timeout:        timeout,
		defaultContact: cfg.DefaultContact,
		contacts:       contacts,
	}
}

// Dispatcher queues incident notifications and delivers them from a worker
// pool. Enqueueing never blocks the caller.
type Dispatcher struct {
	sender   Sender
	logger   *slog.Logger
	metrics  *metrics.Metrics
	queue    chan Notification
	workers  int
	limiter  *rate.Limiter
	cooldown *Cooldown
	cfg      atomic.Pointer[settings]
	wg       sync.WaitGroup
}

func NewDispatcher(sender Sender, cfg config.NotifyConfig, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 100
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 3
	}
	if logger == nil {
		logger = logging.Discard()
	}
	d := &Dispatcher{
		sender:   sender,
		logger:   logging.Component(logger, "notify"),
		metrics:  m,
		queue:    make(chan Notification, buffer),
		workers:  workers,
		limiter:  rate.NewLimiter(limitFor(cfg.RatePerSecond), max(1, cfg.Burst)),
		cooldown: NewCooldown(),
	}
	d.cfg.Store(settingsFrom(cfg))
	return d
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// Update applies reloaded settings. Queue size and worker count are fixed at
// construction.
func (d *Dispatcher) Update(cfg config.NotifyConfig) {
	if d == nil {
		return
	}
	d.cfg.Store(settingsFrom(cfg))
	d.limiter.SetLimit(limitFor(cfg.RatePerSecond))
	d.limiter.SetBurst(max(1, cfg.Burst))
}

// Notify enqueues a notification for inc when it passes the severity gate
// and the per-incident cooldown. It reports whether one was queued.
func (d *Dispatcher) Notify(inc model.Incident) bool {
	if d == nil {
		return false
	}
	s := d.cfg.Load()
	if !inc.Severity.AtLeast(s.minSeverity) {
		return false
	}
	if !d.cooldown.Allow(inc.ID, s.cooldown) {
		d.metrics.Notification("suppressed")
		return false
	}
	contact := s.contacts[inc.TenantID]
	if contact == "" {
		contact = s.defaultContact
	}
	n := Notification{
		IncidentID:         inc.ID,
		Title:              inc.Title,
		Severity:           inc.Severity,
		TenantID:           inc.TenantID,
		TenantAdminContact: contact,
		AlertCount:         inc.AlertCount,
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.metrics.Notification("dropped")
		d.logger.Warn("notification queue full, dropping", "incident_id", inc.ID, "tenant_id", inc.TenantID)
		return false
	}
}

// Run starts the workers and blocks until ctx is done and the queue is
// drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("notification dispatcher started", "sender", d.sender.Name(), "workers", d.workers)
	for range d.workers {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return nil
		case <-prune.C:
			if s := d.cfg.Load(); s.cooldown > 0 {
				d.cooldown.Prune(s.cooldown)
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case n := <-d.queue:
					d.deliver(context.WithoutCancel(ctx), n)
				default:
					return
				}
			}
		case n := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				d.deliver(context.WithoutCancel(ctx), n)
				continue
			}
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Load().timeout)
	defer cancel()
	if err := d.sender.Send(ctx, n); err != nil {
		d.metrics.Notification("failed")
		d.logger.Error("notification failed", "incident_id", n.IncidentID, "tenant_id", n.TenantID, "error", err)
		return
	}
	d.metrics.Notification("sent")
	d.logger.Debug("notification sent", "incident_id", n.IncidentID, "tenant_id", n.TenantID)
}
