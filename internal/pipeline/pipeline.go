package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"threatwatch/internal/anomaly"
	"threatwatch/internal/broadcast"
	"threatwatch/internal/config"
	"threatwatch/internal/incident"
	"threatwatch/internal/inventory"
	"threatwatch/internal/logging"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
	"threatwatch/internal/rules"
)

const (
	PathDirect = "direct"
	PathQueue  = "queue"
)

// Notifier receives incidents that were created or merged.
type Notifier interface {
	Notify(inc model.Incident) bool
}

type notifyUpdater interface {
	Update(cfg config.NotifyConfig)
}

type Deps struct {
	Matcher    *rules.Matcher
	Correlator *incident.Correlator
	// Anomalies may be nil when detection is disabled.
	Anomalies *anomaly.Registry
	Inventory *inventory.Store
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Outcome describes what one event produced.
type Outcome struct {
	Event     model.Event
	Duplicate bool
	Decision  *rules.Decision
	Result    *incident.Result
	Anomaly   *model.AnomalyRecord
	// AnomalyResult is the correlation of the synthetic ml_anomaly event.
	AnomalyResult *incident.Result
	Messages      []model.Message
}

// Triggered reports whether the event matched a rule or was flagged.
func (o Outcome) Triggered() bool {
	return o.Decision != nil || o.Anomaly != nil
}

type Pipeline struct {
	deps   Deps
	logger *slog.Logger
	dedupe *DedupeCache
	cfg    atomic.Pointer[config.Config]
	now    func() time.Time
}

func New(cfg *config.Config, deps Deps) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	p := &Pipeline{
		deps:   deps,
		logger: logging.Component(logger, "pipeline"),
		dedupe: NewDedupeCache(0),
		now:    func() time.Time { return time.Now().UTC() },
	}
	p.UpdateConfig(cfg)
	return p
}

// UpdateConfig applies reloaded detection and notification settings.
func (p *Pipeline) UpdateConfig(cfg *config.Config) {
	p.cfg.Store(cfg)
	if p.deps.Matcher != nil {
		p.deps.Matcher.SetFallback(FallbackFrom(cfg.Detection))
	}
	if u, ok := p.deps.Notifier.(notifyUpdater); ok {
		u.Update(cfg.Notify)
	}
}

func (p *Pipeline) config() *config.Config {
	if c := p.cfg.Load(); c != nil {
		return c
	}
	return config.DefaultConfig()
}

func FallbackFrom(d config.DetectionConfig) rules.FallbackConfig {
	fb := rules.DefaultFallback()
	if d.LoginFailThreshold > 0 {
		fb.LoginFailThreshold = d.LoginFailThreshold
	}
	if len(d.CriticalEventTypes) > 0 {
		fb.CriticalEventTypes = append([]string(nil), d.CriticalEventTypes...)
	}
	return fb
}

// Handle processes ev and publishes its messages to pub.
func (p *Pipeline) Handle(ctx context.Context, ev model.Event, path string, pub broadcast.Publisher) Outcome {
	out := p.Process(ctx, ev, path)
	if pub != nil {
		for _, msg := range out.Messages {
			pub.Publish(msg)
		}
	}
	return out
}

// Process runs one normalized event through inventory, anomaly detection,
// rule matching, correlation and notification. It returns the messages to
// broadcast without publishing them.
func (p *Pipeline) Process(ctx context.Context, ev model.Event, path string) Outcome {
	start := time.Now()
	defer func() { p.deps.Metrics.ObserveProcess(time.Since(start).Seconds()) }()

	cfg := p.config()
	out := Outcome{Event: ev}
	if p.isDuplicate(ev, cfg.Detection.DedupeWindow) {
		out.Duplicate = true
		p.deps.Metrics.EventProcessed(path, "duplicate")
		p.logger.Debug("duplicate event dropped", "event_id", ev.EventID, "tenant_id", ev.TenantID)
		return out
	}

	if ev.EventType == model.EventTypeHeartbeat {
		if p.deps.Inventory != nil {
			p.deps.Inventory.Update(ev)
		}
		if p.deps.Anomalies != nil && cfg.Anomaly.Enabled {
			out.Anomaly = p.deps.Anomalies.Observe(ctx, ev)
		}
	}

	var ruleResults []string
	var summary *model.IncidentSummary

	if dec, ok := p.deps.Matcher.Evaluate(ctx, ev); ok {
		out.Decision = &dec
		res := p.correlate(ctx, ev, dec)
		out.Result = &res
		ruleResults = append(ruleResults, dec.Title)
		if res.Incident != nil {
			summary = model.Summarize(res.Incident, res.Merged())
		}
	}

	if out.Anomaly != nil {
		p.deps.Metrics.Anomaly(ev.TenantID)
		synthetic := incident.FromAnomaly(ev, *out.Anomaly)
		if dec, ok := p.deps.Matcher.Evaluate(ctx, synthetic); ok {
			res := p.correlate(ctx, synthetic, dec)
			out.AnomalyResult = &res
			ruleResults = append(ruleResults, dec.Title)
			if summary == nil && res.Incident != nil {
				summary = model.Summarize(res.Incident, res.Merged())
			}
		}
	}

	if failed(out.Result) || failed(out.AnomalyResult) {
		// nothing was recorded for this id; a retry must be processed again
		p.dedupe.Forget(dedupeKey(ev))
		p.deps.Metrics.EventProcessed(path, "error")
	} else {
		p.deps.Metrics.EventProcessed(path, "ok")
	}
	if ev.EventType == model.EventTypeHeartbeat && !out.Triggered() {
		return out
	}
	evCopy := ev
	out.Messages = append(out.Messages, model.Message{
		Type:        model.MessageEvent,
		TenantID:    ev.TenantID,
		Event:       &evCopy,
		RuleResults: ruleResults,
		Incident:    summary,
		SentAt:      p.now(),
	})
	return out
}

func (p *Pipeline) correlate(ctx context.Context, ev model.Event, dec rules.Decision) incident.Result {
	res := p.deps.Correlator.Correlate(ctx, ev, dec)
	p.deps.Metrics.Incident(string(res.Outcome))
	if res.Err != nil {
		return res
	}
	if (res.Created() || res.Merged()) && p.deps.Notifier != nil && res.Incident != nil {
		p.deps.Notifier.Notify(*res.Incident)
	}
	return res
}

func failed(res *incident.Result) bool {
	return res != nil && res.Err != nil
}

func dedupeKey(ev model.Event) string {
	return ev.TenantID + "|" + ev.EventID
}

func (p *Pipeline) isDuplicate(ev model.Event, window time.Duration) bool {
	if window <= 0 || ev.EventID == "" {
		return false
	}
	return p.dedupe.Seen(dedupeKey(ev), p.now(), window)
}
