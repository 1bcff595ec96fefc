package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	eventsProcessed *prometheus.CounterVec
	incidents       *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	consumerErrors  *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	processDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_events_processed_total",
			Help: "Events processed by ingest path and outcome.",
		}, []string{"path", "outcome"}),
		incidents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_incidents_total",
			Help: "Correlation outcomes (created, merged, duplicate, error).",
		}, []string{"outcome"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_anomalies_total",
			Help: "Anomalies reported by the per-tenant detectors.",
		}, []string{"tenant_id"}),
		consumerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_consumer_errors_total",
			Help: "Queue consumer failures by stage.",
		}, []string{"stage"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_notifications_total",
			Help: "Incident notifications by status.",
		}, []string{"status"}),
		processDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatwatch_event_process_seconds",
			Help:    "Time spent processing one event through the pipeline.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// RegisterBroadcast exposes broadcaster counters that are kept outside
// prometheus.
func RegisterBroadcast(reg prometheus.Registerer, subscribers func() int, dropped, relayDropped func() uint64) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "threatwatch_stream_subscribers",
		Help: "Connected live-stream subscribers.",
	}, func() float64 { return float64(subscribers()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "threatwatch_broadcast_dropped_total",
		Help: "Messages dropped because a subscriber queue was full.",
	}, func() float64 { return float64(dropped()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "threatwatch_relay_dropped_total",
		Help: "Messages dropped because the consumer relay buffer was full.",
	}, func() float64 { return float64(relayDropped()) })
}

func (m *Metrics) EventProcessed(path, outcome string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) Incident(outcome string) {
	if m == nil {
		return
	}
	m.incidents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Anomaly(tenant string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(tenant).Inc()
}

func (m *Metrics) ConsumerError(stage string) {
	if m == nil {
		return
	}
	m.consumerErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) Notification(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveProcess(seconds float64) {
	if m == nil {
		return
	}
	m.processDuration.Observe(seconds)
}
