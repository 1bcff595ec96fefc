package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndNilSafety(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Incident("created")
	m.Incident("created")
	m.Incident("merged")
	m.EventProcessed("rest", "ok")
	if got := testutil.ToFloat64(m.incidents.WithLabelValues("created")); got != 2 {
		t.Fatalf("created: %v", got)
	}
	if got := testutil.ToFloat64(m.eventsProcessed.WithLabelValues("rest", "ok")); got != 1 {
		t.Fatalf("processed: %v", got)
	}

	var none *Metrics
	none.Incident("created")
	none.ObserveProcess(0.1)
}

func TestRegisterBroadcast(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterBroadcast(reg, func() int { return 3 }, func() uint64 { return 7 }, func() uint64 { return 1 })
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				found[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				found[mf.GetName()] = metric.GetCounter().GetValue()
			}
		}
	}
	if found["threatwatch_stream_subscribers"] != 3 || found["threatwatch_broadcast_dropped_total"] != 7 {
		t.Fatalf("unexpected values: %v", found)
	}
}
