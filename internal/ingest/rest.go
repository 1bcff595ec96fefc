package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"threatwatch/internal/broadcast"
	"threatwatch/internal/config"
	"threatwatch/internal/identity"
	"threatwatch/internal/logging"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
	"threatwatch/internal/normalize"
	"threatwatch/internal/pipeline"
)

// EventQueue is the durable hand-off used when REST ingest is routed
// through Kafka.
type EventQueue interface {
	Publish(ctx context.Context, ev model.Event) error
}

type EventResult struct {
	EventID     string   `json:"event_id,omitempty"`
	Outcome     string   `json:"outcome"`
	IncidentID  int64    `json:"incident_id,omitempty"`
	RuleResults []string `json:"rule_results,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type IngestResponse struct {
	Accepted int           `json:"accepted"`
	Failed   int           `json:"failed"`
	Results  []EventResult `json:"results"`
}

// RESTHandler serves POST /ingest. Events are stamped with the caller's
// verified principal; tenant and user in the body are ignored.
type RESTHandler struct {
	cfg     *config.Manager
	proc    Processor
	live    broadcast.Publisher
	queue   EventQueue
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRESTHandler(cfg *config.Manager, proc Processor, live broadcast.Publisher, queue EventQueue, m *metrics.Metrics, logger *slog.Logger) *RESTHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RESTHandler{cfg: cfg, proc: proc, live: live, queue: queue, metrics: m, logger: logging.Component(logger, "rest-ingest")}
}

func (h *RESTHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	cfg := h.cfg.Get()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.API.MaxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}
	wires, err := DecodeBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed event payload")
		return
	}

	durable := h.queue != nil && cfg.Ingest.Kafka.Publish
	id := normalize.Identity{TenantID: principal.TenantID, UserID: principal.UserID}
	opts := NormalizeOptions(cfg)
	resp := IngestResponse{Results: make([]EventResult, 0, len(wires))}
	for _, wire := range wires {
		res := h.ingestOne(r.Context(), wire, id, opts, durable)
		if res.Outcome == "rejected" || res.Outcome == "queue_failed" {
			resp.Failed++
		} else {
			resp.Accepted++
		}
		resp.Results = append(resp.Results, res)
	}

	status := http.StatusOK
	switch {
	case resp.Accepted == 0 && resp.Failed > 0:
		status = http.StatusBadRequest
	case durable:
		status = http.StatusAccepted
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *RESTHandler) ingestOne(ctx context.Context, wire normalize.WireEvent, id normalize.Identity, opts normalize.Options, durable bool) EventResult {
	ev, err := normalize.Normalize(wire, id, opts)
	if err != nil {
		h.metrics.EventProcessed(pipeline.PathDirect, "rejected")
		return EventResult{EventID: wire.EventID, Outcome: "rejected", Error: err.Error()}
	}
	if durable {
		if err := h.queue.Publish(ctx, ev); err != nil {
			h.logger.Error("queue publish failed", "event_id", ev.EventID, "tenant_id", ev.TenantID, "error", err)
			return EventResult{EventID: ev.EventID, Outcome: "queue_failed", Error: "event could not be queued"}
		}
		return EventResult{EventID: ev.EventID, Outcome: "queued"}
	}
	out := h.proc.Handle(ctx, ev, pipeline.PathDirect, h.live)
	return resultFor(out)
}

func resultFor(out pipeline.Outcome) EventResult {
	res := EventResult{EventID: out.Event.EventID, Outcome: "processed"}
	if out.Duplicate {
		res.Outcome = "duplicate"
		return res
	}
	primary := out.Result
	if primary == nil {
		primary = out.AnomalyResult
	}
	if primary != nil {
		res.Outcome = string(primary.Outcome)
		if primary.Incident != nil {
			res.IncidentID = primary.Incident.ID
		}
		if primary.Err != nil {
			res.Error = "incident correlation failed"
		}
	}
	if out.Decision != nil {
		res.RuleResults = out.Decision.Matched
	}
	return res
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

