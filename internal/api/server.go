package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threatwatch/internal/anomaly"
	"threatwatch/internal/broadcast"
	"threatwatch/internal/config"
	"threatwatch/internal/feed"
	"threatwatch/internal/identity"
	"threatwatch/internal/incident"
	"threatwatch/internal/inventory"
	"threatwatch/internal/logging"
	"threatwatch/internal/model"
	"threatwatch/internal/storage"
)

type Deps struct {
	Config      *config.Manager
	Store       storage.Store
	Correlator  *incident.Correlator
	Anomalies   *anomaly.Registry
	Inventory   *inventory.Store
	Feed        *feed.Store
	Broadcaster *broadcast.Broadcaster
	// Live receives lifecycle messages (status, notes, assignment).
	Live     broadcast.Publisher
	Ingest   http.Handler
	Verifier identity.Verifier
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	deps    Deps
	logger  *slog.Logger
	started time.Time
	stream  *broadcast.StreamHandler
}

type statusResponse struct {
	Status      string        `json:"status"`
	Time        string        `json:"time"`
	Version     string        `json:"version"`
	Uptime      string        `json:"uptime"`
	ConfigPath  string        `json:"config_path"`
	Ingest      ingestStatus  `json:"ingest"`
	Storage     string        `json:"storage"`
	Anomaly     bool          `json:"anomaly_detection"`
	Subscribers int           `json:"stream_subscribers"`
	Broadcast   broadcastStat `json:"broadcast"`
}

type ingestStatus struct {
	REST    bool `json:"rest"`
	Kafka   bool `json:"kafka"`
	Durable bool `json:"durable"`
}

type broadcastStat struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		deps:    deps,
		logger:  logging.Component(logger, "api"),
		started: time.Now().UTC(),
	}
	if deps.Broadcaster != nil {
		s.stream = broadcast.NewStreamHandler(deps.Broadcaster, deps.Verifier, deps.Config.Get().API.KeepAlive, logging.Component(logger, "stream"))
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	if s.stream != nil {
		// EventSource cannot set headers, so the stream verifies ?token= itself.
		r.Method(http.MethodGet, "/events/stream", s.stream)
	}

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(s.deps.Verifier))
		if s.deps.Ingest != nil {
			r.Method(http.MethodPost, "/ingest", s.deps.Ingest)
		}
		r.Get("/events/recent", s.handleRecent)
		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", s.handleListIncidents)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetIncident)
				r.Put("/status", s.handleUpdateStatus)
				r.Post("/notes", s.handleAddNote)
				r.Put("/assignees", s.handleAssign)
			})
		})
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Delete("/{id}", s.handleDeleteRule)
		})
		r.Get("/ml/status", s.handleMLStatus)
		r.Post("/ml/reset", s.handleMLReset)
		r.Get("/servers", s.handleServers)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	current := s.deps.Config.Get().API
	if !current.Enabled {
		s.logger.Info("api disabled")
		return nil
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if b := s.deps.Broadcaster; b != nil {
		// open streams never go idle; end them so Shutdown can finish
		httpServer.RegisterOnShutdown(b.Close)
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api enabled", "addr", current.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.deps.Version,
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		ConfigPath: s.deps.Config.Path(),
		Ingest: ingestStatus{
			REST:    cfg.API.Enabled,
			Kafka:   cfg.Ingest.Kafka.Enabled,
			Durable: cfg.Ingest.Kafka.Enabled && cfg.Ingest.Kafka.Publish,
		},
		Storage: cfg.Storage.Driver,
		Anomaly: cfg.Anomaly.Enabled && s.deps.Anomalies != nil,
	}
	if b := s.deps.Broadcaster; b != nil {
		resp.Subscribers = b.Subscribers()
		resp.Broadcast = broadcastStat{Published: b.Published(), Dropped: b.Dropped()}
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if s.deps.Feed == nil {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []model.Message{}, "count": 0})
		return
	}
	var list []model.Message
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.deps.Feed.Since(p.TenantID, ts)
	} else {
		list = s.deps.Feed.List(p.TenantID, queryInt(r, "limit", 0))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": list, "count": len(list)})
}

func (s *Server) handleMLStatus(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if s.deps.Anomalies == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tenant_id": p.TenantID, "enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Anomalies.Status(r.Context(), p.TenantID))
}

func (s *Server) handleMLReset(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if s.deps.Anomalies == nil {
		writeError(w, http.StatusConflict, "anomaly detection disabled")
		return
	}
	st := s.deps.Anomalies.Reset(r.Context(), p.TenantID)
	s.logger.Info("anomaly model reset", "tenant_id", p.TenantID, "user_id", p.UserID)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	servers := []model.Server{}
	if s.deps.Inventory != nil {
		servers = s.deps.Inventory.List(p.TenantID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers, "count": len(servers)})
}

func (s *Server) publish(msgs []model.Message) {
	if s.deps.Live == nil {
		return
	}
	for _, m := range msgs {
		s.deps.Live.Publish(m)
	}
}

func principal(r *http.Request) identity.Principal {
	p, _ := identity.FromContext(r.Context())
	return p
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil || json.Unmarshal(body, dst) != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// writeStoreError maps domain errors to status codes. Anything unknown is a
// storage failure.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, incident.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "conflicting update, retry")
	default:
		s.logger.Error("storage failure", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
