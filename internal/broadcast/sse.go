package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"threatwatch/internal/identity"
)

// StreamHandler serves the live message stream as server-sent events,
// limited to the caller's tenant.
type StreamHandler struct {
	b         *Broadcaster
	verifier  identity.Verifier
	keepAlive time.Duration
	logger    *slog.Logger
}

func NewStreamHandler(b *Broadcaster, verifier identity.Verifier, keepAlive time.Duration, logger *slog.Logger) *StreamHandler {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &StreamHandler{b: b, verifier: verifier, keepAlive: keepAlive, logger: logger}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		var err error
		p, err = h.verifier.Verify(identity.TokenFromRequest(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.b.Subscribe(WithTenant(p.TenantID))
	defer h.b.Unsubscribe(sub.ID())
	if h.logger != nil {
		h.logger.Info("stream client connected", "subscriber_id", sub.ID(), "tenant_id", p.TenantID, "user_id", p.UserID)
		defer h.logger.Info("stream client disconnected", "subscriber_id", sub.ID(), "tenant_id", p.TenantID)
	}

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-sub.C():
			data, err := json.Marshal(msg)
			if err != nil {
				if h.logger != nil {
					h.logger.Error("encode stream message failed", "type", msg.Type, "error", err)
				}
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
