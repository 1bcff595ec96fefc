package inventory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"threatwatch/internal/model"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Store tracks the servers that report heartbeats, keyed by tenant and
// hostname. The least recently seen server is evicted past limit.
type Store struct {
	mu           sync.RWMutex
	byKey        map[string]model.Server
	limit        int
	offlineAfter time.Duration
	now          func() time.Time
}

func NewStore(limit int, offlineAfter time.Duration) *Store {
	if limit <= 0 {
		limit = 5000
	}
	if offlineAfter <= 0 {
		offlineAfter = 2 * time.Minute
	}
	return &Store{
		byKey:        make(map[string]model.Server),
		limit:        limit,
		offlineAfter: offlineAfter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func key(tenant, hostname string) string {
	return tenant + "|" + strings.ToLower(hostname)
}

// Update records a heartbeat. Other event types are ignored.
func (s *Store) Update(ev model.Event) bool {
	if ev.EventType != model.EventTypeHeartbeat || ev.Source == "" {
		return false
	}
	seen := ev.Timestamp
	if seen.IsZero() {
		seen = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(ev.TenantID, ev.Source)
	srv := s.byKey[k]
	srv.TenantID = ev.TenantID
	srv.Hostname = ev.Source
	if ip := stringField(ev.Data, "ip_address", "ip"); ip != "" {
		srv.IPAddress = ip
	}
	if osInfo := stringField(ev.Data, "os_info", "os"); osInfo != "" {
		srv.OSInfo = osInfo
	}
	if seen.After(srv.LastHeartbeat) {
		srv.LastHeartbeat = seen
	}
	srv.Status = StatusOnline
	s.byKey[k] = srv
	if len(s.byKey) > s.limit {
		s.evictOldest()
	}
	return true
}

func (s *Store) List(tenant string) []model.Server {
	now := s.now()
	s.mu.RLock()
	out := make([]model.Server, 0)
	for _, srv := range s.byKey {
		if srv.TenantID != tenant {
			continue
		}
		out = append(out, s.withStatus(srv, now))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

func (s *Store) Get(tenant, hostname string) (model.Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.byKey[key(tenant, hostname)]
	if !ok {
		return model.Server{}, false
	}
	return s.withStatus(srv, s.now()), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

func (s *Store) withStatus(srv model.Server, now time.Time) model.Server {
	if now.Sub(srv.LastHeartbeat) > s.offlineAfter {
		srv.Status = StatusOffline
	} else {
		srv.Status = StatusOnline
	}
	return srv
}

func (s *Store) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, srv := range s.byKey {
		if oldestKey == "" || srv.LastHeartbeat.Before(oldest) {
			oldestKey = k
			oldest = srv.LastHeartbeat
		}
	}
	if oldestKey != "" {
		delete(s.byKey, oldestKey)
	}
}

func stringField(data map[string]any, names ...string) string {
	for _, n := range names {
		if v, ok := data[n].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
