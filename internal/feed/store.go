package feed

import (
	"sync"
	"time"

	"threatwatch/internal/model"
)

// Store keeps the most recent broadcast messages for dashboard backfill.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Message
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{limit: limit}
}

func (s *Store) Add(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, msg)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = msg
}

// Publish records msg; it lets the feed sit behind a fan-out publisher.
func (s *Store) Publish(msg model.Message) {
	s.Add(msg)
}

// List returns up to limit of the tenant's newest messages, oldest first.
func (s *Store) List(tenant string, limit int) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]model.Message, 0)
	for _, m := range s.buf {
		if m.TenantID == tenant {
			matched = append(matched, m)
		}
	}
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	return matched[len(matched)-limit:]
}

func (s *Store) Since(tenant string, ts time.Time) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, 0)
	for _, m := range s.buf {
		if m.TenantID == tenant && !m.SentAt.Before(ts) {
			out = append(out, m)
		}
	}
	return out
}
