package pipeline

import (
	"sync"
	"time"
)

type sighting struct {
	key string
	at  time.Time
}

// DedupeCache remembers recently seen event keys so that a redelivered
// event is dropped before it reaches the anomaly buffers. Keys expire in
// arrival order and the cache never holds more than max keys.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
	order []sighting
	max   int
}

func NewDedupeCache(limit int) *DedupeCache {
	if limit <= 0 {
		limit = 10000
	}
	return &DedupeCache{items: make(map[string]time.Time), max: limit}
}

// Seen reports whether key was recorded within window of now and records
// the sighting when it was not.
func (d *DedupeCache) Seen(key string, now time.Time, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire(now, window)
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= window {
		return true
	}
	d.items[key] = now
	d.order = append(d.order, sighting{key: key, at: now})
	for len(d.items) > d.max && len(d.order) > 0 {
		d.evict(d.order[0])
		d.order = d.order[1:]
	}
	return false
}

// Forget drops key so the next sighting is treated as new.
func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items, key)
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DedupeCache) expire(now time.Time, window time.Duration) {
	n := 0
	for n < len(d.order) && now.Sub(d.order[n].at) > window {
		d.evict(d.order[n])
		n++
	}
	if n > 0 {
		d.order = append(d.order[:0:0], d.order[n:]...)
	}
}

// evict removes the key only if s is still its latest sighting.
func (d *DedupeCache) evict(s sighting) {
	if ts, ok := d.items[s.key]; ok && ts.Equal(s.at) {
		delete(d.items, s.key)
	}
}
