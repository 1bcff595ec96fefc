package notify

import (
	"sync"
	"time"
)

// Cooldown tracks the last notification per incident.
type Cooldown struct {
	mu   sync.Mutex
	last map[int64]time.Time
	now  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[int64]time.Time), now: time.Now}
}

// Allow reports whether incident may notify again and, if so, starts a
// new quiet period for it.
func (c *Cooldown) Allow(incident int64, quiet time.Duration) bool {
	if quiet <= 0 {
		return true
	}
	now := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[incident]; ok && now.Sub(ts) < quiet {
		return false
	}
	c.last[incident] = now
	return true
}

// Prune forgets incidents last notified before maxAge ago.
func (c *Cooldown) Prune(maxAge time.Duration) int {
	cutoff := c.now().UTC().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, ts := range c.last {
		if ts.Before(cutoff) {
			delete(c.last, id)
			removed++
		}
	}
	return removed
}
