package discord

import (
	"sync"
	"time"
)

// cooldown rate-limits an action per key.
type cooldown struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func newCooldown(window time.Duration) *cooldown {
	return &cooldown{window: window, last: make(map[string]time.Time)}
}

// allow reports whether key may act at now, and records the action if so.
func (c *cooldown) allow(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

// prune forgets keys whose window has passed and returns how many.
func (c *cooldown) prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, last := range c.last {
		if now.Sub(last) >= c.window {
			delete(c.last, key)
			n++
		}
	}
	return n
}
