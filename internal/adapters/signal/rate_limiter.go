package signal

import (
	"sync"
	"time"

	"github.com/calltower/switchboard/internal/core"
	"github.com/calltower/switchboard/internal/domain"
)

// ConnRateLimiter caps inbound signaling messages per connection inside a
// sliding window.
type ConnRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ConnID][]time.Time
	limit    int
	interval time.Duration
	clock    core.Clock
}

func NewConnRateLimiter(limit int, interval time.Duration, clock core.Clock) *ConnRateLimiter {
	return &ConnRateLimiter{
		history:  make(map[domain.ConnID][]time.Time),
		limit:    limit,
		interval: interval,
		clock:    clock,
	}
}

func (rl *ConnRateLimiter) Allow(id domain.ConnID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]

	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[id] = fresh
	return true
}

// Forget drops a connection's window on disconnect.
func (rl *ConnRateLimiter) Forget(id domain.ConnID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, id)
}
