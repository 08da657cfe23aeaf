package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/core"
)

// Reaper periodically forces sessions past their maximum lifetime through
// the timed_out terminal transition. Interval and max lifetime are fixed at
// construction; the interval should be materially shorter than the lifetime
// to bound worst-case staleness.
type Reaper struct {
	relay    *Relay
	clock    core.Clock
	interval time.Duration
	maxAge   time.Duration
}

func NewReaper(relay *Relay, clock core.Clock, interval, maxAge time.Duration) *Reaper {
	return &Reaper{relay: relay, clock: clock, interval: interval, maxAge: maxAge}
}

// Run sweeps until ctx is cancelled. Call it on its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	log.Info().Str("module", "app.reaper").Dur("interval", r.interval).Dur("max_age", r.maxAge).Msg("reaper started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.reaper").Msg("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one pass. Exposed so tests and Run share the same path.
func (r *Reaper) Sweep() int {
	return r.relay.ReapExpired(r.clock.Now(), r.maxAge)
}
