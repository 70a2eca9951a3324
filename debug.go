package warden

import (
	"fmt"
	"os"
	"time"
)

// tickStats holds per-tick timing metrics. Only populated in debug mode.
type tickStats struct {
	drainTime   time.Duration
	advanceTime time.Duration
	sweepTime   time.Duration
	tailTime    time.Duration
}

// debugLog prints tick timing and ledger occupancy to stderr.
func (rt *Runtime) debugLog() {
	total := rt.stats.drainTime + rt.stats.advanceTime + rt.stats.sweepTime + rt.stats.tailTime
	_, _ = fmt.Fprintf(os.Stderr,
		"[warden] drain: %v | advance: %v | sweep: %v | tail: %v | total: %v\n",
		rt.stats.drainTime, rt.stats.advanceTime, rt.stats.sweepTime, rt.stats.tailTime, total)
	_, _ = fmt.Fprintf(os.Stderr,
		"[warden] timers: %d | animations: %d | resources: %d | state: %s | phase: %s/%s\n",
		rt.Timers.Count(), rt.Animations.Count(), rt.Pool.CountAll(),
		rt.Ladder.CurrentState(), rt.Phases.CurrentPhase(), rt.Phases.State())
}
