package warden

import (
	"time"

	"github.com/rs/zerolog"
)

// TimerKind distinguishes repeating timers from one-shot timeouts.
type TimerKind uint8

const (
	TimerInterval TimerKind = iota // fires repeatedly until expiry
	TimerTimeout                   // fires once
)

// TrackedTimer is a deferred or repeating callback owned by the ledger.
// Every timer carries a bounded maxAge; forgotten owners leak at most one
// sweep interval past it.
type TrackedTimer struct {
	id        uint64
	OwnerTag  string
	Kind      TimerKind
	createdAt time.Time
	maxAge    time.Duration
	remaining int // executions left; -1 means until maxAge
	interval  time.Duration
	nextFire  time.Time
	fn        func()
	cancelled bool
}

// Cancel removes the timer from the ledger. Idempotent; safe on timers that
// already fired out or were swept.
func (t *TrackedTimer) Cancel() {
	t.cancelled = true
}

// Age returns how long the timer has existed at the given instant.
func (t *TrackedTimer) Age(now time.Time) time.Duration {
	return now.Sub(t.createdAt)
}

// TimerLedger tracks every deferred callback in the system and enforces a
// global cap. Registration past the cap is refused with a nil handle, never
// an error: a refused timer is expected behavior under load.
type TimerLedger struct {
	timers   []*TrackedTimer
	cap      int
	maxAge   time.Duration
	nextID   uint64
	clock    func() time.Time
	log      zerolog.Logger
	refusals *burstLog
	counters *Counters
}

// NewTimerLedger creates the ledger. The clock is shared with the runtime so
// entries age on tick time.
func NewTimerLedger(cfg Config, clock func() time.Time, log zerolog.Logger, counters *Counters) *TimerLedger {
	l := log.With().Str("component", "timers").Logger()
	return &TimerLedger{
		timers:   make([]*TrackedTimer, 0, cfg.TimerCap),
		cap:      cfg.TimerCap,
		maxAge:   cfg.TimerMaxAge.Std(),
		clock:    clock,
		log:      l,
		refusals: newBurstLog(l, 5*time.Second),
		counters: counters,
	}
}

// Register adds a repeating timer. Returns nil when the ledger is at its cap;
// the refusal is logged once per burst and counted.
func (l *TimerLedger) Register(fn func(), interval time.Duration, ownerTag string) *TrackedTimer {
	return l.add(fn, interval, ownerTag, TimerInterval, -1)
}

// RegisterTimeout adds a one-shot timer that fires once after delay.
func (l *TimerLedger) RegisterTimeout(fn func(), delay time.Duration, ownerTag string) *TrackedTimer {
	return l.add(fn, delay, ownerTag, TimerTimeout, 1)
}

// RegisterLimited adds a repeating timer that fires at most executions times.
func (l *TimerLedger) RegisterLimited(fn func(), interval time.Duration, ownerTag string, executions int) *TrackedTimer {
	if executions <= 0 {
		return nil
	}
	return l.add(fn, interval, ownerTag, TimerInterval, executions)
}

func (l *TimerLedger) add(fn func(), interval time.Duration, ownerTag string, kind TimerKind, remaining int) *TrackedTimer {
	if fn == nil || interval <= 0 {
		return nil
	}
	if len(l.timers) >= l.cap {
		l.counters.TimersRejected++
		l.refusals.Warnf("timer cap %d reached, refusing registration (owner %q)", l.cap, ownerTag)
		return nil
	}

	now := l.clock()
	l.nextID++
	t := &TrackedTimer{
		id:        l.nextID,
		OwnerTag:  ownerTag,
		Kind:      kind,
		createdAt: now,
		maxAge:    l.maxAge,
		remaining: remaining,
		interval:  interval,
		nextFire:  now.Add(interval),
		fn:        fn,
	}
	l.timers = append(l.timers, t)
	return t
}

// Count returns the number of live timers.
func (l *TimerLedger) Count() int {
	n := 0
	for _, t := range l.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// CancelOwner cancels every timer registered under the given owner tag and
// returns how many were cancelled. Used at owner teardown.
func (l *TimerLedger) CancelOwner(ownerTag string) int {
	n := 0
	for _, t := range l.timers {
		if !t.cancelled && t.OwnerTag == ownerTag {
			t.cancelled = true
			n++
		}
	}
	return n
}

// Advance fires every timer due at now and compacts cancelled or exhausted
// entries. Callbacks run with panic recovery; a panicking callback is counted
// and its timer cancelled so it cannot panic every tick.
func (l *TimerLedger) Advance(now time.Time) {
	i := 0
	for i < len(l.timers) {
		t := l.timers[i]
		if t.cancelled {
			l.remove(i)
			continue
		}
		if !now.Before(t.nextFire) {
			l.fire(t)
			if t.remaining > 0 {
				t.remaining--
				if t.remaining == 0 {
					t.cancelled = true
				}
			}
			t.nextFire = t.nextFire.Add(t.interval)
			// A long stall must not cause a fire storm; skip missed slots.
			if t.nextFire.Before(now) {
				t.nextFire = now.Add(t.interval)
			}
		}
		if t.cancelled {
			l.remove(i)
			continue
		}
		i++
	}
}

// Sweep removes timers older than their maxAge even without explicit
// cancellation, bounding the blast radius of forgotten owners. Returns the
// number removed.
func (l *TimerLedger) Sweep(now time.Time) int {
	removed := 0
	i := 0
	for i < len(l.timers) {
		t := l.timers[i]
		if t.cancelled || now.Sub(t.createdAt) > t.maxAge {
			if !t.cancelled {
				l.log.Debug().Str("owner", t.OwnerTag).Dur("age", now.Sub(t.createdAt)).
					Msg("timer exceeded max age, swept")
			}
			l.remove(i)
			removed++
			continue
		}
		i++
	}
	l.counters.TimersSwept += int64(removed)
	return removed
}

// remove deletes the timer at index i by swapping in the last entry.
func (l *TimerLedger) remove(i int) {
	last := len(l.timers) - 1
	l.timers[i] = l.timers[last]
	l.timers[last] = nil
	l.timers = l.timers[:last]
}

func (l *TimerLedger) fire(t *TrackedTimer) {
	defer func() {
		if r := recover(); r != nil {
			l.counters.HandlerPanics++
			t.cancelled = true
			l.log.Error().Str("owner", t.OwnerTag).Interface("panic", r).
				Msg("timer callback panicked, timer cancelled")
		}
	}()
	t.fn()
}
