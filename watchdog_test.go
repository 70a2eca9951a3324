package warden

import (
	"testing"
	"time"
)

type watchdogHarness struct {
	w        *Watchdog
	clock    *fakeClock
	bus      *Bus
	counters *Counters
	ladder   *Ladder

	posted       []func()
	ledgerSweeps []time.Time
	poolSweeps   []time.Time
	restarts     []time.Time
	order        []string
}

func newWatchdogHarness(cfg Config) *watchdogHarness {
	h := &watchdogHarness{clock: newFakeClock()}
	h.counters = &Counters{}
	h.bus = NewBus(cfg.SignalQueueCap, nopLogger(), h.counters)
	h.ladder = NewLadder(cfg, h.bus, nopLogger())
	h.w = NewWatchdog(cfg, h.clock.Now, h.bus, h.ladder, nopLogger(), h.counters)

	h.w.post = func(fn func()) { h.posted = append(h.posted, fn) }
	h.w.onStall = func() {
		h.restarts = append(h.restarts, h.clock.Now())
		h.order = append(h.order, "restart")
	}
	h.w.sweepLedgers = func(now time.Time) int {
		h.ledgerSweeps = append(h.ledgerSweeps, now)
		h.order = append(h.order, "ledgers")
		return 7
	}
	h.w.sweepResources = func() int {
		h.poolSweeps = append(h.poolSweeps, h.clock.Now())
		h.order = append(h.order, "resources")
		return 3
	}
	return h
}

func (h *watchdogHarness) runPosted() {
	for _, fn := range h.posted {
		fn()
	}
	h.posted = nil
}

// feedHeap pushes n heap samples at the configured 2s interval, with the
// heap growing at slopeBytesPerSec. Returns the final heap value.
func (h *watchdogHarness) feedHeap(n int, start, slopeBytesPerSec float64) float64 {
	heap := start
	for i := 0; i < n; i++ {
		now := h.clock.Advance(2 * time.Second)
		heap += slopeBytesPerSec * 2
		h.w.ObserveMemory(now, heap)
	}
	return heap
}

// Sustained heap growth: cleanup escalates ledger sweep, then resource sweep,
// then soft restart — one level per escalation interval, never skipping.
func TestWatchdogMemoryEscalationLadder(t *testing.T) {
	h := newWatchdogHarness(DefaultConfig())

	warnings, criticals := 0, 0
	h.bus.Subscribe(SignalMemoryWarning, func(e Event) {
		warnings++
		mt := e.Payload.(MemoryTrend)
		if mt.SlopeBytesPerSec < float64(1<<20) {
			t.Errorf("warning slope = %f, below the limit", mt.SlopeBytesPerSec)
		}
	})
	h.bus.Subscribe(SignalMemoryCritical, func(Event) { criticals++ })

	// 2 MiB/s growth, double the limit. Ten samples (20s) arm the trend;
	// escalations then land one interval apart.
	h.feedHeap(16, 100<<20, 2<<20)
	h.bus.Drain()

	if h.counters.MemoryTrendEvents != 1 {
		t.Fatalf("MemoryTrendEvents = %d, want 1 (a trend logs once)", h.counters.MemoryTrendEvents)
	}
	want := []string{"ledgers", "resources", "restart"}
	if len(h.order) != 3 {
		t.Fatalf("escalations = %v, want %v", h.order, want)
	}
	for i := range want {
		if h.order[i] != want[i] {
			t.Fatalf("escalations = %v, want %v (never skip a level)", h.order, want)
		}
	}
	if warnings != 2 || criticals != 1 {
		t.Errorf("warnings, criticals = %d, %d; want 2, 1", warnings, criticals)
	}
	if h.counters.SoftRestarts != 1 {
		t.Errorf("SoftRestarts = %d, want 1", h.counters.SoftRestarts)
	}

	// Levels are paced by the escalation interval.
	if gap := h.poolSweeps[0].Sub(h.ledgerSweeps[0]); gap < 5*time.Second {
		t.Errorf("resources followed ledgers after %s, want >= 5s", gap)
	}
	if gap := h.restarts[0].Sub(h.poolSweeps[0]); gap < 5*time.Second {
		t.Errorf("restart followed resources after %s, want >= 5s", gap)
	}

	// Still growing past the top level: nothing further happens.
	h.feedHeap(10, 200<<20, 2<<20)
	if len(h.order) != 3 {
		t.Errorf("escalations after top level = %d, want 3", len(h.order))
	}
}

func TestWatchdogTrendReArmsAfterArrest(t *testing.T) {
	h := newWatchdogHarness(DefaultConfig())

	heap := h.feedHeap(16, 100<<20, 2<<20) // full ladder run
	h.feedHeap(45, heap, 0)                // flat long enough to flush the window

	if h.counters.MemoryTrendEvents != 1 {
		t.Fatalf("MemoryTrendEvents = %d after arrest, want 1", h.counters.MemoryTrendEvents)
	}

	// A fresh leak starts the ladder from the bottom again. The flat samples
	// still in the window dilute the fit, so the trend re-arms only once the
	// rising tail dominates.
	h.feedHeap(24, heap, 2<<20)
	if h.counters.MemoryTrendEvents != 2 {
		t.Fatalf("MemoryTrendEvents = %d, want 2", h.counters.MemoryTrendEvents)
	}
	if got := h.order[len(h.order)-3]; got != "ledgers" {
		t.Errorf("second trend started with %q, want ledgers", got)
	}
}

func TestWatchdogBelowMinSamplesIsSilent(t *testing.T) {
	h := newWatchdogHarness(DefaultConfig())

	// Nine samples of violent growth: one short of the minimum.
	h.feedHeap(9, 100<<20, 50<<20)
	if h.counters.MemoryTrendEvents != 0 || len(h.order) != 0 {
		t.Fatalf("trend acted on %d samples: events=%d order=%v",
			9, h.counters.MemoryTrendEvents, h.order)
	}
}

func TestWatchdogPanicOnSustainedFloorBreach(t *testing.T) {
	h := newWatchdogHarness(DefaultConfig())

	panics := 0
	h.bus.Subscribe(SignalPanicEntered, func(Event) { panics++ })

	// 4s below the absolute floor: inside the hold window.
	for i := 0; i < 5; i++ {
		h.w.Observe(h.clock.Advance(time.Second), 5)
	}
	if h.w.InPanic() {
		t.Fatal("panicked inside the hold window")
	}

	h.w.Observe(h.clock.Advance(2*time.Second), 5)
	h.bus.Drain()

	if !h.w.InPanic() {
		t.Fatal("expected panic mode after sustained floor breach")
	}
	if h.ladder.CurrentState() != PerfS5 {
		t.Errorf("ladder state = %s in panic, want S5", h.ladder.CurrentState())
	}
	if panics != 1 || h.counters.PanicsEntered != 1 {
		t.Errorf("panic events = %d, counter = %d; want 1, 1", panics, h.counters.PanicsEntered)
	}

	// The ladder is frozen: perfect samples move nothing while panicking.
	for i := 0; i < 200; i++ {
		h.ladder.RecordSample(h.clock.Advance(100*time.Millisecond), 60)
	}
	if h.ladder.CurrentState() != PerfS5 {
		t.Errorf("frozen ladder moved to %s", h.ladder.CurrentState())
	}
}

func TestWatchdogPanicExitNeedsSustainedRecovery(t *testing.T) {
	h := newWatchdogHarness(DefaultConfig())
	forcePanic(h)

	exits := 0
	h.bus.Subscribe(SignalPanicExited, func(Event) { exits++ })

	// 14s of good frames: still short of the recovery window.
	for i := 0; i < 15; i++ {
		h.w.Observe(h.clock.Advance(time.Second), 30)
	}
	if !h.w.InPanic() {
		t.Fatal("exited panic before the recovery window elapsed")
	}

	// One bad reading resets the clock entirely.
	h.w.Observe(h.clock.Advance(time.Second), 5)
	for i := 0; i < 15; i++ {
		h.w.Observe(h.clock.Advance(time.Second), 30)
	}
	if !h.w.InPanic() {
		t.Fatal("a reset recovery window must not carry over prior credit")
	}

	h.w.Observe(h.clock.Advance(2*time.Second), 30)
	h.bus.Drain()
	if h.w.InPanic() {
		t.Fatal("expected exit after a full sustained-good window")
	}
	if exits != 1 {
		t.Errorf("exit events = %d, want 1", exits)
	}
}

func TestWatchdogPanicCooldownBlocksFlapping(t *testing.T) {
	h := newWatchdogHarness(DefaultConfig())
	forcePanic(h)

	// Recover and exit.
	for i := 0; i < 17; i++ {
		h.w.Observe(h.clock.Advance(time.Second), 30)
	}
	if h.w.InPanic() {
		t.Fatal("setup: expected exit")
	}

	// Immediately collapse again: the hold is met, but the cooldown blocks
	// re-entry until 15s have passed since the exit.
	for i := 0; i < 8; i++ {
		h.w.Observe(h.clock.Advance(time.Second), 5)
	}
	if h.w.InPanic() {
		t.Fatal("re-entered panic inside the cooldown")
	}
	for i := 0; i < 10; i++ {
		h.w.Observe(h.clock.Advance(time.Second), 5)
	}
	if !h.w.InPanic() {
		t.Fatal("expected re-entry once the cooldown passed")
	}
	if h.counters.PanicsEntered != 2 {
		t.Errorf("PanicsEntered = %d, want 2", h.counters.PanicsEntered)
	}
}

func TestWatchdogRepeatedExhaustionForcesPanic(t *testing.T) {
	h := newWatchdogHarness(DefaultConfig())

	for i := 0; i < 4; i++ {
		h.w.NoteExhausted(h.clock.Advance(time.Second))
	}
	if h.w.InPanic() {
		t.Fatal("panicked below the exhaustion threshold")
	}
	h.w.NoteExhausted(h.clock.Advance(time.Second))
	if !h.w.InPanic() {
		t.Fatal("expected panic on the fifth exhaustion in the window")
	}
}

func TestWatchdogExhaustionWindowExpires(t *testing.T) {
	h := newWatchdogHarness(DefaultConfig())

	// Five exhaustions spread over 40s: never five inside the 30s window.
	for i := 0; i < 5; i++ {
		h.w.NoteExhausted(h.clock.Advance(10 * time.Second))
	}
	if h.w.InPanic() {
		t.Fatal("spread-out exhaustion must not force panic")
	}
}

func TestWatchdogHeartbeatStallRestartsOnce(t *testing.T) {
	h := newWatchdogHarness(DefaultConfig())

	// Simulate a beat that stopped one second ago in wall time; the monitor
	// path compares against the wall clock.
	h.w.lastBeat.Store(time.Now().Add(-time.Second).UnixNano())
	h.w.checkHeartbeat()
	h.runPosted()
	h.bus.Drain()

	if len(h.restarts) != 1 {
		t.Fatalf("restarts = %d, want 1", len(h.restarts))
	}
	if h.counters.HeartbeatTimeouts != 1 || h.counters.SoftRestarts != 1 {
		t.Errorf("HeartbeatTimeouts = %d, SoftRestarts = %d; want 1, 1",
			h.counters.HeartbeatTimeouts, h.counters.SoftRestarts)
	}

	// The beat re-arms on detection: one stall, one restart.
	h.w.checkHeartbeat()
	h.runPosted()
	if len(h.restarts) != 1 {
		t.Fatalf("restarts = %d after re-check, want 1", len(h.restarts))
	}
}

func TestWatchdogHealthyHeartbeatIsQuiet(t *testing.T) {
	h := newWatchdogHarness(DefaultConfig())

	h.w.lastBeat.Store(time.Now().UnixNano())
	h.w.checkHeartbeat()
	h.runPosted()

	if len(h.restarts) != 0 || h.counters.HeartbeatTimeouts != 0 {
		t.Fatal("healthy heartbeat triggered a restart")
	}
}

func TestHeapSlopeFitsLine(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var samples []memSample
	for i := 0; i < 10; i++ {
		samples = append(samples, memSample{
			at:    base.Add(time.Duration(i) * time.Second),
			bytes: 1000 + 512*float64(i),
		})
	}
	if got := heapSlope(samples); got < 511 || got > 513 {
		t.Fatalf("heapSlope = %f, want ~512", got)
	}
	if got := heapSlope(samples[:1]); got != 0 {
		t.Fatalf("heapSlope of one sample = %f, want 0", got)
	}
}

// forcePanic drives the FPS floor path until panic mode engages.
func forcePanic(h *watchdogHarness) {
	for i := 0; i < 8; i++ {
		h.w.Observe(h.clock.Advance(time.Second), 5)
	}
	if !h.w.InPanic() {
		panic("harness: failed to force panic mode")
	}
}
