package warden

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Escalation levels for the memory-trend recovery ladder. Levels advance one
// at a time; a level is never skipped.
const (
	escalateNone      = iota
	escalateLedgers   // sweep timer and animation ledgers
	escalateResources // force-release pooled resources
	escalateRestart   // soft-restart the render subsystem
)

// memSample is one heap-size observation.
type memSample struct {
	at    time.Time
	bytes float64
}

// Watchdog monitors render-loop liveness and heap-growth trend, and runs the
// layered recovery ladder. All state mutation happens on the tick goroutine;
// the background monitor only reads atomics, samples the heap, and posts
// closures back to the tick queue. The one exception is a stalled render
// loop: a stall means the tick queue is not draining, so the stall hook is
// invoked directly from the monitor goroutine and must tolerate that.
type Watchdog struct {
	lastBeat atomic.Int64 // unix nanos of the last heartbeat

	heartbeatTimeout time.Duration
	sampleInterval   time.Duration
	slopeLimit       float64 // bytes per second
	minSamples       int
	escalationGap    time.Duration
	restartGap       time.Duration

	panicFloor    float64
	panicHold     time.Duration
	panicCooldown time.Duration
	recoverWin    time.Duration
	recoverFactor float64

	exhaustedThreshold int
	exhaustedWindow    time.Duration

	samples        []memSample
	trendActive    bool
	level          int
	lastEscalation time.Time
	lastRestart    time.Time

	panicActive   bool
	lowFPSSince   time.Time
	panicGoodSince time.Time
	lastPanicExit time.Time
	exhausted     []time.Time

	// Wired by the runtime at construction.
	post           func(func())      // enqueue onto the tick queue
	onStall        func()            // render restart, callable off-thread
	sweepLedgers   func(now time.Time) int
	sweepResources func() int
	ladder         *Ladder
	bus            *Bus

	readHeap func() float64
	clock    func() time.Time
	log      zerolog.Logger
	counters *Counters

	cancel context.CancelFunc
	stopped chan struct{}
}

// NewWatchdog creates the watchdog from validated config. Hooks are wired by
// the runtime before Start.
func NewWatchdog(cfg Config, clock func() time.Time, bus *Bus, ladder *Ladder, log zerolog.Logger, counters *Counters) *Watchdog {
	return &Watchdog{
		heartbeatTimeout:   cfg.HeartbeatTimeout.Std(),
		sampleInterval:     cfg.MemorySampleInterval.Std(),
		slopeLimit:         float64(cfg.MemorySlopeLimit),
		minSamples:         cfg.MemoryMinSamples,
		escalationGap:      cfg.EscalationInterval.Std(),
		restartGap:         cfg.RestartMinInterval.Std(),
		panicFloor:         cfg.PanicFloorFPS,
		panicHold:          cfg.PanicFloorHold.Std(),
		panicCooldown:      cfg.PanicCooldown.Std(),
		recoverWin:         cfg.RecoverWindow.Std(),
		recoverFactor:      cfg.RecoverFactor,
		exhaustedThreshold: cfg.ExhaustedThreshold,
		exhaustedWindow:    cfg.ExhaustedWindow.Std(),
		ladder:             ladder,
		bus:                bus,
		readHeap:           heapInUse,
		clock:              clock,
		log:                log.With().Str("component", "watchdog").Logger(),
		counters:           counters,
	}
}

// heapInUse reads the live heap size of this process.
func heapInUse() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc)
}

// Heartbeat records render-loop liveness. The render loop calls this every
// tick; missing it for longer than the configured timeout is a stall.
func (w *Watchdog) Heartbeat() {
	w.lastBeat.Store(w.clock().UnixNano())
}

// Start launches the background monitor. Safe to skip in tests and headless
// drivers that call ObserveMemory directly.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.stopped = make(chan struct{})
	w.Heartbeat()

	checkEvery := w.heartbeatTimeout / 4
	if checkEvery < 10*time.Millisecond {
		checkEvery = 10 * time.Millisecond
	}

	go func() {
		defer close(w.stopped)
		beat := time.NewTicker(checkEvery)
		mem := time.NewTicker(w.sampleInterval)
		defer beat.Stop()
		defer mem.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-beat.C:
				w.checkHeartbeat()
			case <-mem.C:
				bytes := w.readHeap()
				now := time.Now()
				w.post(func() { w.ObserveMemory(now, bytes) })
			}
		}
	}()
}

// Stop halts the background monitor and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.stopped
	w.cancel = nil
}

// checkHeartbeat runs on the monitor goroutine.
func (w *Watchdog) checkHeartbeat() {
	last := time.Unix(0, w.lastBeat.Load())
	if time.Since(last) <= w.heartbeatTimeout {
		return
	}
	// Re-arm so a single stall produces a single restart attempt.
	w.lastBeat.Store(time.Now().UnixNano())

	// The tick queue is not draining; restart directly.
	if w.onStall != nil {
		w.onStall()
	}
	w.post(func() {
		w.counters.HeartbeatTimeouts++
		w.counters.SoftRestarts++
		w.bus.Publish(SignalHeartbeatTimeout, nil)
		w.bus.Publish(SignalSoftRestart, nil)
		w.log.Warn().Msg("render loop heartbeat missed, soft restart requested")
	})
}

// ObserveMemory ingests a heap sample and drives the escalation ladder.
// Runs on the tick goroutine.
func (w *Watchdog) ObserveMemory(now time.Time, heapBytes float64) {
	w.samples = append(w.samples, memSample{at: now, bytes: heapBytes})
	cutoff := now.Add(-time.Duration(w.minSamples*4) * w.sampleInterval)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
	if len(w.samples) < w.minSamples {
		return
	}

	slope := heapSlope(w.samples)
	switch {
	case slope > w.slopeLimit:
		if !w.trendActive {
			w.trendActive = true
			w.level = escalateNone
			w.counters.MemoryTrendEvents++
			w.log.Warn().Float64("slope_bytes_per_sec", slope).Msg("sustained heap growth detected")
		}
		w.escalate(now, slope)
	case slope < w.slopeLimit/2:
		// Trend arrested; re-arm the ladder.
		w.trendActive = false
		w.level = escalateNone
	}
}

// escalate advances the recovery ladder one level at a time, at most one
// level per escalation interval, never skipping a level.
func (w *Watchdog) escalate(now time.Time, slope float64) {
	if w.level >= escalateRestart {
		return
	}
	if !w.lastEscalation.IsZero() && now.Sub(w.lastEscalation) < w.escalationGap {
		return
	}
	// Restarts carry their own, longer floor: escalating to the top level
	// waits until the previous restart is far enough in the past.
	if w.level+1 == escalateRestart && !w.lastRestart.IsZero() && now.Sub(w.lastRestart) < w.restartGap {
		return
	}
	w.level++
	w.lastEscalation = now

	switch w.level {
	case escalateLedgers:
		swept := 0
		if w.sweepLedgers != nil {
			swept = w.sweepLedgers(now)
		}
		w.bus.Publish(SignalMemoryWarning, MemoryTrend{SlopeBytesPerSec: slope, Level: w.level})
		w.log.Warn().Int("swept", swept).Msg("memory escalation: ledger sweep")
	case escalateResources:
		released := 0
		if w.sweepResources != nil {
			released = w.sweepResources()
		}
		w.bus.Publish(SignalMemoryWarning, MemoryTrend{SlopeBytesPerSec: slope, Level: w.level})
		w.log.Warn().Int("released", released).Msg("memory escalation: resource sweep")
	case escalateRestart:
		w.lastRestart = now
		w.counters.SoftRestarts++
		if w.onStall != nil {
			w.onStall()
		}
		w.bus.Publish(SignalMemoryCritical, MemoryTrend{SlopeBytesPerSec: slope, Level: w.level})
		w.bus.Publish(SignalSoftRestart, nil)
		w.log.Error().Msg("memory escalation: soft restart")
	}
}

// Observe runs the panic-mode evaluation. The runtime calls this once per
// tick with the ladder's smoothed FPS.
func (w *Watchdog) Observe(now time.Time, ewmaFPS float64) {
	if w.panicActive {
		w.observePanicExit(now, ewmaFPS)
		return
	}
	if ewmaFPS <= 0 {
		return
	}

	if ewmaFPS < w.panicFloor {
		if w.lowFPSSince.IsZero() {
			w.lowFPSSince = now
		} else if now.Sub(w.lowFPSSince) >= w.panicHold {
			w.enterPanic(now, "fps below absolute floor")
		}
	} else {
		w.lowFPSSince = time.Time{}
	}
}

// NoteExhausted records a resource-exhaustion signal. Repeated exhaustion
// within the window forces panic mode.
func (w *Watchdog) NoteExhausted(now time.Time) {
	cutoff := now.Add(-w.exhaustedWindow)
	i := 0
	for i < len(w.exhausted) && w.exhausted[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.exhausted = append(w.exhausted[:0], w.exhausted[i:]...)
	}
	w.exhausted = append(w.exhausted, now)

	if !w.panicActive && len(w.exhausted) >= w.exhaustedThreshold {
		w.exhausted = w.exhausted[:0]
		w.enterPanic(now, "repeated resource exhaustion")
	}
}

// InPanic reports whether panic mode is active.
func (w *Watchdog) InPanic() bool {
	return w.panicActive
}

func (w *Watchdog) enterPanic(now time.Time, reason string) {
	// Cooldown between episodes; a display flapping in and out of panic
	// is worse than one staying conservative a little longer.
	if !w.lastPanicExit.IsZero() && now.Sub(w.lastPanicExit) < w.panicCooldown {
		return
	}
	w.panicActive = true
	w.lowFPSSince = time.Time{}
	w.panicGoodSince = time.Time{}
	w.counters.PanicsEntered++

	w.ladder.Freeze(true)
	w.ladder.ForceState(PerfS5)
	w.bus.Publish(SignalPanicEntered, nil)
	w.log.Error().Str("reason", reason).Msg("panic mode entered")
}

// observePanicExit applies the same sustained-good criteria as a normal
// recovery before leaving panic mode.
func (w *Watchdog) observePanicExit(now time.Time, ewmaFPS float64) {
	good := ewmaFPS > stateTargetFPS[PerfS4]*w.recoverFactor
	if !good {
		w.panicGoodSince = time.Time{}
		return
	}
	if w.panicGoodSince.IsZero() {
		w.panicGoodSince = now
		return
	}
	if now.Sub(w.panicGoodSince) < w.recoverWin {
		return
	}

	w.panicActive = false
	w.lastPanicExit = now
	w.panicGoodSince = time.Time{}
	w.ladder.Freeze(false)
	w.bus.Publish(SignalPanicExited, nil)
	w.log.Info().Float64("ewma", ewmaFPS).Msg("panic mode exited")
}

// heapSlope fits a least-squares line through the samples and returns its
// slope in bytes per second.
func heapSlope(samples []memSample) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}
	t0 := samples[0].at
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := s.at.Sub(t0).Seconds()
		sumX += x
		sumY += s.bytes
		sumXY += x * s.bytes
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
