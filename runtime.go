package warden

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// maxTickDelta caps the dt fed to animations after a stall, so a multi-second
// freeze does not snap every tween to its end state in one frame.
const maxTickDelta = 250 * time.Millisecond

// Runtime is the explicit registry holding every governance subsystem. It is
// constructed once at startup and injected into producers; there are no
// package-level managers.
//
// All subsystem state is owned by the tick goroutine. The render loop calls
// Tick once per frame; other goroutines interact only through Post and
// Watchdog.Heartbeat.
type Runtime struct {
	cfg Config
	log zerolog.Logger

	Bus        *Bus
	Timers     *TimerLedger
	Animations *AnimationLedger
	Pool       *Pool
	Ladder     *Ladder
	Watchdog   *Watchdog
	Phases     *PhaseController

	counters Counters

	mu          sync.Mutex
	posted      []func()
	postedSwap  []func()
	postDropped atomic.Int64

	tickNow   time.Time
	lastTick  time.Time
	lastSweep time.Time

	renderer  Renderer
	producers []Producer
	debug     bool
	stats     tickStats
}

type options struct {
	logger    zerolog.Logger
	renderer  Renderer
	phases    []Phase
	producers []Producer
	debug     bool
	now       time.Time
}

// Option configures New.
type Option func(*options)

// WithLogger routes runtime logging to the given logger. Default is silent.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithRenderer wires the render subsystem handle used for soft restarts.
// Restart may be invoked from the watchdog's monitor goroutine when the
// render loop itself is stalled, and must tolerate that.
func WithRenderer(r Renderer) Option {
	return func(o *options) { o.renderer = r }
}

// WithPhases supplies the scene rotation.
func WithPhases(phases []Phase) Option {
	return func(o *options) { o.phases = phases }
}

// WithProducers registers effect producers for panic-mode gating.
// Non-essential producers are disabled on panic entry and re-enabled on exit.
func WithProducers(producers ...Producer) Option {
	return func(o *options) { o.producers = producers }
}

// WithDebug enables per-tick timing stats on stderr.
func WithDebug() Option {
	return func(o *options) { o.debug = true }
}

// withStartTime pins the initial tick clock; used by tests.
func withStartTime(now time.Time) Option {
	return func(o *options) { o.now = now }
}

// New validates cfg, builds every subsystem, and wires their interactions.
// Configuration problems fail here and nowhere later.
func New(cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logger:   zerolog.Nop(),
		renderer: NopRenderer{},
		now:      time.Now(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{
		cfg:        cfg,
		log:        o.logger,
		posted:     make([]func(), 0, cfg.CommandQueueCap),
		postedSwap: make([]func(), 0, cfg.CommandQueueCap),
		tickNow:    o.now,
		renderer:   o.renderer,
		producers:  o.producers,
		debug:      o.debug,
	}
	clock := rt.Now

	rt.Bus = NewBus(cfg.SignalQueueCap, o.logger, &rt.counters)
	rt.Timers = NewTimerLedger(cfg, clock, o.logger, &rt.counters)
	rt.Animations = NewAnimationLedger(cfg, clock, o.logger, &rt.counters)
	rt.Pool = NewPool(cfg, clock, rt.Bus, o.logger, &rt.counters)
	rt.Ladder = NewLadder(cfg, rt.Bus, o.logger)
	rt.Watchdog = NewWatchdog(cfg, clock, rt.Bus, rt.Ladder, o.logger, &rt.counters)
	rt.Phases = NewPhaseController(cfg, o.phases, clock, rt.Bus, o.logger, &rt.counters)

	rt.Watchdog.post = rt.Post
	rt.Watchdog.onStall = rt.renderer.Restart
	rt.Watchdog.sweepLedgers = func(now time.Time) int {
		return rt.Timers.Sweep(now) + rt.Animations.Sweep(now)
	}
	rt.Watchdog.sweepResources = rt.Pool.ReleaseAll

	// Every phase handover force-retires whatever the outgoing phase left
	// behind, before the next phase is granted.
	rt.Phases.SetCleanup(func(now time.Time) {
		rt.Animations.KillByAge(cfg.AnimationMaxAge.Std(), now)
		rt.Timers.Sweep(now)
		rt.Pool.Sweep(now)
	})

	rt.Bus.Subscribe(SignalStateChanged, func(ev Event) {
		if sc, ok := ev.Payload.(StateChange); ok {
			rt.Animations.ApplyState(SettingsFor(sc.New))
		}
	})
	rt.Bus.Subscribe(SignalResourceExhausted, func(Event) {
		rt.Watchdog.NoteExhausted(rt.tickNow)
	})
	rt.Bus.Subscribe(SignalPanicEntered, func(Event) {
		for _, p := range rt.producers {
			if !p.Essential() {
				p.SetEnabled(false)
			}
		}
	})
	rt.Bus.Subscribe(SignalPanicExited, func(Event) {
		for _, p := range rt.producers {
			p.SetEnabled(true)
		}
	})

	return rt, nil
}

// Now returns the current tick time. Components and producers use this as
// their clock so every ledger entry ages on the same timeline.
func (rt *Runtime) Now() time.Time {
	return rt.tickNow
}

// Counters returns a snapshot of the runtime's health counters.
func (rt *Runtime) Counters() Counters {
	c := rt.counters.Snapshot()
	c.CommandsDropped = rt.postDropped.Load()
	return c
}

// Post enqueues fn to run at the start of the next tick. Safe from any
// goroutine; never blocks. A full queue drops the command and counts it.
func (rt *Runtime) Post(fn func()) {
	if fn == nil {
		return
	}
	rt.mu.Lock()
	if len(rt.posted) >= rt.cfg.CommandQueueCap {
		rt.mu.Unlock()
		rt.postDropped.Add(1)
		return
	}
	rt.posted = append(rt.posted, fn)
	rt.mu.Unlock()
}

// Start launches the watchdog monitor and begins the phase rotation.
func (rt *Runtime) Start(ctx context.Context) {
	rt.Watchdog.Start(ctx)
	rt.Phases.Start(rt.tickNow)
}

// Stop halts the watchdog monitor and shuts the phase machine down. The
// caller stops calling Tick afterwards; ledgers need no teardown beyond
// process exit, as nothing persists.
func (rt *Runtime) Stop() {
	rt.Watchdog.Stop()
	rt.Phases.Shutdown()
}

// Tick advances the whole runtime by one frame. The render loop calls this
// every update. Order matters: posted commands and buffered signals land
// before ledgers advance, so every mutation from the previous tick is
// visible before new work runs; a trailing drain delivers signals published
// during this tick within the same tick.
func (rt *Runtime) Tick(now time.Time) {
	rt.tickNow = now
	rt.counters.Ticks++

	dt := time.Duration(0)
	if !rt.lastTick.IsZero() {
		dt = now.Sub(rt.lastTick)
		if dt > maxTickDelta {
			dt = maxTickDelta
		}
		if dt < 0 {
			dt = 0
		}
	}
	rt.lastTick = now

	var t0 time.Time
	if rt.debug {
		t0 = time.Now()
	}

	rt.drainPosted()
	rt.Bus.Drain()

	if rt.debug {
		rt.stats.drainTime = time.Since(t0)
		t0 = time.Now()
	}

	rt.Timers.Advance(now)
	rt.Animations.Advance(dt.Seconds())

	if rt.debug {
		rt.stats.advanceTime = time.Since(t0)
		t0 = time.Now()
	}

	// Low-priority periodic sweeps, best-effort cadence: a skipped interval
	// under load just means the next tick picks it up.
	if rt.lastSweep.IsZero() || now.Sub(rt.lastSweep) >= rt.cfg.SweepInterval.Std() {
		rt.lastSweep = now
		rt.counters.SweepsRun++
		rt.Timers.Sweep(now)
		rt.Animations.Sweep(now)
		rt.Pool.Sweep(now)
	}

	if rt.debug {
		rt.stats.sweepTime = time.Since(t0)
		t0 = time.Now()
	}

	rt.Phases.Advance(now)
	rt.Watchdog.Observe(now, rt.Ladder.EWMA())
	rt.Bus.Drain()

	if rt.debug {
		rt.stats.tailTime = time.Since(t0)
		rt.debugLog()
	}
}

// drainPosted runs every command queued since the last tick. Commands run
// with panic recovery; a panicking command is counted and dropped.
func (rt *Runtime) drainPosted() {
	rt.mu.Lock()
	batch := rt.posted
	rt.posted = rt.postedSwap[:0]
	rt.mu.Unlock()

	for _, fn := range batch {
		rt.runPosted(fn)
	}
	rt.postedSwap = batch[:0]
}

func (rt *Runtime) runPosted(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rt.counters.HandlerPanics++
			rt.log.Error().Interface("panic", r).Msg("posted command panicked")
		}
	}()
	fn()
}
