package warden

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PerfState is one rung of the quality ladder, S0 (full quality) through
// S5 (minimal). Each state maps to a concrete settings snapshot.
type PerfState uint8

const (
	PerfS0 PerfState = iota // full quality
	PerfS1                  // post-processing trimmed
	PerfS2                  // shadows off
	PerfS3                  // reduced render scale
	PerfS4                  // minimal particles
	PerfS5                  // survival mode
	perfStateCount
)

// String returns the rung name used in logs and the overlay.
func (s PerfState) String() string {
	if s >= perfStateCount {
		return "S?"
	}
	return fmt.Sprintf("S%d", uint8(s))
}

// StateSettings is the quality snapshot a performance state carries.
// Collaborators read these; the ladder never touches render internals.
type StateSettings struct {
	RenderScale          float64 // multiplier on the output resolution
	ParticleMultiplier   float64 // multiplier on particle counts
	Shadows              bool
	PostProcessing       bool
	AnimationBudgetScale float64 // multiplier on animation category caps
}

// stateSettings maps each rung to its snapshot. S5 is the panic-mode
// floor: everything non-essential off.
var stateSettings = [perfStateCount]StateSettings{
	PerfS0: {RenderScale: 1.00, ParticleMultiplier: 1.00, Shadows: true, PostProcessing: true, AnimationBudgetScale: 1.00},
	PerfS1: {RenderScale: 1.00, ParticleMultiplier: 0.80, Shadows: true, PostProcessing: false, AnimationBudgetScale: 0.90},
	PerfS2: {RenderScale: 1.00, ParticleMultiplier: 0.60, Shadows: false, PostProcessing: false, AnimationBudgetScale: 0.75},
	PerfS3: {RenderScale: 0.75, ParticleMultiplier: 0.40, Shadows: false, PostProcessing: false, AnimationBudgetScale: 0.55},
	PerfS4: {RenderScale: 0.60, ParticleMultiplier: 0.20, Shadows: false, PostProcessing: false, AnimationBudgetScale: 0.35},
	PerfS5: {RenderScale: 0.50, ParticleMultiplier: 0.05, Shadows: false, PostProcessing: false, AnimationBudgetScale: 0.15},
}

// stateTargetFPS is the frame rate each rung is expected to hold.
var stateTargetFPS = [perfStateCount]float64{60, 50, 40, 30, 24, 18}

// stateFloorFPS is the degrade threshold per rung; EWMA below the floor,
// sustained, steps down one state. S5 has no floor.
var stateFloorFPS = [perfStateCount]float64{48, 40, 32, 24, 18, 0}

// Ladder consumes frame timestamps, smooths them into an EWMA, and walks the
// S0..S5 quality ladder with asymmetric hysteresis: stepping down needs a
// short confirmation window, stepping up needs a much longer sustained-good
// window at a higher threshold. The asymmetry is the anti-flapping design.
type Ladder struct {
	state     PerfState
	ewma      float64
	haveEWMA  bool
	alpha     float64
	lastFrame time.Time

	samples       []time.Time // trailing sample timestamps, pruned to window
	minSamples    int
	window        time.Duration
	degradeWin    time.Duration
	recoverWin    time.Duration
	recoverFactor float64

	degradeSince time.Time
	recoverSince time.Time
	frozen       bool // set during panic mode; watchdog owns transitions

	bus *Bus
	log zerolog.Logger
}

// NewLadder creates the ladder at S0 from validated config.
func NewLadder(cfg Config, bus *Bus, log zerolog.Logger) *Ladder {
	return &Ladder{
		state:         PerfS0,
		alpha:         cfg.EWMAAlpha,
		minSamples:    cfg.MinSamples,
		window:        cfg.SampleWindow.Std(),
		degradeWin:    cfg.DegradeWindow.Std(),
		recoverWin:    cfg.RecoverWindow.Std(),
		recoverFactor: cfg.RecoverFactor,
		bus:           bus,
		log:           log.With().Str("component", "ladder").Logger(),
	}
}

// RecordFrame ingests one render-loop tick. Instantaneous FPS is derived
// from the gap to the previous frame; the first frame only arms the clock.
func (l *Ladder) RecordFrame(now time.Time) {
	if l.lastFrame.IsZero() {
		l.lastFrame = now
		return
	}
	dt := now.Sub(l.lastFrame)
	l.lastFrame = now
	if dt <= 0 {
		return
	}
	l.RecordSample(now, float64(time.Second)/float64(dt))
}

// RecordSample ingests an already-computed instantaneous FPS sample. Hosts
// whose loop measures frame time itself feed the ladder through this.
func (l *Ladder) RecordSample(now time.Time, fps float64) {
	if fps <= 0 {
		return
	}
	if l.haveEWMA {
		l.ewma = l.alpha*fps + (1-l.alpha)*l.ewma
	} else {
		l.ewma = fps
		l.haveEWMA = true
	}

	l.samples = append(l.samples, now)
	l.prune(now)
	l.evaluate(now)
}

// EWMA returns the smoothed frame rate, zero before the first sample.
func (l *Ladder) EWMA() float64 {
	if !l.haveEWMA {
		return 0
	}
	return l.ewma
}

// CurrentState returns the active rung.
func (l *Ladder) CurrentState() PerfState {
	return l.state
}

// Settings returns the active rung's quality snapshot.
func (l *Ladder) Settings() StateSettings {
	return stateSettings[l.state]
}

// SettingsFor returns the snapshot of an arbitrary rung.
func SettingsFor(s PerfState) StateSettings {
	if s >= perfStateCount {
		s = PerfS5
	}
	return stateSettings[s]
}

// ForceState jumps straight to a rung, bypassing hysteresis. Used by the
// watchdog for panic entry. Pending windows reset so a later evaluation
// starts fresh.
func (l *Ladder) ForceState(s PerfState) {
	if s >= perfStateCount {
		s = PerfS5
	}
	l.setState(s)
	l.degradeSince = time.Time{}
	l.recoverSince = time.Time{}
}

// Freeze suspends ladder-driven transitions; RecordSample keeps feeding the
// EWMA so the watchdog can still judge recovery. Panic mode owns the ladder
// while frozen.
func (l *Ladder) Freeze(frozen bool) {
	l.frozen = frozen
	l.degradeSince = time.Time{}
	l.recoverSince = time.Time{}
}

// prune drops samples that fell out of the trailing window.
func (l *Ladder) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.samples) && l.samples[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.samples = append(l.samples[:0], l.samples[i:]...)
	}
}

// evaluate walks the hysteresis windows. No decision is made before
// minSamples samples exist inside the trailing window; a backgrounded tab or
// a single hitch must not move the ladder.
func (l *Ladder) evaluate(now time.Time) {
	if l.frozen {
		return
	}
	if len(l.samples) < l.minSamples {
		l.degradeSince = time.Time{}
		l.recoverSince = time.Time{}
		return
	}

	// Degrade: below the current rung's floor, sustained for the short
	// confirmation window.
	if l.state < PerfS5 && l.ewma < stateFloorFPS[l.state] {
		if l.degradeSince.IsZero() {
			l.degradeSince = now
		} else if now.Sub(l.degradeSince) >= l.degradeWin {
			l.setState(l.state + 1)
			l.degradeSince = time.Time{}
			l.recoverSince = time.Time{}
			return
		}
	} else {
		l.degradeSince = time.Time{}
	}

	// Recover: above the next-better rung's target (scaled by the recovery
	// factor), sustained for the long window.
	if l.state > PerfS0 && l.ewma > stateTargetFPS[l.state-1]*l.recoverFactor {
		if l.recoverSince.IsZero() {
			l.recoverSince = now
		} else if now.Sub(l.recoverSince) >= l.recoverWin {
			l.setState(l.state - 1)
			l.degradeSince = time.Time{}
			l.recoverSince = time.Time{}
		}
	} else {
		l.recoverSince = time.Time{}
	}
}

func (l *Ladder) setState(s PerfState) {
	if s == l.state {
		return
	}
	prev := l.state
	l.state = s
	l.log.Info().Stringer("from", prev).Stringer("to", s).Float64("ewma", l.ewma).
		Msg("performance state changed")
	l.bus.Publish(SignalStateChanged, StateChange{New: s, Previous: prev})
}
