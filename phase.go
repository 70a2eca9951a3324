package warden

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// PhaseState is one state of the scene lifecycle machine.
type PhaseState uint8

const (
	PhaseIdle PhaseState = iota
	PhaseTransitionOut
	PhaseCleanup
	PhaseTransitionIn
	PhaseActive
	PhaseStopped // terminal, explicit shutdown only
)

// String returns the state name used in logs and the overlay.
func (s PhaseState) String() string {
	switch s {
	case PhaseIdle:
		return "idle"
	case PhaseTransitionOut:
		return "transition-out"
	case PhaseCleanup:
		return "cleanup"
	case PhaseTransitionIn:
		return "transition-in"
	case PhaseActive:
		return "active"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Phase is one scene in the rotation. Entry runs when the phase begins and
// receives the phase's abort token; everything the entry schedules must
// check that token before touching shared state.
type Phase struct {
	Name     string
	Duration time.Duration
	Entry    func(ctx context.Context)
}

// PlaylistEntry is one row of a YAML playlist file.
type PlaylistEntry struct {
	Name     string   `yaml:"name"`
	Duration Duration `yaml:"duration"`
}

type playlistFile struct {
	Phases []PlaylistEntry `yaml:"phases"`
}

// LoadPlaylist parses a YAML playlist into Phases. Entries without a
// duration get defaultDuration. Entry callbacks are bound afterwards via the
// entries map; phases with no binding run entry-less.
func LoadPlaylist(data []byte, defaultDuration time.Duration, entries map[string]func(ctx context.Context)) ([]Phase, error) {
	var file playlistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("warden: parse playlist: %w", err)
	}
	if len(file.Phases) == 0 {
		return nil, fmt.Errorf("warden: playlist has no phases")
	}

	phases := make([]Phase, 0, len(file.Phases))
	for _, e := range file.Phases {
		if e.Name == "" {
			return nil, fmt.Errorf("warden: playlist entry missing name")
		}
		d := e.Duration.Std()
		if d <= 0 {
			d = defaultDuration
		}
		phases = append(phases, Phase{
			Name:     e.Name,
			Duration: d,
			Entry:    entries[e.Name],
		})
	}
	return phases, nil
}

// PhaseController cycles scenes through Idle → TransitionOut → Cleanup →
// TransitionIn → Active and back around; Stopped only on explicit shutdown.
// Exactly one phase is current. Every transition mints a fresh abort token
// and cancels the previous one, so a delayed callback from an old phase
// observes a dead token and no-ops instead of corrupting shared state.
//
// Transitions are short and are not a mask for cleanup latency; Cleanup is
// its own state and runs synchronously in one tick.
type PhaseController struct {
	phases []Phase
	idx    int

	state      PhaseState
	stateSince time.Time
	deadline   time.Time
	transition time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	cleanup func(now time.Time) // ledger cleanup run during PhaseCleanup

	clock    func() time.Time
	bus      *Bus
	log      zerolog.Logger
	counters *Counters
}

// NewPhaseController creates the controller in Idle with a live token.
func NewPhaseController(cfg Config, phases []Phase, clock func() time.Time, bus *Bus, log zerolog.Logger, counters *Counters) *PhaseController {
	ctx, cancel := context.WithCancel(context.Background())
	return &PhaseController{
		phases:     phases,
		idx:        -1,
		state:      PhaseIdle,
		transition: cfg.TransitionDuration.Std(),
		ctx:        ctx,
		cancel:     cancel,
		clock:      clock,
		bus:        bus,
		log:        log.With().Str("component", "phases").Logger(),
		counters:   counters,
	}
}

// SetCleanup wires the cleanup pass run during the Cleanup state.
func (c *PhaseController) SetCleanup(fn func(now time.Time)) {
	c.cleanup = fn
}

// Token returns the current abort token. Callbacks scheduled by a phase must
// capture this and check ctx.Err() before acting.
func (c *PhaseController) Token() context.Context {
	return c.ctx
}

// State returns the lifecycle state.
func (c *PhaseController) State() PhaseState {
	return c.state
}

// CurrentPhase returns the name of the current phase, empty before Start.
func (c *PhaseController) CurrentPhase() string {
	if c.idx < 0 || c.idx >= len(c.phases) {
		return ""
	}
	return c.phases[c.idx].Name
}

// Start begins the rotation. No-op without phases or after shutdown.
func (c *PhaseController) Start(now time.Time) {
	if c.state != PhaseIdle || len(c.phases) == 0 {
		return
	}
	c.beginTransition(now)
}

// RequestTransition forces the current phase out immediately. Requests
// arriving mid-transition re-mint the token again; the interrupted phase's
// callbacks all hold dead tokens.
func (c *PhaseController) RequestTransition(now time.Time) {
	if c.state == PhaseStopped || c.state == PhaseIdle || len(c.phases) == 0 {
		return
	}
	c.beginTransition(now)
}

// Shutdown cancels the current token and parks the machine in its terminal
// state.
func (c *PhaseController) Shutdown() {
	if c.state == PhaseStopped {
		return
	}
	c.cancel()
	c.state = PhaseStopped
	c.log.Info().Msg("phase controller shut down")
}

// Advance drives the lifecycle machine. Called once per tick.
func (c *PhaseController) Advance(now time.Time) {
	switch c.state {
	case PhaseIdle, PhaseStopped:
		return

	case PhaseTransitionOut:
		if now.Sub(c.stateSince) >= c.transition {
			c.state = PhaseCleanup
			c.stateSince = now
			if c.cleanup != nil {
				c.runCleanup(now)
			}
		}

	case PhaseCleanup:
		// Cleanup ran on entry; hand over on the next tick.
		c.enterNextPhase(now)

	case PhaseTransitionIn:
		if now.Sub(c.stateSince) >= c.transition {
			c.state = PhaseActive
			c.stateSince = now
			c.deadline = now.Add(c.phases[c.idx].Duration)
		}

	case PhaseActive:
		if !now.Before(c.deadline) {
			c.beginTransition(now)
		}
	}
}

// beginTransition cancels the old token, mints a new one, and enters
// TransitionOut.
func (c *PhaseController) beginTransition(now time.Time) {
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state = PhaseTransitionOut
	c.stateSince = now
}

// enterNextPhase advances the rotation, publishes phase-changed, and runs
// the entry callback under the fresh token.
func (c *PhaseController) enterNextPhase(now time.Time) {
	c.idx = (c.idx + 1) % len(c.phases)
	phase := c.phases[c.idx]

	c.state = PhaseTransitionIn
	c.stateSince = now
	c.counters.PhaseTransitions++
	c.bus.Publish(SignalPhaseChanged, PhaseChange{Name: phase.Name})
	c.log.Info().Str("phase", phase.Name).Dur("duration", phase.Duration).Msg("phase entered")

	if phase.Entry != nil {
		c.runEntry(phase, c.ctx)
	}
}

func (c *PhaseController) runEntry(phase Phase, ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.counters.HandlerPanics++
			c.log.Error().Str("phase", phase.Name).Interface("panic", r).
				Msg("phase entry panicked")
		}
	}()
	phase.Entry(ctx)
}

func (c *PhaseController) runCleanup(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.counters.HandlerPanics++
			c.log.Error().Interface("panic", r).Msg("phase cleanup panicked")
		}
	}()
	c.cleanup(now)
}
