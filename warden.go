package warden

import (
	"encoding"
	"time"
)

// Category classifies a tracked animation or ephemeral resource. Budgets are
// enforced per category; every category has a bounded lifetime ceiling.
type Category uint8

const (
	CategoryAmbient    Category = iota // long-lived background motion
	CategoryAccent                     // short decorative bursts
	CategoryTransition                 // phase enter/exit effects
	CategoryOverlay                    // HUD / indicator elements
	CategoryEffect                     // producer-spawned one-shot effects
	categoryCount
)

// String returns the category name used in logs and config tables.
func (c Category) String() string {
	switch c {
	case CategoryAmbient:
		return "ambient"
	case CategoryAccent:
		return "accent"
	case CategoryTransition:
		return "transition"
	case CategoryOverlay:
		return "overlay"
	case CategoryEffect:
		return "effect"
	default:
		return "unknown"
	}
}

// Priority orders eviction when a ledger must shed load. Lower priorities are
// evicted first; equal priorities evict oldest first.
type Priority uint8

const (
	PriorityLow      Priority = iota // evicted first
	PriorityNormal                   // default
	PriorityHigh                     // decorative but prominent
	PriorityCritical                 // phase transitions, panic indicator
)

// Signal identifies a message on the in-process Bus.
type Signal uint8

const (
	SignalStateChanged      Signal = iota // performance ladder moved
	SignalMemoryWarning                   // heap trend exceeded, cleanup started
	SignalMemoryCritical                  // cleanup did not arrest the trend
	SignalResourceExhausted               // a pool container hit its hard cap
	SignalPhaseChanged                    // a new phase became current
	SignalPanicEntered                    // watchdog forced conservative mode
	SignalPanicExited                     // sustained recovery plus cooldown met
	SignalHeartbeatTimeout                // render loop missed its deadline
	SignalSoftRestart                     // render subsystem restart requested
	signalCount
)

// String returns the wire name of the signal as seen by subscribers and logs.
func (s Signal) String() string {
	switch s {
	case SignalStateChanged:
		return "state-changed"
	case SignalMemoryWarning:
		return "memory-warning"
	case SignalMemoryCritical:
		return "memory-critical"
	case SignalResourceExhausted:
		return "resource-exhausted"
	case SignalPhaseChanged:
		return "phase-changed"
	case SignalPanicEntered:
		return "panic-entered"
	case SignalPanicExited:
		return "panic-exited"
	case SignalHeartbeatTimeout:
		return "heartbeat-timeout"
	case SignalSoftRestart:
		return "soft-restart"
	default:
		return "unknown"
	}
}

// Duration wraps time.Duration so config values parse from "250ms" / "15s"
// strings in TOML, YAML, and environment overrides alike.
type Duration time.Duration

var (
	_ encoding.TextUnmarshaler = (*Duration)(nil)
	_ encoding.TextMarshaler   = Duration(0)
)

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Renderer is the capability interface the runtime uses to soft-restart the
// render subsystem. Hosts that cannot restart pass NopRenderer.
type Renderer interface {
	// Restart tears down and re-creates the render subsystem only. It must
	// not block the tick; long work should be deferred internally.
	Restart()
}

// NopRenderer satisfies Renderer with no behavior.
type NopRenderer struct{}

// Restart does nothing.
func (NopRenderer) Restart() {}

// Producer is the capability interface for effect producers that can be
// disabled during panic mode. Producers that cannot pause pass NopProducer.
type Producer interface {
	// SetEnabled turns the producer's spawning on or off. Disabled producers
	// must stop creating new work but may let existing work run out.
	SetEnabled(enabled bool)
	// Essential producers stay enabled during panic mode.
	Essential() bool
}

// NopProducer satisfies Producer with no behavior.
type NopProducer struct{}

// SetEnabled does nothing.
func (NopProducer) SetEnabled(bool) {}

// Essential reports false; a NopProducer is never essential.
func (NopProducer) Essential() bool { return false }
