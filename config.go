package warden

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// ErrInvalidConfig is returned by Validate for any configuration the runtime
// refuses to start with. Configuration problems are startup-only failures;
// nothing re-reads config after New.
var ErrInvalidConfig = errors.New("warden: invalid config")

// Config holds every budget, cap, and threshold the runtime enforces.
// Zero values are filled by DefaultConfig; LoadConfig layers a TOML file and
// WARDEN_* environment overrides on top before validation.
type Config struct {
	// Timer ledger.
	TimerCap    int      `toml:"timer_cap" env:"WARDEN_TIMER_CAP"`
	TimerMaxAge Duration `toml:"timer_max_age" env:"WARDEN_TIMER_MAX_AGE"`

	// Animation ledger. CategoryCaps is keyed by Category.String(); absent
	// categories fall back to DefaultCategoryCap.
	AnimationGlobalCap int            `toml:"animation_global_cap" env:"WARDEN_ANIMATION_GLOBAL_CAP"`
	DefaultCategoryCap int            `toml:"default_category_cap" env:"WARDEN_DEFAULT_CATEGORY_CAP"`
	CategoryCaps       map[string]int `toml:"category_caps"`
	AnimationMaxAge    Duration       `toml:"animation_max_age" env:"WARDEN_ANIMATION_MAX_AGE"`
	EvictPercent       int            `toml:"evict_percent" env:"WARDEN_EVICT_PERCENT"`

	// Resource pool. ContainerBudgets is keyed by container name; absent
	// containers fall back to DefaultContainerBudget.
	DefaultContainerBudget int            `toml:"default_container_budget" env:"WARDEN_DEFAULT_CONTAINER_BUDGET"`
	ContainerBudgets       map[string]int `toml:"container_budgets"`
	SoftClampMargin        int            `toml:"soft_clamp_margin" env:"WARDEN_SOFT_CLAMP_MARGIN"`
	ResourceGlobalCap      int            `toml:"resource_global_cap" env:"WARDEN_RESOURCE_GLOBAL_CAP"`
	ResourceMaxAge         Duration       `toml:"resource_max_age" env:"WARDEN_RESOURCE_MAX_AGE"`
	PooledKinds            []string       `toml:"pooled_kinds"`

	// Performance ladder.
	EWMAAlpha     float64  `toml:"ewma_alpha" env:"WARDEN_EWMA_ALPHA"`
	MinSamples    int      `toml:"min_samples" env:"WARDEN_MIN_SAMPLES"`
	SampleWindow  Duration `toml:"sample_window" env:"WARDEN_SAMPLE_WINDOW"`
	DegradeWindow Duration `toml:"degrade_window" env:"WARDEN_DEGRADE_WINDOW"`
	RecoverWindow Duration `toml:"recover_window" env:"WARDEN_RECOVER_WINDOW"`
	RecoverFactor float64  `toml:"recover_factor" env:"WARDEN_RECOVER_FACTOR"`

	// Watchdog.
	HeartbeatTimeout     Duration `toml:"heartbeat_timeout" env:"WARDEN_HEARTBEAT_TIMEOUT"`
	MemorySampleInterval Duration `toml:"memory_sample_interval" env:"WARDEN_MEMORY_SAMPLE_INTERVAL"`
	MemorySlopeLimit     int64    `toml:"memory_slope_limit" env:"WARDEN_MEMORY_SLOPE_LIMIT"` // bytes per second
	MemoryMinSamples     int      `toml:"memory_min_samples" env:"WARDEN_MEMORY_MIN_SAMPLES"`
	EscalationInterval   Duration `toml:"escalation_interval" env:"WARDEN_ESCALATION_INTERVAL"`
	RestartMinInterval   Duration `toml:"restart_min_interval" env:"WARDEN_RESTART_MIN_INTERVAL"`
	PanicFloorFPS        float64  `toml:"panic_floor_fps" env:"WARDEN_PANIC_FLOOR_FPS"`
	PanicFloorHold       Duration `toml:"panic_floor_hold" env:"WARDEN_PANIC_FLOOR_HOLD"`
	PanicCooldown        Duration `toml:"panic_cooldown" env:"WARDEN_PANIC_COOLDOWN"`
	ExhaustedThreshold   int      `toml:"exhausted_threshold" env:"WARDEN_EXHAUSTED_THRESHOLD"`
	ExhaustedWindow      Duration `toml:"exhausted_window" env:"WARDEN_EXHAUSTED_WINDOW"`

	// Phases.
	TransitionDuration   Duration `toml:"transition_duration" env:"WARDEN_TRANSITION_DURATION"`
	DefaultPhaseDuration Duration `toml:"default_phase_duration" env:"WARDEN_DEFAULT_PHASE_DURATION"`

	// Runtime plumbing.
	SweepInterval   Duration `toml:"sweep_interval" env:"WARDEN_SWEEP_INTERVAL"`
	CommandQueueCap int      `toml:"command_queue_cap" env:"WARDEN_COMMAND_QUEUE_CAP"`
	SignalQueueCap  int      `toml:"signal_queue_cap" env:"WARDEN_SIGNAL_QUEUE_CAP"`
}

// DefaultConfig returns the tuning used by unattended installations.
// The asymmetric degrade/recover windows are deliberate: dropping quality is
// cheap and fast, climbing back requires sustained proof.
func DefaultConfig() Config {
	return Config{
		TimerCap:    256,
		TimerMaxAge: Duration(5 * time.Minute),

		AnimationGlobalCap: 150,
		DefaultCategoryCap: 60,
		AnimationMaxAge:    Duration(30 * time.Second),
		EvictPercent:       75,

		DefaultContainerBudget: 64,
		SoftClampMargin:        8,
		ResourceGlobalCap:      512,
		ResourceMaxAge:         Duration(2 * time.Minute),

		EWMAAlpha:     0.2,
		MinSamples:    30,
		SampleWindow:  Duration(10 * time.Second),
		DegradeWindow: Duration(3 * time.Second),
		RecoverWindow: Duration(15 * time.Second),
		RecoverFactor: 0.95,

		HeartbeatTimeout:     Duration(250 * time.Millisecond),
		MemorySampleInterval: Duration(2 * time.Second),
		MemorySlopeLimit:     1 << 20, // 1 MiB/s
		MemoryMinSamples:     10,
		EscalationInterval:   Duration(5 * time.Second),
		RestartMinInterval:   Duration(10 * time.Second),
		PanicFloorFPS:        10,
		PanicFloorHold:       Duration(5 * time.Second),
		PanicCooldown:        Duration(15 * time.Second),
		ExhaustedThreshold:   5,
		ExhaustedWindow:      Duration(30 * time.Second),

		TransitionDuration:   Duration(400 * time.Millisecond),
		DefaultPhaseDuration: Duration(60 * time.Second),

		SweepInterval:   Duration(2 * time.Second),
		CommandQueueCap: 256,
		SignalQueueCap:  1024,
	}
}

// LoadConfig reads a TOML file over the defaults, applies WARDEN_*
// environment overrides, and validates the result. An empty path skips the
// file and uses defaults plus environment only.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("warden: read config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("warden: env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would let a budget go unenforced.
// All failures are fatal at startup; there is no partial acceptance.
func (c Config) Validate() error {
	if c.TimerCap <= 0 {
		return fmt.Errorf("%w: timer_cap must be positive, got %d", ErrInvalidConfig, c.TimerCap)
	}
	if c.TimerMaxAge <= 0 {
		return fmt.Errorf("%w: timer_max_age must be positive", ErrInvalidConfig)
	}
	if c.AnimationGlobalCap <= 0 {
		return fmt.Errorf("%w: animation_global_cap must be positive, got %d", ErrInvalidConfig, c.AnimationGlobalCap)
	}
	if c.DefaultCategoryCap <= 0 || c.DefaultCategoryCap > c.AnimationGlobalCap {
		return fmt.Errorf("%w: default_category_cap %d must be in 1..%d",
			ErrInvalidConfig, c.DefaultCategoryCap, c.AnimationGlobalCap)
	}
	for name, cap := range c.CategoryCaps {
		if cap <= 0 || cap > c.AnimationGlobalCap {
			return fmt.Errorf("%w: category cap %q = %d must be in 1..%d",
				ErrInvalidConfig, name, cap, c.AnimationGlobalCap)
		}
	}
	if c.AnimationMaxAge <= 0 {
		return fmt.Errorf("%w: animation_max_age must be positive", ErrInvalidConfig)
	}
	if c.EvictPercent <= 0 || c.EvictPercent > 100 {
		return fmt.Errorf("%w: evict_percent %d must be in 1..100", ErrInvalidConfig, c.EvictPercent)
	}
	if c.DefaultContainerBudget <= 0 {
		return fmt.Errorf("%w: default_container_budget must be positive", ErrInvalidConfig)
	}
	for name, budget := range c.ContainerBudgets {
		if budget <= 0 {
			return fmt.Errorf("%w: container budget %q must be positive, got %d",
				ErrInvalidConfig, name, budget)
		}
	}
	if c.SoftClampMargin < 0 || c.SoftClampMargin >= c.DefaultContainerBudget {
		return fmt.Errorf("%w: soft_clamp_margin %d must be in 0..%d",
			ErrInvalidConfig, c.SoftClampMargin, c.DefaultContainerBudget-1)
	}
	if c.ResourceGlobalCap <= 0 {
		return fmt.Errorf("%w: resource_global_cap must be positive", ErrInvalidConfig)
	}
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		return fmt.Errorf("%w: ewma_alpha %g must be in (0, 1]", ErrInvalidConfig, c.EWMAAlpha)
	}
	if c.MinSamples <= 0 {
		return fmt.Errorf("%w: min_samples must be positive", ErrInvalidConfig)
	}
	if c.SampleWindow <= 0 || c.DegradeWindow <= 0 || c.RecoverWindow <= 0 {
		return fmt.Errorf("%w: ladder windows must be positive", ErrInvalidConfig)
	}
	// Recovery strictly slower than degrade, or the ladder oscillates.
	if c.RecoverWindow <= c.DegradeWindow {
		return fmt.Errorf("%w: recover_window %s must exceed degrade_window %s",
			ErrInvalidConfig, c.RecoverWindow.Std(), c.DegradeWindow.Std())
	}
	if c.RecoverFactor <= 0 || c.RecoverFactor > 1 {
		return fmt.Errorf("%w: recover_factor %g must be in (0, 1]", ErrInvalidConfig, c.RecoverFactor)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("%w: heartbeat_timeout must be positive", ErrInvalidConfig)
	}
	if c.MemorySampleInterval <= 0 || c.MemoryMinSamples < 2 {
		return fmt.Errorf("%w: memory trend needs a positive sample interval and at least 2 samples", ErrInvalidConfig)
	}
	if c.MemorySlopeLimit <= 0 {
		return fmt.Errorf("%w: memory_slope_limit must be positive", ErrInvalidConfig)
	}
	if c.PanicFloorFPS <= 0 || c.PanicFloorHold <= 0 || c.PanicCooldown <= 0 {
		return fmt.Errorf("%w: panic thresholds must be positive", ErrInvalidConfig)
	}
	if c.ExhaustedThreshold <= 0 || c.ExhaustedWindow <= 0 {
		return fmt.Errorf("%w: exhausted escalation thresholds must be positive", ErrInvalidConfig)
	}
	if c.TransitionDuration <= 0 || c.DefaultPhaseDuration <= 0 {
		return fmt.Errorf("%w: phase durations must be positive", ErrInvalidConfig)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep_interval must be positive", ErrInvalidConfig)
	}
	if c.CommandQueueCap <= 0 || c.SignalQueueCap <= 0 {
		return fmt.Errorf("%w: queue capacities must be positive", ErrInvalidConfig)
	}
	return nil
}

// categoryCap resolves the configured cap for a category.
func (c Config) categoryCap(cat Category) int {
	if cap, ok := c.CategoryCaps[cat.String()]; ok {
		return cap
	}
	return c.DefaultCategoryCap
}

// containerBudget resolves the configured budget for a container.
func (c Config) containerBudget(container string) int {
	if b, ok := c.ContainerBudgets[container]; ok {
		return b
	}
	return c.DefaultContainerBudget
}
