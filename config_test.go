package warden

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBrokenBudgets(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timer cap", func(c *Config) { c.TimerCap = 0 }},
		{"negative timer max age", func(c *Config) { c.TimerMaxAge = Duration(-time.Second) }},
		{"zero animation cap", func(c *Config) { c.AnimationGlobalCap = 0 }},
		{"category cap above global", func(c *Config) { c.DefaultCategoryCap = c.AnimationGlobalCap + 1 }},
		{"named category cap above global", func(c *Config) { c.CategoryCaps = map[string]int{"accent": 9999} }},
		{"evict percent above 100", func(c *Config) { c.EvictPercent = 101 }},
		{"zero container budget", func(c *Config) { c.DefaultContainerBudget = 0 }},
		{"negative named budget", func(c *Config) { c.ContainerBudgets = map[string]int{"fireworks": -1} }},
		{"margin swallows budget", func(c *Config) { c.SoftClampMargin = c.DefaultContainerBudget }},
		{"alpha above one", func(c *Config) { c.EWMAAlpha = 1.5 }},
		{"zero min samples", func(c *Config) { c.MinSamples = 0 }},
		{"recover not slower than degrade", func(c *Config) { c.RecoverWindow = c.DegradeWindow }},
		{"recover factor above one", func(c *Config) { c.RecoverFactor = 1.1 }},
		{"zero heartbeat timeout", func(c *Config) { c.HeartbeatTimeout = 0 }},
		{"one memory sample", func(c *Config) { c.MemoryMinSamples = 1 }},
		{"zero slope limit", func(c *Config) { c.MemorySlopeLimit = 0 }},
		{"zero panic floor", func(c *Config) { c.PanicFloorFPS = 0 }},
		{"zero exhausted threshold", func(c *Config) { c.ExhaustedThreshold = 0 }},
		{"zero transition duration", func(c *Config) { c.TransitionDuration = 0 }},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }},
		{"zero signal queue", func(c *Config) { c.SignalQueueCap = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfigFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
timer_cap = 512
animation_max_age = "45s"
heartbeat_timeout = "300ms"
pooled_kinds = ["spark", "droplet"]

[category_caps]
accent = 20
transition = 12

[container_budgets]
fireworks = 128
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.TimerCap)
	assert.Equal(t, Duration(45*time.Second), cfg.AnimationMaxAge)
	assert.Equal(t, Duration(300*time.Millisecond), cfg.HeartbeatTimeout)
	assert.Equal(t, []string{"spark", "droplet"}, cfg.PooledKinds)
	assert.Equal(t, 20, cfg.categoryCap(CategoryAccent))
	assert.Equal(t, 12, cfg.categoryCap(CategoryTransition))
	assert.Equal(t, 60, cfg.categoryCap(CategoryAmbient), "unnamed categories keep the default")
	assert.Equal(t, 128, cfg.containerBudget("fireworks"))
	assert.Equal(t, 64, cfg.containerBudget("anything-else"))

	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultConfig().RecoverWindow, cfg.RecoverWindow)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.toml")
	require.NoError(t, os.WriteFile(path, []byte("timer_cap = 512\n"), 0o644))

	t.Setenv("WARDEN_TIMER_CAP", "1024")
	t.Setenv("WARDEN_DEGRADE_WINDOW", "4s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.TimerCap, "environment wins over the file")
	assert.Equal(t, Duration(4*time.Second), cfg.DegradeWindow)
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadConfigValidatesResult(t *testing.T) {
	t.Setenv("WARDEN_TIMER_CAP", "-5")
	_, err := LoadConfig("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDurationTextRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("250ms")))
	assert.Equal(t, 250*time.Millisecond, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "250ms", string(text))

	assert.Error(t, d.UnmarshalText([]byte("banana")))
}
