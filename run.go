package warden

import (
	"context"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
)

// RunConfig configures the window created by Run.
type RunConfig struct {
	Title  string
	Width  int
	Height int
}

// Scene is what the host renders each frame. Draw receives the active
// quality settings so effects can honor the ladder without reaching into
// the runtime.
type Scene interface {
	Update(dt float64)
	Draw(screen *ebiten.Image, settings StateSettings)
}

// game adapts the runtime to ebiten.Game: Update drives the tick and the
// heartbeat, Draw feeds frame timing into the ladder.
type game struct {
	rt      *Runtime
	scene   Scene
	overlay *Overlay
	last    time.Time
}

func (g *game) Update() error {
	now := time.Now()
	dt := 0.0
	if !g.last.IsZero() {
		dt = now.Sub(g.last).Seconds()
	}
	g.last = now

	g.rt.Watchdog.Heartbeat()
	g.rt.Tick(now)
	if g.scene != nil {
		g.scene.Update(dt)
	}
	if g.overlay != nil {
		g.overlay.Update(dt)
	}
	return nil
}

func (g *game) Draw(screen *ebiten.Image) {
	g.rt.Ladder.RecordFrame(time.Now())
	if g.scene != nil {
		g.scene.Draw(screen, g.rt.Ladder.Settings())
	}
	if g.overlay != nil {
		g.overlay.Draw(screen, 8, 8)
	}
}

func (g *game) Layout(w, h int) (int, int) {
	return w, h
}

// Run creates a window, starts the runtime, and drives it from the ebiten
// game loop until the window closes. For full control, implement
// ebiten.Game yourself and call Runtime.Tick, Watchdog.Heartbeat, and
// Ladder.RecordFrame directly.
func Run(rt *Runtime, scene Scene, cfg RunConfig) error {
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	ebiten.SetWindowSize(cfg.Width, cfg.Height)
	ebiten.SetWindowTitle(cfg.Title)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	return ebiten.RunGame(&game{
		rt:      rt,
		scene:   scene,
		overlay: NewOverlay(rt),
	})
}
