package warden

import (
	"fmt"
	"image/color"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
)

// Overlay is a small on-screen widget showing the runtime's health: FPS,
// performance state, ledger occupancy, current phase, and a panic indicator.
// The text is refreshed every ~0.5 seconds.
type Overlay struct {
	rt    *Runtime
	img   *ebiten.Image
	accum float64
}

// NewOverlay creates the widget. Draw it last so it sits on top.
func NewOverlay(rt *Runtime) *Overlay {
	return &Overlay{
		rt:  rt,
		img: ebiten.NewImage(240, 96),
	}
}

// Update refreshes the widget text. Call once per tick with the frame delta
// in seconds.
func (o *Overlay) Update(dt float64) {
	o.accum += dt
	if o.accum < 0.5 {
		return
	}
	o.accum = 0

	o.img.Clear()
	// Semi-transparent background for readability.
	o.img.Fill(color.RGBA{0, 0, 0, 128})

	c := o.rt.Counters()
	status := ""
	if o.rt.Watchdog.InPanic() {
		status = "  PANIC"
	}
	ebitenutil.DebugPrint(o.img, fmt.Sprintf(
		"FPS: %.1f  EWMA: %.1f  %s%s\nanim: %d  timers: %d  res: %d\nphase: %s (%s)\nrej a/t/r: %d/%d/%d  restarts: %d",
		ebiten.ActualFPS(), o.rt.Ladder.EWMA(), o.rt.Ladder.CurrentState(), status,
		o.rt.Animations.Count(), o.rt.Timers.Count(), o.rt.Pool.CountAll(),
		o.rt.Phases.CurrentPhase(), o.rt.Phases.State(),
		c.AnimationsRejected, c.TimersRejected, c.ResourcesRejected, c.SoftRestarts))
}

// Draw blits the widget at (x, y).
func (o *Overlay) Draw(screen *ebiten.Image, x, y float64) {
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Translate(x, y)
	screen.DrawImage(o.img, op)
}
