// Package warden is the resource-governance runtime behind continuously
// self-animating displays built on [Ebitengine].
//
// A display meant to run unattended for many hours dies in predictable ways:
// timers that outlive their owners, "run forever" animations that nothing
// retires, ephemeral sprites duplicated on every retry, frame rate collapse
// followed by oscillating emergency cleanups. Warden puts every one of those
// resource classes on a ledger with hard caps, admission control, and
// age-based sweeps, and recovers automatically when they misbehave anyway.
//
// # Quick start
//
// Build a [Runtime] from a validated [Config] and let [Run] drive it:
//
//	cfg := warden.DefaultConfig()
//	rt, err := warden.New(cfg, warden.WithPhases(phases))
//	if err != nil {
//		log.Fatal(err)
//	}
//	warden.Run(rt, myScene, warden.RunConfig{Title: "Display", Width: 1280, Height: 720})
//
// For full control, implement [ebiten.Game] yourself and call
// [Runtime.Tick], [Watchdog.Heartbeat], and [Ladder.RecordFrame] directly.
//
// # Admission before creation
//
// Producers ask before they build: [AnimationLedger.CanAdmit] gates
// animation creation, [Pool.Acquire] returns nil past a budget,
// [TimerLedger.Register] returns nil at the cap. Refusal is expected
// behavior, logged once per burst and counted — never an error, never a
// panic. Every successful registration returns a handle whose Cancel,
// Stop, or Release is the deterministic teardown.
//
// # The quality ladder
//
// [Ladder] smooths frame timing into an EWMA and walks quality states S0
// (full) through S5 (minimal) with asymmetric hysteresis: stepping down
// takes ~3 seconds of confirmation, stepping back up takes ~15 seconds of
// sustained headroom. Each state carries a [StateSettings] snapshot that
// collaborators read; state changes are published on the [Bus].
//
// # Watchdog
//
// [Watchdog] restarts the render subsystem when the heartbeat stops, walks
// an escalating cleanup ladder (ledger sweep, resource sweep, soft restart)
// when the heap trends upward, and forces panic mode — the most conservative
// state, with non-essential producers disabled — on compounding failures.
//
// [Ebitengine]: https://ebitengine.org
package warden
