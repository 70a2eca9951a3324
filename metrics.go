package warden

// Counters accumulates runtime health metrics. Every degraded path (refused
// admission, recovered panic, dropped command) increments a counter instead
// of raising an error, so sustained trouble is visible without log spam.
//
// All fields are written on the tick goroutine only; read them via Snapshot.
type Counters struct {
	Ticks              int64 // frame ticks processed
	TimersRejected     int64 // timer registrations refused at the cap
	AnimationsRejected int64 // animation admissions refused
	ResourcesRejected  int64 // pool acquisitions refused at a hard cap
	ResourcesClamped   int64 // pool acquisitions skipped by the soft clamp
	SweepsRun          int64 // periodic sweep passes completed
	TimersSwept        int64 // timers removed by age sweeps
	AnimationsEvicted  int64 // animations removed by sweeps or eviction
	ResourcesSwept     int64 // pool resources removed by age sweeps
	PhaseTransitions   int64 // completed phase changes
	HeartbeatTimeouts  int64 // render loop liveness failures
	MemoryTrendEvents  int64 // sustained heap-growth detections
	SoftRestarts       int64 // render subsystem restarts requested
	PanicsEntered      int64 // panic mode entries
	HandlerPanics      int64 // subscriber or callback panics recovered
	CommandsDropped    int64 // posted commands dropped at queue capacity
	SignalsDropped     int64 // bus publishes dropped at queue capacity
}

// Snapshot returns a copy of the counters for overlay display and tests.
func (c *Counters) Snapshot() Counters {
	return *c
}
