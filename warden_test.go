package warden

import (
	"time"

	"github.com/rs/zerolog"
)

// fakeClock is a manually advanced clock shared by component tests so no
// test ever sleeps.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// testBus builds a silent bus with its own counters.
func testBus() (*Bus, *Counters) {
	counters := &Counters{}
	return NewBus(DefaultConfig().SignalQueueCap, zerolog.Nop(), counters), counters
}

// stubAnimation is a controllable Animation for ledger tests.
type stubAnimation struct {
	updates   int
	stopped   bool
	doneAfter int // Update returns done once updates reaches this; 0 = never
}

func (s *stubAnimation) Update(dt float64) bool {
	s.updates++
	return s.doneAfter > 0 && s.updates >= s.doneAfter
}

func (s *stubAnimation) Stop() {
	s.stopped = true
}

// stubProducer records panic-mode gating.
type stubProducer struct {
	enabled   bool
	essential bool
}

func (p *stubProducer) SetEnabled(enabled bool) { p.enabled = enabled }
func (p *stubProducer) Essential() bool         { return p.essential }

// stubRenderer counts soft restarts.
type stubRenderer struct {
	restarts int
}

func (r *stubRenderer) Restart() { r.restarts++ }
