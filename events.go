package warden

import (
	"github.com/rs/zerolog"
)

// Event is a single bus message. Payload types are small value structs
// declared next to the component that publishes them.
type Event struct {
	Signal  Signal
	Payload any
}

// Handler receives bus events. Handlers run on the tick goroutine during
// Drain; they must not block.
type Handler func(Event)

// StateChange is the payload of SignalStateChanged.
type StateChange struct {
	New      PerfState
	Previous PerfState
}

// MemoryTrend is the payload of SignalMemoryWarning and SignalMemoryCritical.
type MemoryTrend struct {
	SlopeBytesPerSec float64
	Level            int // escalation level that produced this event
}

// Exhausted is the payload of SignalResourceExhausted.
type Exhausted struct {
	Category  Category
	Container string
}

// PhaseChange is the payload of SignalPhaseChanged.
type PhaseChange struct {
	Name string
}

// drainPassLimit bounds re-entrant publishing during a single Drain so a
// handler that publishes on every delivery cannot wedge the tick.
const drainPassLimit = 8

// Bus is the in-process signal channel between subsystems. Publishes buffer;
// Drain delivers everything queued, once per tick, in publish order.
// Delivery is fire-and-forget and at-least-once within the current tick.
//
// The bus is the tick-boundary queue of the concurrency model: producers and
// the watchdog monitor never mutate another subsystem directly, they publish
// and the subscriber reacts during Drain.
type Bus struct {
	handlers [signalCount][]Handler
	queue    []Event
	next     []Event // double buffer reused across drains
	cap      int
	log      zerolog.Logger
	counters *Counters
}

// NewBus creates a bus with the given queue capacity.
func NewBus(queueCap int, log zerolog.Logger, counters *Counters) *Bus {
	return &Bus{
		queue:    make([]Event, 0, queueCap),
		next:     make([]Event, 0, queueCap),
		cap:      queueCap,
		log:      log.With().Str("component", "bus").Logger(),
		counters: counters,
	}
}

// Subscribe registers a handler for a signal. Subscription order is delivery
// order. Subscribe is construction-time wiring, not safe during Drain.
func (b *Bus) Subscribe(sig Signal, fn Handler) {
	if sig >= signalCount || fn == nil {
		return
	}
	b.handlers[sig] = append(b.handlers[sig], fn)
}

// Publish queues an event for the next Drain. When the queue is full the
// event is dropped and counted; publishing never blocks and never fails
// visibly to the producer.
func (b *Bus) Publish(sig Signal, payload any) {
	if sig >= signalCount {
		return
	}
	if len(b.queue) >= b.cap {
		b.counters.SignalsDropped++
		return
	}
	b.queue = append(b.queue, Event{Signal: sig, Payload: payload})
}

// Drain delivers all queued events to their subscribers and returns the
// number delivered. Events published by handlers during delivery are
// delivered in the same drain, up to drainPassLimit passes; anything beyond
// that waits for the next tick.
func (b *Bus) Drain() int {
	delivered := 0
	for pass := 0; pass < drainPassLimit && len(b.queue) > 0; pass++ {
		batch := b.queue
		b.queue = b.next[:0]
		for i := range batch {
			ev := batch[i]
			for _, fn := range b.handlers[ev.Signal] {
				b.deliver(fn, ev)
				delivered++
			}
		}
		b.next = batch[:0]
	}
	return delivered
}

// Pending returns the number of queued, undelivered events.
func (b *Bus) Pending() int {
	return len(b.queue)
}

// deliver invokes one handler with panic recovery. A panicking subscriber
// loses this event only; the bus and the tick continue.
func (b *Bus) deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.counters.HandlerPanics++
			b.log.Error().Stringer("signal", ev.Signal).Interface("panic", r).
				Msg("subscriber panicked; event dropped for this handler")
		}
	}()
	fn(ev)
}
