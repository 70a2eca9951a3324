package warden

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Resource is a tracked ephemeral visual element. Value carries the host's
// payload (sprite, emitter, light — opaque to the pool) and survives reuse
// when the resource's kind is pooled.
type Resource struct {
	id        uint64
	Kind      string
	Category  Category
	Container string
	createdAt time.Time
	Value     any

	pool         *Pool
	released     bool
	singletonKey string
}

// Release returns the resource to the pool. Idempotent: double release is a
// no-op. Pooled kinds keep their Value on a free list for the next Acquire.
func (r *Resource) Release() {
	if r == nil || r.released {
		return
	}
	r.pool.release(r)
}

// Age returns how long the resource has been held at the given instant.
func (r *Resource) Age(now time.Time) time.Duration {
	return now.Sub(r.createdAt)
}

// containerState tracks occupancy against one container's budget.
type containerState struct {
	budget int
	count  int
}

// Pool is the ephemeral resource budget pool. Every container has a hard
// budget that occupancy never exceeds, plus a soft clamp that starts refusing
// allocation while the sweep still has headroom to catch up. Acquisition is
// non-blocking: over budget means nil, never a wait and never a panic.
type Pool struct {
	containers map[string]*containerState
	live       []*Resource
	free       map[string][]*Resource // per-kind free lists
	pooled     map[string]bool        // kinds with reuse enabled
	singles    map[string]*Resource
	group      singleflight.Group

	defaultBudget int
	margin        int
	maxAge        time.Duration
	global        *semaphore.Weighted
	budgets       map[string]int

	nextID   uint64
	clock    func() time.Time
	bus      *Bus
	log      zerolog.Logger
	refusals *burstLog
	counters *Counters
}

// NewPool creates the pool from validated config.
func NewPool(cfg Config, clock func() time.Time, bus *Bus, log zerolog.Logger, counters *Counters) *Pool {
	l := log.With().Str("component", "pool").Logger()
	pooled := make(map[string]bool, len(cfg.PooledKinds))
	for _, kind := range cfg.PooledKinds {
		pooled[kind] = true
	}
	return &Pool{
		containers:    make(map[string]*containerState),
		free:          make(map[string][]*Resource),
		pooled:        pooled,
		singles:       make(map[string]*Resource),
		defaultBudget: cfg.DefaultContainerBudget,
		margin:        cfg.SoftClampMargin,
		maxAge:        cfg.ResourceMaxAge.Std(),
		global:        semaphore.NewWeighted(int64(cfg.ResourceGlobalCap)),
		budgets:       cfg.ContainerBudgets,
		clock:         clock,
		bus:           bus,
		log:           l,
		refusals:      newBurstLog(l, 5*time.Second),
		counters:      counters,
	}
}

// Acquire allocates a resource in the given container, or returns nil when
// the container's soft clamp or hard budget refuses it. Hitting the hard
// budget publishes resource-exhausted so the watchdog can escalate.
func (p *Pool) Acquire(kind string, cat Category, container string) *Resource {
	return p.acquire(kind, cat, container, false)
}

// EnsureSingleton returns the existing resource registered under key, or
// creates it once via build. Calling it twice in succession — or on every
// retry of a failed startup path — yields the identical instance.
// Duplicate creation of one-of-a-kind persistent resources is structurally
// impossible, not merely cleaned up later.
func (p *Pool) EnsureSingleton(key, kind string, cat Category, container string, build func() any) *Resource {
	if r, ok := p.singles[key]; ok && !r.released {
		return r
	}

	v, _, _ := p.group.Do(key, func() (any, error) {
		if r, ok := p.singles[key]; ok && !r.released {
			return r, nil
		}
		// Singletons bypass the soft clamp: persistent one-of-a-kind
		// infrastructure outranks transient headroom.
		r := p.acquire(kind, cat, container, true)
		if r == nil {
			return (*Resource)(nil), nil
		}
		r.singletonKey = key
		if build != nil {
			r.Value = p.build(key, build)
		}
		p.singles[key] = r
		return r, nil
	})
	r, _ := v.(*Resource)
	return r
}

// Count returns the current occupancy of one container.
func (p *Pool) Count(container string) int {
	if cs, ok := p.containers[container]; ok {
		return cs.count
	}
	return 0
}

// CountAll returns the total number of live resources across containers.
func (p *Pool) CountAll() int {
	return len(p.live)
}

// Budget returns the hard budget of a container.
func (p *Pool) Budget(container string) int {
	if b, ok := p.budgets[container]; ok {
		return b
	}
	return p.defaultBudget
}

// Sweep force-releases non-singleton resources older than the pool maxAge.
// Returns the number released.
func (p *Pool) Sweep(now time.Time) int {
	released := 0
	i := 0
	for i < len(p.live) {
		r := p.live[i]
		if r.singletonKey == "" && now.Sub(r.createdAt) > p.maxAge {
			p.release(r) // swap-removes p.live[i]
			released++
			continue
		}
		i++
	}
	if released > 0 {
		p.counters.ResourcesSwept += int64(released)
		p.log.Debug().Int("released", released).Msg("age-based resource sweep")
	}
	return released
}

// ReleaseAll force-releases every non-singleton resource. Used by the
// watchdog's resource-sweep escalation level.
func (p *Pool) ReleaseAll() int {
	released := 0
	i := 0
	for i < len(p.live) {
		r := p.live[i]
		if r.singletonKey == "" {
			p.release(r)
			released++
			continue
		}
		i++
	}
	p.counters.ResourcesSwept += int64(released)
	return released
}

func (p *Pool) acquire(kind string, cat Category, container string, bypassClamp bool) *Resource {
	if kind == "" || container == "" || cat >= categoryCount {
		return nil
	}
	cs := p.container(container)

	if cs.count >= cs.budget {
		p.counters.ResourcesRejected++
		p.refusals.Warnf("container %q at hard budget %d, refusing %q", container, cs.budget, kind)
		p.bus.Publish(SignalResourceExhausted, Exhausted{Category: cat, Container: container})
		return nil
	}
	// Soft clamp: refuse deterministically once occupancy eats into the
	// sweep headroom, so the periodic sweep always has room to work.
	if !bypassClamp && cs.count >= cs.budget-p.margin {
		p.counters.ResourcesClamped++
		return nil
	}
	if !p.global.TryAcquire(1) {
		p.counters.ResourcesRejected++
		p.refusals.Warnf("global resource cap reached, refusing %q in %q", kind, container)
		p.bus.Publish(SignalResourceExhausted, Exhausted{Category: cat, Container: container})
		return nil
	}

	r := p.takeFree(kind)
	if r == nil {
		p.nextID++
		r = &Resource{id: p.nextID, pool: p}
	}
	r.Kind = kind
	r.Category = cat
	r.Container = container
	r.createdAt = p.clock()
	r.released = false
	r.singletonKey = ""

	cs.count++
	p.live = append(p.live, r)
	return r
}

func (p *Pool) release(r *Resource) {
	r.released = true
	if r.singletonKey != "" {
		delete(p.singles, r.singletonKey)
	}
	if cs, ok := p.containers[r.Container]; ok && cs.count > 0 {
		cs.count--
	}
	p.global.Release(1)

	for i, lr := range p.live {
		if lr == r {
			last := len(p.live) - 1
			p.live[i] = p.live[last]
			p.live[last] = nil
			p.live = p.live[:last]
			break
		}
	}

	if p.pooled[r.Kind] {
		p.free[r.Kind] = append(p.free[r.Kind], r)
	}
}

func (p *Pool) takeFree(kind string) *Resource {
	list := p.free[kind]
	if len(list) == 0 {
		return nil
	}
	r := list[len(list)-1]
	p.free[kind] = list[:len(list)-1]
	return r
}

func (p *Pool) container(name string) *containerState {
	cs, ok := p.containers[name]
	if !ok {
		cs = &containerState{budget: p.Budget(name)}
		p.containers[name] = cs
	}
	return cs
}

// build runs a singleton constructor with panic recovery; a panicking
// constructor yields a nil Value, not a dead runtime.
func (p *Pool) build(key string, fn func() any) (v any) {
	defer func() {
		if r := recover(); r != nil {
			p.counters.HandlerPanics++
			p.log.Error().Str("singleton", key).Interface("panic", r).
				Msg("singleton constructor panicked")
		}
	}()
	return fn()
}
