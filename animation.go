package warden

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"
)

// Animation is the producer-side face of a running transition. The ledger
// wraps it so registration always reflects true liveness: Update is driven
// by the ledger each tick, Stop is called exactly once on eviction.
type Animation interface {
	// Update advances the animation by dt seconds and reports completion.
	Update(dt float64) (done bool)
	// Stop halts the animation immediately. The ledger guarantees at most
	// one call.
	Stop()
}

// TrackedAnimation is a ledger entry for one running animation. It is the
// deterministic teardown handle returned by Register.
type TrackedAnimation struct {
	id          uint64
	Category    Category
	Priority    Priority
	createdAt   time.Time
	maxAge      time.Duration
	autoCleanup bool
	target      Animation
	stopped     bool
}

// Stop retires the animation. Idempotent: callers and sweeps may both reach
// an entry within a tick without double-stopping the target.
func (a *TrackedAnimation) Stop() {
	if a.stopped {
		return
	}
	a.stopped = true
	a.target.Stop()
}

// Age returns how long the animation has been running at the given instant.
func (a *TrackedAnimation) Age(now time.Time) time.Duration {
	return now.Sub(a.createdAt)
}

// AnimationLedger tracks every running transition, enforces category budgets
// and one global hard cap, and retires entries by age. Admission is blocked
// pre-creation via CanAdmit; cleanup alone cannot keep pace under churn.
//
// There is no unbounded lifetime: any requested maxAge of zero or beyond the
// ledger ceiling is clamped to the ceiling. An earlier design that exempted
// "run forever" animations from age sweeps is exactly how displays died.
type AnimationLedger struct {
	anims    []*TrackedAnimation
	counts   [categoryCount]int
	baseCaps [categoryCount]int
	scale    float64 // category budget multiplier from the performance ladder

	globalCap    int
	maxAge       time.Duration
	evictPercent int

	nextID   uint64
	clock    func() time.Time
	log      zerolog.Logger
	refusals *burstLog
	counters *Counters
}

// NewAnimationLedger creates the ledger from validated config.
func NewAnimationLedger(cfg Config, clock func() time.Time, log zerolog.Logger, counters *Counters) *AnimationLedger {
	l := log.With().Str("component", "animations").Logger()
	led := &AnimationLedger{
		anims:        make([]*TrackedAnimation, 0, cfg.AnimationGlobalCap),
		scale:        1.0,
		globalCap:    cfg.AnimationGlobalCap,
		maxAge:       cfg.AnimationMaxAge.Std(),
		evictPercent: cfg.EvictPercent,
		clock:        clock,
		log:          l,
		refusals:     newBurstLog(l, 5*time.Second),
		counters:     counters,
	}
	for cat := Category(0); cat < categoryCount; cat++ {
		led.baseCaps[cat] = cfg.categoryCap(cat)
	}
	return led
}

// CanAdmit reports whether a new animation of the category would be admitted
// right now. Producers must check this before building anything expensive;
// Register re-checks, so the gate cannot be bypassed.
func (l *AnimationLedger) CanAdmit(cat Category) bool {
	if cat >= categoryCount {
		return false
	}
	if len(l.anims) >= l.globalCap {
		return false
	}
	return l.counts[cat] < l.effectiveCap(cat)
}

// Register admits and wraps a running animation. Returns nil on refusal; the
// target's Stop is called so a refused producer never leaks a started
// transition.
func (l *AnimationLedger) Register(target Animation, cat Category, prio Priority) *TrackedAnimation {
	return l.RegisterWithMaxAge(target, cat, prio, l.maxAge)
}

// RegisterWithMaxAge admits an animation with a bounded lifetime. A maxAge of
// zero, negative, or beyond the ledger ceiling is clamped to the ceiling —
// there is deliberately no way to opt out of age-based retirement.
func (l *AnimationLedger) RegisterWithMaxAge(target Animation, cat Category, prio Priority, maxAge time.Duration) *TrackedAnimation {
	if target == nil || cat >= categoryCount {
		return nil
	}
	if !l.CanAdmit(cat) {
		l.counters.AnimationsRejected++
		l.refusals.Warnf("animation budget reached (category %s: %d/%d, global %d/%d), refusing",
			cat, l.counts[cat], l.effectiveCap(cat), len(l.anims), l.globalCap)
		target.Stop()
		return nil
	}
	if maxAge <= 0 || maxAge > l.maxAge {
		maxAge = l.maxAge
	}

	l.nextID++
	a := &TrackedAnimation{
		id:          l.nextID,
		Category:    cat,
		Priority:    prio,
		createdAt:   l.clock(),
		maxAge:      maxAge,
		autoCleanup: true,
		target:      target,
	}
	l.anims = append(l.anims, a)
	l.counts[cat]++
	return a
}

// Count returns the number of live animations.
func (l *AnimationLedger) Count() int {
	return len(l.anims)
}

// CountCategory returns the number of live animations in one category.
func (l *AnimationLedger) CountCategory(cat Category) int {
	if cat >= categoryCount {
		return 0
	}
	return l.counts[cat]
}

// ApplyState adjusts category budgets to the ladder's settings snapshot.
// The global hard cap never moves; only category headroom shrinks. Categories
// left over budget are trimmed at the next sweep, not instantly, so a state
// change does not cause a same-tick kill storm.
func (l *AnimationLedger) ApplyState(st StateSettings) {
	l.scale = st.AnimationBudgetScale
}

// Advance drives every tracked animation by dt seconds and compacts finished
// or stopped entries. Update panics retire the entry and are counted.
func (l *AnimationLedger) Advance(dt float64) {
	i := 0
	for i < len(l.anims) {
		a := l.anims[i]
		if !a.stopped {
			if l.update(a, dt) && a.autoCleanup {
				a.Stop()
			}
		}
		if a.stopped {
			l.remove(i)
			continue
		}
		i++
	}
}

// Sweep retires animations past their maxAge and trims categories that ended
// up over budget after a ladder change. Returns the number retired.
func (l *AnimationLedger) Sweep(now time.Time) int {
	removed := l.KillByAge(l.maxAge, now)

	for cat := Category(0); cat < categoryCount; cat++ {
		over := l.counts[cat] - l.effectiveCap(cat)
		if over > 0 {
			removed += l.evictCategory(cat, over)
		}
	}
	if len(l.anims) > l.globalCap {
		removed += l.KillOldestPercentage(l.evictPercent)
	}
	return removed
}

// KillByAge retires every animation older than maxAge. Runs at every phase
// transition to force-retire anything unswept. Each entry's own (shorter)
// maxAge also applies. Returns the number retired.
func (l *AnimationLedger) KillByAge(maxAge time.Duration, now time.Time) int {
	removed := 0
	i := 0
	for i < len(l.anims) {
		a := l.anims[i]
		age := now.Sub(a.createdAt)
		if age > maxAge || age > a.maxAge {
			a.Stop()
			l.remove(i)
			removed++
			continue
		}
		i++
	}
	if removed > 0 {
		l.counters.AnimationsEvicted += int64(removed)
		l.log.Debug().Int("removed", removed).Msg("age-based animation retirement")
	}
	return removed
}

// KillOldestPercentage retires the given percentage of live animations,
// lowest priority first, oldest first within a priority. A percentage, not a
// fixed count: fixed-count eviction cannot keep pace under high churn.
func (l *AnimationLedger) KillOldestPercentage(pct int) int {
	if pct <= 0 || len(l.anims) == 0 {
		return 0
	}
	if pct > 100 {
		pct = 100
	}
	n := len(l.anims) * pct / 100
	if n == 0 {
		n = 1
	}

	victims := make([]*TrackedAnimation, len(l.anims))
	copy(victims, l.anims)
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Priority != victims[j].Priority {
			return victims[i].Priority < victims[j].Priority
		}
		return victims[i].createdAt.Before(victims[j].createdAt)
	})
	for _, a := range victims[:n] {
		a.Stop()
	}
	l.compact()

	l.counters.AnimationsEvicted += int64(n)
	l.log.Warn().Int("evicted", n).Int("requested_pct", pct).
		Msg("animation ledger over budget, mass eviction")
	return n
}

// evictCategory retires n animations from one category, lowest priority and
// oldest first.
func (l *AnimationLedger) evictCategory(cat Category, n int) int {
	victims := make([]*TrackedAnimation, 0, l.counts[cat])
	for _, a := range l.anims {
		if a.Category == cat {
			victims = append(victims, a)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Priority != victims[j].Priority {
			return victims[i].Priority < victims[j].Priority
		}
		return victims[i].createdAt.Before(victims[j].createdAt)
	})
	if n > len(victims) {
		n = len(victims)
	}
	for _, a := range victims[:n] {
		a.Stop()
	}
	l.compact()
	l.counters.AnimationsEvicted += int64(n)
	return n
}

func (l *AnimationLedger) effectiveCap(cat Category) int {
	c := int(float64(l.baseCaps[cat]) * l.scale)
	if c < 1 {
		c = 1
	}
	return c
}

// remove deletes entry i by swapping in the last element.
func (l *AnimationLedger) remove(i int) {
	a := l.anims[i]
	l.counts[a.Category]--
	last := len(l.anims) - 1
	l.anims[i] = l.anims[last]
	l.anims[last] = nil
	l.anims = l.anims[:last]
}

// compact removes every stopped entry.
func (l *AnimationLedger) compact() {
	i := 0
	for i < len(l.anims) {
		if l.anims[i].stopped {
			l.remove(i)
			continue
		}
		i++
	}
}

func (l *AnimationLedger) update(a *TrackedAnimation, dt float64) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			l.counters.HandlerPanics++
			done = true
			l.log.Error().Stringer("category", a.Category).Interface("panic", r).
				Msg("animation update panicked, retiring entry")
		}
	}()
	return a.target.Update(dt)
}

// TweenGroup animates up to 4 float64 fields simultaneously via gween. It
// implements Animation so it can be admitted to the ledger; finished groups
// are retired automatically. An optional liveness check stops the group when
// its visual target goes away mid-flight.
type TweenGroup struct {
	tweens [4]*gween.Tween
	fields [4]*float64
	count  int
	alive  func() bool
	done   bool
}

// Update advances all tweens by dt seconds and writes values to the bound
// fields. Returns true once every tween finished or the target died.
func (g *TweenGroup) Update(dt float64) bool {
	if g.done {
		return true
	}
	if g.alive != nil && !g.alive() {
		g.done = true
		return true
	}

	allDone := true
	for i := 0; i < g.count; i++ {
		val, finished := g.tweens[i].Update(float32(dt))
		*g.fields[i] = float64(val)
		if !finished {
			allDone = false
		}
	}
	g.done = allDone
	return g.done
}

// Stop halts the group; bound fields keep their last written values.
func (g *TweenGroup) Stop() {
	g.done = true
}

// Done reports whether the group has finished or been stopped.
func (g *TweenGroup) Done() bool {
	return g.done
}

// WithLiveness attaches a target-liveness check evaluated before each update.
// Returns the group for chaining at construction.
func (g *TweenGroup) WithLiveness(alive func() bool) *TweenGroup {
	g.alive = alive
	return g
}

// TweenFloat creates a TweenGroup animating one field to the target value
// over the specified duration using the easing function.
func TweenFloat(field *float64, to float64, duration float32, fn ease.TweenFunc) *TweenGroup {
	g := &TweenGroup{count: 1}
	g.tweens[0] = gween.New(float32(*field), float32(to), duration, fn)
	g.fields[0] = field
	return g
}

// TweenPair creates a TweenGroup animating two fields together, typically a
// position or scale pair.
func TweenPair(a, b *float64, toA, toB float64, duration float32, fn ease.TweenFunc) *TweenGroup {
	g := &TweenGroup{count: 2}
	g.tweens[0] = gween.New(float32(*a), float32(toA), duration, fn)
	g.tweens[1] = gween.New(float32(*b), float32(toB), duration, fn)
	g.fields[0] = a
	g.fields[1] = b
	return g
}

// TweenQuad creates a TweenGroup animating four fields together, typically
// RGBA color components.
func TweenQuad(fields [4]*float64, to [4]float64, duration float32, fn ease.TweenFunc) *TweenGroup {
	g := &TweenGroup{count: 4}
	for i := 0; i < 4; i++ {
		g.tweens[i] = gween.New(float32(*fields[i]), float32(to[i]), duration, fn)
		g.fields[i] = fields[i]
	}
	return g
}
