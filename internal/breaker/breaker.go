// Package breaker implements the per-node circuit breaker: a closed / open /
// half-open state machine with lazy half-open probing and exponential cooldown
// escalation. State lives in memory and is flushed through the weak-persist
// path; a restart restores the last flushed snapshot.
package breaker

import (
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nervemesh/nerve/internal/model"
)

// Config wires breaker tunables and the dirty-mark callback. Tunables come
// from closures so runtime-config updates apply without restarts.
type Config struct {
	FailureThreshold  func() int
	Cooldown          func() time.Duration
	BackoffMultiplier func() float64
	MaxCooldown       func() time.Duration

	// OnStateDirty fires whenever a node's record changes; the state engine's
	// dirty set hangs off this.
	OnStateDirty func(slug string)

	// OnTransition fires on every circuit state change; the metrics
	// collector hangs off this.
	OnTransition func(slug, from, to string)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// nodeState guards one node's breaker record. probeInFlight enforces the
// single-probe rule in half_open.
type nodeState struct {
	mu            sync.Mutex
	rec           model.BreakerState
	probeInFlight bool
}

// Breaker tracks circuit state for every node in the pool.
type Breaker struct {
	states *xsync.Map[string, *nodeState]

	threshold    func() int
	cooldown     func() time.Duration
	multiplier   func() float64
	maxCool      func() time.Duration
	onDirty      func(slug string)
	onTransition func(slug, from, to string)
	now          func() time.Time
}

// New creates a Breaker with the given config.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == nil {
		cfg.FailureThreshold = func() int { return 5 }
	}
	if cfg.Cooldown == nil {
		cfg.Cooldown = func() time.Duration { return 60 * time.Second }
	}
	if cfg.BackoffMultiplier == nil {
		cfg.BackoffMultiplier = func() float64 { return 2.0 }
	}
	if cfg.MaxCooldown == nil {
		cfg.MaxCooldown = func() time.Duration { return 15 * time.Minute }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		states:       xsync.NewMap[string, *nodeState](),
		threshold:    cfg.FailureThreshold,
		cooldown:     cfg.Cooldown,
		multiplier:   cfg.BackoffMultiplier,
		maxCool:      cfg.MaxCooldown,
		onDirty:      cfg.OnStateDirty,
		onTransition: cfg.OnTransition,
		now:          cfg.Now,
	}
}

// Load seeds breaker records from persistence at bootstrap. Half-open rows are
// demoted to open: the probe that was in flight at shutdown never reported.
func (b *Breaker) Load(states []model.BreakerState) {
	for _, rec := range states {
		if rec.State == model.BreakerHalfOpen {
			rec.State = model.BreakerOpen
		}
		b.states.Store(rec.Slug, &nodeState{rec: rec})
	}
	log.Printf("[breaker] restored %d breaker states", len(states))
}

func (b *Breaker) get(slug string) *nodeState {
	ns, _ := b.states.LoadOrCompute(slug, func() (*nodeState, bool) {
		return &nodeState{rec: model.BreakerState{Slug: slug, State: model.BreakerClosed}}, false
	})
	return ns
}

func (b *Breaker) markDirty(slug string) {
	if b.onDirty != nil {
		b.onDirty(slug)
	}
}

func (b *Breaker) notifyTransition(slug, from, to string) {
	if from != to && b.onTransition != nil {
		b.onTransition(slug, from, to)
	}
}

// RecordSuccess registers a successful call. In half_open this closes the
// circuit and zeroes all counters.
func (b *Breaker) RecordSuccess(slug string) {
	ns := b.get(slug)
	nowNs := b.now().UnixNano()

	ns.mu.Lock()
	prev := ns.rec.State
	ns.probeInFlight = false
	ns.rec.SuccessCount++
	ns.rec.FailureCount = 0
	ns.rec.LastSuccessAtNs = nowNs
	if ns.rec.State != model.BreakerClosed {
		ns.rec.State = model.BreakerClosed
		ns.rec.SuccessCount = 0
		ns.rec.OpenedAtNs = 0
		ns.rec.NextRetryAtNs = 0
		ns.rec.ReopenCount = 0
	}
	ns.mu.Unlock()

	if prev != model.BreakerClosed {
		log.Printf("[breaker] node %s: %s -> closed", slug, prev)
	}
	b.notifyTransition(slug, prev, model.BreakerClosed)
	b.markDirty(slug)
}

// RecordFailure registers a failed call. The K-th consecutive failure in
// closed opens the circuit; any failure in half_open reopens it with an
// escalated cooldown.
func (b *Breaker) RecordFailure(slug string) {
	ns := b.get(slug)
	now := b.now()

	ns.mu.Lock()
	prev := ns.rec.State
	ns.probeInFlight = false
	ns.rec.FailureCount++
	ns.rec.LastFailureAtNs = now.UnixNano()

	var opened bool
	var wait time.Duration
	switch ns.rec.State {
	case model.BreakerClosed:
		if ns.rec.FailureCount >= b.threshold() {
			wait = b.cooldown()
			ns.rec.State = model.BreakerOpen
			ns.rec.OpenedAtNs = now.UnixNano()
			ns.rec.NextRetryAtNs = now.Add(wait).UnixNano()
			ns.rec.ReopenCount = 0
			opened = true
		}
	case model.BreakerHalfOpen:
		ns.rec.ReopenCount++
		wait = b.escalatedCooldown(ns.rec.ReopenCount)
		ns.rec.State = model.BreakerOpen
		ns.rec.OpenedAtNs = now.UnixNano()
		ns.rec.NextRetryAtNs = now.Add(wait).UnixNano()
		opened = true
	}
	ns.mu.Unlock()

	if opened {
		log.Printf("[breaker] node %s: circuit open for %s", slug, wait)
		b.notifyTransition(slug, prev, model.BreakerOpen)
	}
	b.markDirty(slug)
}

// escalatedCooldown returns cooldown x multiplier^reopens, capped.
func (b *Breaker) escalatedCooldown(reopens int) time.Duration {
	wait := float64(b.cooldown())
	mult := b.multiplier()
	for i := 0; i < reopens; i++ {
		wait *= mult
		if wait >= float64(b.maxCool()) {
			return b.maxCool()
		}
	}
	if max := b.maxCool(); wait > float64(max) {
		return max
	}
	return time.Duration(wait)
}

// IsOpen reports whether the circuit blocks traffic to the node right now.
// An open circuit past its retry time lazily transitions to half_open and
// admits exactly one probe: the admitting call sees false, every concurrent
// caller sees true until the probe reports via RecordSuccess/RecordFailure.
func (b *Breaker) IsOpen(slug string) bool {
	ns, ok := b.states.Load(slug)
	if !ok {
		return false
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	switch ns.rec.State {
	case model.BreakerClosed:
		return false
	case model.BreakerOpen:
		if b.now().UnixNano() < ns.rec.NextRetryAtNs {
			return true
		}
		ns.rec.State = model.BreakerHalfOpen
		ns.probeInFlight = true
		b.markDirty(slug)
		b.notifyTransition(slug, model.BreakerOpen, model.BreakerHalfOpen)
		log.Printf("[breaker] node %s: open -> half_open, probe admitted", slug)
		return false
	default: // half_open
		if ns.probeInFlight {
			return true
		}
		ns.probeInFlight = true
		return false
	}
}

// ReleaseProbe returns an admitted half-open probe slot without recording an
// outcome. Callers that bail out after admission but before a conclusive
// result (cancelled context, pre-flight rejection, non-transient reply) must
// release the slot or the circuit blocks the node until an admin reset.
func (b *Breaker) ReleaseProbe(slug string) {
	ns, ok := b.states.Load(slug)
	if !ok {
		return
	}
	ns.mu.Lock()
	if ns.rec.State == model.BreakerHalfOpen {
		ns.probeInFlight = false
	}
	ns.mu.Unlock()
}

// Blocked is the side-effect-free read for routability checks: it never
// admits a probe. An open circuit past its retry time reports unblocked so
// the caller that actually dials the node takes the probe slot through
// IsOpen.
func (b *Breaker) Blocked(slug string) bool {
	ns, ok := b.states.Load(slug)
	if !ok {
		return false
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	switch ns.rec.State {
	case model.BreakerClosed:
		return false
	case model.BreakerOpen:
		return b.now().UnixNano() < ns.rec.NextRetryAtNs
	default: // half_open
		return ns.probeInFlight
	}
}

// Snapshot returns a copy of a node's breaker record.
func (b *Breaker) Snapshot(slug string) (model.BreakerState, bool) {
	ns, ok := b.states.Load(slug)
	if !ok {
		return model.BreakerState{}, false
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.rec, true
}

// All returns copies of every tracked breaker record.
func (b *Breaker) All() []model.BreakerState {
	out := make([]model.BreakerState, 0, b.states.Size())
	b.states.Range(func(_ string, ns *nodeState) bool {
		ns.mu.Lock()
		out = append(out, ns.rec)
		ns.mu.Unlock()
		return true
	})
	return out
}

// ReadState is the flush-time reader for the dirty set. Returns nil for
// untracked slugs so stale marks become deletes.
func (b *Breaker) ReadState(slug string) *model.BreakerState {
	ns, ok := b.states.Load(slug)
	if !ok {
		return nil
	}
	ns.mu.Lock()
	rec := ns.rec
	ns.mu.Unlock()
	return &rec
}

// Reset force-closes a node's circuit and zeroes counters (admin action).
func (b *Breaker) Reset(slug string) {
	ns := b.get(slug)
	ns.mu.Lock()
	ns.rec = model.BreakerState{Slug: slug, State: model.BreakerClosed}
	ns.probeInFlight = false
	ns.mu.Unlock()
	log.Printf("[breaker] node %s: circuit reset", slug)
	b.markDirty(slug)
}

// Remove drops a node's breaker record (node deleted from the pool).
func (b *Breaker) Remove(slug string) {
	if _, loaded := b.states.LoadAndDelete(slug); loaded {
		b.markDirty(slug)
	}
}
