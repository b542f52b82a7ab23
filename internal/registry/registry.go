package registry

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nervemesh/nerve/internal/model"
)

// activeSnapshot is an immutable view of active entries, replaced atomically
// on rebuild.
type activeSnapshot struct {
	entries []*Entry
	builtAt time.Time
}

// Config wires the registry's tunables and persistence callbacks. TTL and
// threshold come from closures so runtime-config updates apply without
// restarts.
type Config struct {
	CacheTTL             func() time.Duration
	PingFailureThreshold func() int

	// BreakerOpen answers whether a node's circuit currently blocks traffic.
	// Injected to keep the breaker package decoupled from the pool. Must be
	// a side-effect-free read: routability checks run often and must not
	// consume the half-open probe slot.
	BreakerOpen func(slug string) bool

	// OnChanged fires after any mutation of a node's record, with the slug.
	// The digest cache and persistence marks hang off this.
	OnChanged func(slug string)

	// OnRemoved fires after a node is deleted from the pool.
	OnRemoved func(slug string)
}

// Registry is the single source of truth for federation peers.
type Registry struct {
	nodes *xsync.Map[string, *Entry]

	active atomic.Pointer[activeSnapshot]

	cacheTTL    func() time.Duration
	pingFailMax func() int
	breakerOpen func(slug string) bool
	onChanged   func(slug string)
	onRemoved   func(slug string)
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.CacheTTL == nil {
		cfg.CacheTTL = func() time.Duration { return 30 * time.Second }
	}
	if cfg.PingFailureThreshold == nil {
		cfg.PingFailureThreshold = func() int { return 3 }
	}
	return &Registry{
		nodes:       xsync.NewMap[string, *Entry](),
		cacheTTL:    cfg.CacheTTL,
		pingFailMax: cfg.PingFailureThreshold,
		breakerOpen: cfg.BreakerOpen,
		onChanged:   cfg.OnChanged,
		onRemoved:   cfg.OnRemoved,
	}
}

// Load seeds the pool from persisted records at bootstrap. Health rows are
// matched to nodes by slug; rows without a node were already repaired away.
func (r *Registry) Load(nodes []model.Node, health []model.NodeHealth) error {
	bysSlug := make(map[string]model.NodeHealth, len(health))
	for _, h := range health {
		bysSlug[h.Slug] = h
	}
	for _, rec := range nodes {
		e, err := NewEntry(rec)
		if err != nil {
			return err
		}
		if h, ok := bysSlug[rec.Slug]; ok {
			e.RestoreHealth(h)
		}
		r.nodes.Store(rec.Slug, e)
	}
	r.invalidate()
	log.Printf("[registry] loaded %d nodes", len(nodes))
	return nil
}

// Get resolves a slug to its entry.
func (r *Registry) Get(slug string) (*Entry, bool) {
	return r.nodes.Load(slug)
}

// Size returns the number of nodes in the pool.
func (r *Registry) Size() int {
	return r.nodes.Size()
}

// All returns every entry, active or not.
func (r *Registry) All() []*Entry {
	out := make([]*Entry, 0, r.nodes.Size())
	r.nodes.Range(func(_ string, e *Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Upsert inserts or replaces a node record in the pool.
func (r *Registry) Upsert(rec model.Node) error {
	var parseErr error
	r.nodes.Compute(rec.Slug, func(e *Entry, loaded bool) (*Entry, xsync.ComputeOp) {
		if !loaded {
			fresh, err := NewEntry(rec)
			if err != nil {
				parseErr = err
				return nil, xsync.CancelOp
			}
			return fresh, xsync.UpdateOp
		}
		if err := e.setRecord(rec); err != nil {
			parseErr = err
			return e, xsync.CancelOp
		}
		return e, xsync.UpdateOp
	})
	if parseErr != nil {
		return parseErr
	}
	r.invalidate()
	if r.onChanged != nil {
		r.onChanged(rec.Slug)
	}
	return nil
}

// Remove deletes a node from the pool.
func (r *Registry) Remove(slug string) {
	if _, loaded := r.nodes.LoadAndDelete(slug); !loaded {
		return
	}
	r.invalidate()
	if r.onRemoved != nil {
		r.onRemoved(slug)
	}
}

// invalidate drops the active snapshot so the next read rebuilds it.
func (r *Registry) invalidate() {
	r.active.Store(nil)
}

// ActiveNodes returns entries with status=active. The snapshot is cached and
// rebuilt when older than the configured TTL or after any mutation.
func (r *Registry) ActiveNodes() []*Entry {
	snap := r.active.Load()
	if snap != nil && time.Since(snap.builtAt) < r.cacheTTL() {
		return snap.entries
	}

	entries := make([]*Entry, 0, r.nodes.Size())
	r.nodes.Range(func(_ string, e *Entry) bool {
		if e.Status() == model.NodeStatusActive {
			entries = append(entries, e)
		}
		return true
	})
	r.active.Store(&activeSnapshot{entries: entries, builtAt: time.Now()})
	return entries
}

// Routable reports whether a node can receive traffic right now:
// status=active, consecutive ping failures under the threshold, and the
// circuit not open.
func (r *Registry) Routable(e *Entry) bool {
	if e.Status() != model.NodeStatusActive {
		return false
	}
	if int(e.PingFailures.Load()) >= r.pingFailMax() {
		return false
	}
	if r.breakerOpen != nil && r.breakerOpen(e.Slug()) {
		return false
	}
	return true
}

// RoutableNodes returns active nodes that pass the Routable checks.
func (r *Registry) RoutableNodes() []*Entry {
	var out []*Entry
	for _, e := range r.ActiveNodes() {
		if r.Routable(e) {
			out = append(out, e)
		}
	}
	return out
}

// AlternatesFor returns routable nodes owning the given collection, excluding
// one slug (the failed primary). Order is registry priority: weight desc,
// then response-time EWMA asc, then slug.
func (r *Registry) AlternatesFor(collection, excludeSlug string) []*Entry {
	if collection == "" {
		return nil
	}
	var out []*Entry
	for _, e := range r.RoutableNodes() {
		if e.Slug() == excludeSlug {
			continue
		}
		if e.OwnsCollection(collection) {
			out = append(out, e)
		}
	}
	sortByPriority(out)
	return out
}

// OwnersOf returns routable nodes owning the given collection in priority
// order.
func (r *Registry) OwnersOf(collection string) []*Entry {
	return r.AlternatesFor(collection, "")
}

// MarkChanged notifies listeners that a node's derived data (digest inputs)
// changed without a record rewrite, e.g. after capability sync.
func (r *Registry) MarkChanged(slug string) {
	r.invalidate()
	if r.onChanged != nil {
		r.onChanged(slug)
	}
}
