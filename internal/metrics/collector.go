package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/nervemesh/nerve/internal/model"
)

// historyBuckets is how many completed buckets are retained per node.
const historyBuckets = 24

// nodeAccum accumulates one node's counters within the current bucket.
type nodeAccum struct {
	Requests     int64
	Successes    int64
	Failovers    int64
	DurationMsSum int64
	ByType       map[model.RequestType]int64

	Probes         int64
	ProbeFailures  int64
	BreakerOpens   int64
}

// Bucket is one completed aggregation window for a node.
type Bucket struct {
	StartUnix    int64   `json:"start_unix"`
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failovers    int64   `json:"failovers"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	Probes       int64   `json:"probes"`
	ProbeFailures int64  `json:"probe_failures"`
	BreakerOpens int64   `json:"breaker_opens"`

	ByType map[model.RequestType]int64 `json:"by_type,omitempty"`
}

// NodeStats is the admin-facing per-node snapshot: lifetime totals plus the
// retained bucket history.
type NodeStats struct {
	NodeSlug      string  `json:"node_slug"`
	Requests      int64   `json:"requests"`
	Successes     int64   `json:"successes"`
	SuccessRate   float64 `json:"success_rate"`
	Failovers     int64   `json:"failovers"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	Probes        int64   `json:"probes"`
	ProbeFailures int64   `json:"probe_failures"`
	BreakerOpens  int64   `json:"breaker_opens"`
	LastBreakerState string `json:"last_breaker_state,omitempty"`

	History []Bucket `json:"history,omitempty"`
}

// nodeTotals carries lifetime counters, updated on every event.
type nodeTotals struct {
	Requests      int64
	Successes     int64
	Failovers     int64
	DurationMsSum int64
	Probes        int64
	ProbeFailures int64
	BreakerOpens  int64
	LastBreakerState string
}

// Collector aggregates node events into aligned time buckets. Thread-safe.
type Collector struct {
	mu            sync.Mutex
	bucketSeconds int64
	currentStart  int64

	current map[string]*nodeAccum
	history map[string][]Bucket
	totals  map[string]*nodeTotals

	now func() time.Time
}

// NewCollector creates a collector with the given bucket width.
func NewCollector(bucketSeconds int) *Collector {
	return newCollector(bucketSeconds, time.Now)
}

func newCollector(bucketSeconds int, now func() time.Time) *Collector {
	if bucketSeconds <= 0 {
		bucketSeconds = 300
	}
	width := int64(bucketSeconds)
	start := (now().Unix() / width) * width
	return &Collector{
		bucketSeconds: width,
		currentStart:  start,
		current:       make(map[string]*nodeAccum),
		history:       make(map[string][]Bucket),
		totals:        make(map[string]*nodeTotals),
		now:           now,
	}
}

// OnRequest records a completed outbound call.
func (c *Collector) OnRequest(ev RequestEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()

	a := c.accum(ev.NodeSlug)
	a.Requests++
	a.DurationMsSum += ev.DurationMs
	if ev.Success {
		a.Successes++
	}
	if ev.FailedOver {
		a.Failovers++
	}
	if a.ByType == nil {
		a.ByType = make(map[model.RequestType]int64)
	}
	a.ByType[ev.Type]++

	t := c.total(ev.NodeSlug)
	t.Requests++
	t.DurationMsSum += ev.DurationMs
	if ev.Success {
		t.Successes++
	}
	if ev.FailedOver {
		t.Failovers++
	}
}

// OnProbe records a ping attempt.
func (c *Collector) OnProbe(ev ProbeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()

	a := c.accum(ev.NodeSlug)
	a.Probes++
	if !ev.Success {
		a.ProbeFailures++
	}

	t := c.total(ev.NodeSlug)
	t.Probes++
	if !ev.Success {
		t.ProbeFailures++
	}
}

// OnBreaker records a circuit transition.
func (c *Collector) OnBreaker(ev BreakerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()

	t := c.total(ev.NodeSlug)
	if ev.To == model.BreakerOpen {
		c.accum(ev.NodeSlug).BreakerOpens++
		t.BreakerOpens++
	}
	t.LastBreakerState = ev.To
}

// Stats returns the snapshot for one node.
func (c *Collector) Stats(slug string) (NodeStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()

	t, ok := c.totals[slug]
	if !ok {
		return NodeStats{}, false
	}
	return c.statsLocked(slug, t), true
}

// AllStats returns snapshots for every node seen, sorted by slug.
func (c *Collector) AllStats() []NodeStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()

	out := make([]NodeStats, 0, len(c.totals))
	for slug, t := range c.totals {
		out = append(out, c.statsLocked(slug, t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeSlug < out[j].NodeSlug })
	return out
}

// Forget drops all data for a removed node.
func (c *Collector) Forget(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.current, slug)
	delete(c.history, slug)
	delete(c.totals, slug)
}

func (c *Collector) statsLocked(slug string, t *nodeTotals) NodeStats {
	s := NodeStats{
		NodeSlug:         slug,
		Requests:         t.Requests,
		Successes:        t.Successes,
		Failovers:        t.Failovers,
		Probes:           t.Probes,
		ProbeFailures:    t.ProbeFailures,
		BreakerOpens:     t.BreakerOpens,
		LastBreakerState: t.LastBreakerState,
		History:          append([]Bucket(nil), c.history[slug]...),
	}
	if t.Requests > 0 {
		s.SuccessRate = float64(t.Successes) / float64(t.Requests)
		s.AvgDurationMs = float64(t.DurationMsSum) / float64(t.Requests)
	}
	return s
}

// rollLocked completes the current bucket when the clock has crossed its
// boundary. Nodes with no activity emit no bucket.
func (c *Collector) rollLocked() {
	nowUnix := c.now().Unix()
	if nowUnix < c.currentStart+c.bucketSeconds {
		return
	}

	for slug, a := range c.current {
		b := Bucket{
			StartUnix:     c.currentStart,
			Requests:      a.Requests,
			Successes:     a.Successes,
			Failovers:     a.Failovers,
			Probes:        a.Probes,
			ProbeFailures: a.ProbeFailures,
			BreakerOpens:  a.BreakerOpens,
			ByType:        a.ByType,
		}
		if a.Requests > 0 {
			b.AvgDurationMs = float64(a.DurationMsSum) / float64(a.Requests)
		}
		h := append(c.history[slug], b)
		if len(h) > historyBuckets {
			h = h[len(h)-historyBuckets:]
		}
		c.history[slug] = h
	}

	c.current = make(map[string]*nodeAccum)
	c.currentStart = (nowUnix / c.bucketSeconds) * c.bucketSeconds
}

func (c *Collector) accum(slug string) *nodeAccum {
	a, ok := c.current[slug]
	if !ok {
		a = &nodeAccum{}
		c.current[slug] = a
	}
	return a
}

func (c *Collector) total(slug string) *nodeTotals {
	t, ok := c.totals[slug]
	if !ok {
		t = &nodeTotals{}
		c.totals[slug] = t
	}
	return t
}
