// Package probe runs the background ping sweep: every non-maintenance node is
// pinged on a fixed cadence, health fields are folded into the registry entry,
// status flips error<->active on failure-threshold crossings, and capability
// changes reported by the ping snapshot are synced back into the node record.
package probe

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/nodeclient"
	"github.com/nervemesh/nerve/internal/registry"
	"github.com/nervemesh/nerve/internal/scanloop"
)

// Pinger fetches a node's capability snapshot. Injectable for testing; the
// production pinger is nodeclient.Client.Ping.
type Pinger func(ctx context.Context, target nodeclient.Target) (model.CapabilitySnapshot, error)

// Outcome describes one completed ping attempt, for the request log and
// metrics hooks.
type Outcome struct {
	Slug       string
	DurationMs int64
	Err        error
	Synced     bool
}

// Config configures the Prober. Cadence and thresholds come from closures so
// runtime-config updates apply without restarts.
type Config struct {
	Registry    *registry.Registry
	Pinger      Pinger
	Concurrency int

	PingInterval     func() time.Duration
	PingTimeout      func() time.Duration
	FailureThreshold func() int

	// OnOutcome fires after every ping attempt, success or failure.
	OnOutcome func(Outcome)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Prober schedules and executes pings against nodes in the pool.
type Prober struct {
	reg    *registry.Registry
	pinger Pinger
	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	pingInterval     func() time.Duration
	pingTimeout      func() time.Duration
	failureThreshold func() int
	onOutcome        func(Outcome)
	now              func() time.Time
}

// dueLookahead lets the jittered scan cadence catch pings slightly early
// instead of drifting a full scan interval late.
const dueLookahead = 5 * time.Second

// New creates a Prober.
func New(cfg Config) *Prober {
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 8
	}
	if cfg.PingInterval == nil {
		cfg.PingInterval = func() time.Duration { return 60 * time.Second }
	}
	if cfg.PingTimeout == nil {
		cfg.PingTimeout = func() time.Duration { return 10 * time.Second }
	}
	if cfg.FailureThreshold == nil {
		cfg.FailureThreshold = func() int { return 3 }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Prober{
		reg:              cfg.Registry,
		pinger:           cfg.Pinger,
		sem:              make(chan struct{}, conc),
		stopCh:           make(chan struct{}),
		pingInterval:     cfg.PingInterval,
		pingTimeout:      cfg.PingTimeout,
		failureThreshold: cfg.FailureThreshold,
		onOutcome:        cfg.OnOutcome,
		now:              cfg.Now,
	}
}

// Start launches the background sweep worker.
func (p *Prober) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		scanloop.Run(p.stopCh, p.scanInterval, p.Sweep)
	}()
}

// scanInterval derives the sweep cadence from the ping interval: a quarter
// of it, clamped, so due nodes are caught within the lookahead window
// without hammering the pool between pings.
func (p *Prober) scanInterval() time.Duration {
	iv := p.pingInterval() / 4
	if iv < 5*time.Second {
		iv = 5 * time.Second
	}
	if iv > time.Minute {
		iv = time.Minute
	}
	return iv
}

// Stop signals the sweep to stop and waits for in-flight pings to drain.
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Sweep pings every non-maintenance node that is due. Also the cron entry
// point for forced full sweeps.
func (p *Prober) Sweep() {
	now := p.now()
	interval := p.pingInterval()

	for _, e := range p.reg.All() {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if e.Status() == model.NodeStatusMaintenance || e.Status() == model.NodeStatusInactive {
			continue
		}
		if last := e.LastPingAtNs.Load(); last > 0 {
			due := time.Unix(0, last).Add(interval).Add(-dueLookahead)
			if now.Before(due) {
				continue
			}
		}

		select {
		case p.sem <- struct{}{}:
		case <-p.stopCh:
			return
		}

		p.wg.Add(1)
		go func(e *registry.Entry) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.PingNode(e)
		}(e)
	}
}

// PingNode runs one blocking ping against a node and folds the result into
// its health fields. Exposed for the admin force-ping endpoint.
func (p *Prober) PingNode(e *registry.Entry) Outcome {
	slug := e.Slug()
	apiKey, _, _ := e.Secrets()
	target := nodeclient.Target{Slug: slug, BaseURL: e.BaseURL(), APIKey: apiKey}

	ctx, cancel := context.WithTimeout(context.Background(), p.pingTimeout())
	defer cancel()

	started := p.now()
	snap, err := p.pinger(ctx, target)
	out := Outcome{Slug: slug, DurationMs: p.now().Sub(started).Milliseconds(), Err: err}

	if err != nil {
		p.recordFailure(e)
	} else {
		p.recordSuccess(e, out.DurationMs)
		out.Synced = p.syncCapabilities(e, snap)
	}

	if p.onOutcome != nil {
		p.onOutcome(out)
	}
	return out
}

func (p *Prober) recordSuccess(e *registry.Entry, durationMs int64) {
	e.LastPingAtNs.Store(p.now().UnixNano())
	e.PingFailures.Store(0)
	e.RecordResponseTime(float64(durationMs))

	if e.Status() == model.NodeStatusError {
		p.setStatus(e, model.NodeStatusActive)
		log.Printf("[probe] node %s recovered, status active", e.Slug())
	}
}

func (p *Prober) recordFailure(e *registry.Entry) {
	// Failed attempts still advance last_ping_at; due-ness tracks attempts,
	// not successes.
	e.LastPingAtNs.Store(p.now().UnixNano())
	failures := int(e.PingFailures.Add(1))

	if failures >= p.failureThreshold() && e.Status() == model.NodeStatusActive {
		p.setStatus(e, model.NodeStatusError)
		log.Printf("[probe] node %s: %d consecutive ping failures, status error", e.Slug(), failures)
	}
}

func (p *Prober) setStatus(e *registry.Entry, status model.NodeStatus) {
	rec := e.Record()
	rec.Status = status
	rec.UpdatedAtNs = p.now().UnixNano()
	if err := p.reg.Upsert(rec); err != nil {
		log.Printf("[probe] node %s: status update failed: %v", e.Slug(), err)
	}
}

// syncCapabilities folds a changed ping snapshot back into the node record.
// Reports whether a sync write happened.
func (p *Prober) syncCapabilities(e *registry.Entry, snap model.CapabilitySnapshot) bool {
	current := e.Snapshot()
	// Identity fields a node omits from its ping response stay as-is.
	if snap.Name == "" {
		snap.Name = current.Name
	}
	if snap.Description == "" {
		snap.Description = current.Description
	}
	if snap.Version == "" {
		snap.Version = current.Version
	}
	if snapshotEqual(current, snap) {
		e.LastSyncAtNs.Store(p.now().UnixNano())
		return false
	}

	rec := e.Record()
	var err error
	if rec.CollectionsJSON, err = marshalOrEmpty(snap.Collections); err != nil {
		log.Printf("[probe] node %s: capability sync: %v", e.Slug(), err)
		return false
	}
	rec.CollectorsJSON, _ = marshalOrEmpty(snap.Collectors)
	rec.WorkflowsJSON, _ = marshalOrEmpty(snap.Workflows)
	rec.DomainsJSON, _ = marshalOrEmpty(snap.Domains)
	rec.DataTypesJSON, _ = marshalOrEmpty(snap.DataTypes)
	rec.KeywordsJSON, _ = marshalOrEmpty(snap.Keywords)
	if snap.Name != "" {
		rec.Name = snap.Name
	}
	if snap.Description != "" {
		rec.Description = snap.Description
	}
	if snap.Version != "" {
		rec.Version = snap.Version
	}
	rec.UpdatedAtNs = p.now().UnixNano()

	if err := p.reg.Upsert(rec); err != nil {
		log.Printf("[probe] node %s: capability sync rejected: %v", e.Slug(), err)
		return false
	}
	e.LastSyncAtNs.Store(p.now().UnixNano())
	log.Printf("[probe] node %s: capabilities synced", e.Slug())
	return true
}

// snapshotEqual compares the capability surface, ignoring identity fields the
// sync never rewrites (slug, type).
func snapshotEqual(a, b model.CapabilitySnapshot) bool {
	a.Slug, b.Slug = "", ""
	a.Type, b.Type = "", ""
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ra) == string(rb)
}

func marshalOrEmpty(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
