// Package registry owns the in-memory node pool: slug resolution, the active
// snapshot, collection ownership matching, and node scoring.
package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/nervemesh/nerve/internal/model"
)

// ewmaAlpha weights new response-time samples against history.
const ewmaAlpha = 0.3

// Entry represents a node in the pool. The persisted record and parsed
// capability fields are guarded by mu; hot health fields use atomics so the
// forwarder and prober never contend with admin updates.
type Entry struct {
	mu          sync.RWMutex
	rec         model.Node
	collections []model.Collection
	collectors  []model.Collector
	workflows   []model.Workflow
	domains     []string
	dataTypes   []string
	keywords    []string

	// Health (hot path).
	LastPingAtNs      atomic.Int64
	PingFailures      atomic.Int32
	ActiveConnections atomic.Int32
	LastSyncAtNs      atomic.Int64
	avgResponseBits   atomic.Uint64 // math.Float64bits of the EWMA in ms
}

// NewEntry parses a persisted node record into a pool entry.
func NewEntry(rec model.Node) (*Entry, error) {
	e := &Entry{}
	if err := e.setRecord(rec); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Entry) setRecord(rec model.Node) error {
	var (
		collections []model.Collection
		collectors  []model.Collector
		workflows   []model.Workflow
		domains     []string
		dataTypes   []string
		keywords    []string
	)
	for _, f := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"collections", rec.CollectionsJSON, &collections},
		{"collectors", rec.CollectorsJSON, &collectors},
		{"workflows", rec.WorkflowsJSON, &workflows},
		{"domains", rec.DomainsJSON, &domains},
		{"data_types", rec.DataTypesJSON, &dataTypes},
		{"keywords", rec.KeywordsJSON, &keywords},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return fmt.Errorf("node %s: parse %s: %w", rec.Slug, f.name, err)
		}
	}

	e.mu.Lock()
	e.rec = rec
	e.collections = collections
	e.collectors = collectors
	e.workflows = workflows
	e.domains = domains
	e.dataTypes = dataTypes
	e.keywords = keywords
	e.mu.Unlock()
	return nil
}

// Record returns a copy of the persisted node record.
func (e *Entry) Record() model.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec
}

// Slug returns the node's slug. Slugs are immutable after creation.
func (e *Entry) Slug() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.Slug
}

// Status returns the node's administrative status.
func (e *Entry) Status() model.NodeStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.Status
}

// BaseURL returns the node's base URL.
func (e *Entry) BaseURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.BaseURL
}

// Weight returns the node's load-balancing weight (minimum 1).
func (e *Entry) Weight() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.rec.Weight < 1 {
		return 1
	}
	return e.rec.Weight
}

// Secrets returns the current and previous API keys plus the rotation
// timestamp, for bearer signing and grace-window verification.
func (e *Entry) Secrets() (apiKey, prevAPIKey string, rotatedAtNs int64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.APIKey, e.rec.PrevAPIKey, e.rec.RotatedAtNs
}

// Collections returns the parsed collection list (shared slice; treat as
// read-only).
func (e *Entry) Collections() []model.Collection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collections
}

// Collectors returns the parsed autonomous collector list.
func (e *Entry) Collectors() []model.Collector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collectors
}

// Domains returns the node's domain tags.
func (e *Entry) Domains() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.domains
}

// Keywords returns the node's alias keywords.
func (e *Entry) Keywords() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.keywords
}

// Snapshot builds the capability snapshot served by ping and used by the
// digest builder.
func (e *Entry) Snapshot() model.CapabilitySnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return model.CapabilitySnapshot{
		Slug:        e.rec.Slug,
		Name:        e.rec.Name,
		Type:        e.rec.Type,
		Version:     e.rec.Version,
		Description: e.rec.Description,
		Collections: e.collections,
		Collectors:  e.collectors,
		Workflows:   e.workflows,
		Domains:     e.domains,
		DataTypes:   e.dataTypes,
		Keywords:    e.keywords,
	}
}

// --- Health ---

// AvgResponseMs returns the response-time EWMA in milliseconds.
func (e *Entry) AvgResponseMs() float64 {
	return math.Float64frombits(e.avgResponseBits.Load())
}

// RecordResponseTime folds a response-time sample (ms) into the EWMA.
func (e *Entry) RecordResponseTime(ms float64) {
	for {
		oldBits := e.avgResponseBits.Load()
		old := math.Float64frombits(oldBits)
		next := ms
		if old != 0 {
			next = old*(1-ewmaAlpha) + ms*ewmaAlpha
		}
		if e.avgResponseBits.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

// HealthRecord materializes the current health fields for persistence.
func (e *Entry) HealthRecord() *model.NodeHealth {
	return &model.NodeHealth{
		Slug:              e.Slug(),
		LastPingAtNs:      e.LastPingAtNs.Load(),
		PingFailures:      int(e.PingFailures.Load()),
		AvgResponseMs:     e.AvgResponseMs(),
		ActiveConnections: int(e.ActiveConnections.Load()),
		LastSyncAtNs:      e.LastSyncAtNs.Load(),
	}
}

// RestoreHealth seeds health fields from a persisted record at bootstrap.
// Active connections always restart at zero.
func (e *Entry) RestoreHealth(h model.NodeHealth) {
	e.LastPingAtNs.Store(h.LastPingAtNs)
	e.PingFailures.Store(int32(h.PingFailures))
	e.LastSyncAtNs.Store(h.LastSyncAtNs)
	e.avgResponseBits.Store(math.Float64bits(h.AvgResponseMs))
}
