package vector

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"
)

const (
	// createSettleDelay lets a fresh collection settle before index
	// creation hits it.
	createSettleDelay = 500 * time.Millisecond

	ensuredCacheCapacity = 10_000
)

// PointID derives the stable point id for a model instance.
func PointID(modelClass, modelID string) uint64 {
	return xxh3.HashString(modelClass + "_" + modelID)
}

// ChunkPointID derives the point id for one chunk of a model instance.
func ChunkPointID(modelClass, modelID string, chunk int) uint64 {
	return xxh3.HashString(modelClass + "_" + modelID + "_" + strconv.Itoa(chunk))
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// BaseIndexFields is the configured base indexable set applied to every
	// collection.
	BaseIndexFields []string
	// Dimensions is the embedding width for new collections.
	Dimensions int
	// SettleDelay overrides the post-create settle, used by tests.
	SettleDelay time.Duration
}

// Manager wraps the raw client with payload-index lifecycle: inference,
// idempotent creation and an ensured cache so search-time index checks are
// O(1) after first use.
type Manager struct {
	client  *Client
	models  *ModelRegistry
	cfg     ManagerConfig
	ensured otter.Cache[string, struct{}]
	settle  time.Duration
}

// NewManager builds a Manager over client and models.
func NewManager(client *Client, models *ModelRegistry, cfg ManagerConfig) (*Manager, error) {
	cache, err := otter.MustBuilder[string, struct{}](ensuredCacheCapacity).
		Cost(func(_ string, _ struct{}) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("vector: build ensured cache: %w", err)
	}
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = createSettleDelay
	}
	return &Manager{
		client:  client,
		models:  models,
		cfg:     cfg,
		ensured: cache,
		settle:  settle,
	}, nil
}

// Close releases the ensured cache.
func (m *Manager) Close() {
	m.ensured.Close()
}

// EnsureCollection creates the collection if needed, waits for it to
// settle, then creates the inferred payload indexes. Idempotent.
func (m *Manager) EnsureCollection(ctx context.Context, name, modelClass string) error {
	exists, err := m.client.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.client.CreateCollection(ctx, name, CollectionParams{Dimensions: m.cfg.Dimensions}); err != nil {
			return err
		}
		log.Printf("[vector] created collection %s (dims=%d)", name, m.cfg.Dimensions)
		select {
		case <-time.After(m.settle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fields := m.models.IndexFields(modelClass, m.cfg.BaseIndexFields)
	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}
	sort.Strings(names)
	for _, field := range names {
		if err := m.ensureIndex(ctx, name, field, fields[field]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteCollection drops the collection and forgets its ensured indexes.
func (m *Manager) DeleteCollection(ctx context.Context, name string) error {
	m.ensured.Range(func(key string, _ struct{}) bool {
		if collection, _, ok := splitEnsuredKey(key); ok && collection == name {
			m.ensured.Delete(key)
		}
		return true
	})
	return m.client.DeleteCollection(ctx, name)
}

// Upsert writes points, lazily creating the collection on first use.
func (m *Manager) Upsert(ctx context.Context, collection, modelClass string, points []Point) error {
	if err := m.EnsureCollection(ctx, collection, modelClass); err != nil {
		return err
	}
	return m.client.UpsertPoints(ctx, collection, points)
}

// Search ensures indexes for every field the filter references, merges the
// model's mandatory filter, then runs the similarity query.
func (m *Manager) Search(ctx context.Context, collection, modelClass string, params SearchParams) ([]ScoredPoint, error) {
	if spec, ok := m.models.Get(modelClass); ok && len(spec.SearchFilter) > 0 {
		params.Filter = mergeFilter(params.Filter, spec.SearchFilter)
	}
	for _, field := range params.Filter.Keys() {
		if err := m.ensureIndex(ctx, collection, field, InferFieldSchema(field, "")); err != nil {
			return nil, err
		}
	}
	return m.client.Search(ctx, collection, params)
}

// DeletePoints removes points matching the filter.
func (m *Manager) DeletePoints(ctx context.Context, collection string, filter *Filter) error {
	return m.client.DeletePoints(ctx, collection, filter)
}

// Count and Scroll pass through to the client.
func (m *Manager) Count(ctx context.Context, collection string, filter *Filter) (int, error) {
	return m.client.Count(ctx, collection, filter)
}

func (m *Manager) Scroll(ctx context.Context, collection string, filter *Filter, limit int, offset any) (ScrollPage, error) {
	return m.client.Scroll(ctx, collection, filter, limit, offset)
}

func (m *Manager) ensureIndex(ctx context.Context, collection, field string, schema FieldSchema) error {
	key := ensuredKey(collection, field)
	if _, ok := m.ensured.Get(key); ok {
		return nil
	}
	if err := m.client.CreateIndex(ctx, collection, field, schema); err != nil {
		return err
	}
	m.ensured.Set(key, struct{}{})
	return nil
}

func ensuredKey(collection, field string) string {
	return collection + "|" + field
}

func splitEnsuredKey(key string) (collection, field string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// mergeFilter appends mandatory model filter fields to an existing filter,
// keeping caller conditions on key collision.
func mergeFilter(base *Filter, mandatory map[string]any) *Filter {
	merged := &Filter{}
	seen := make(map[string]bool)
	if base != nil {
		merged.Must = append(merged.Must, base.Must...)
		for _, cond := range base.Must {
			seen[cond.Key] = true
		}
	}
	extra := BuildFilter(mandatory)
	for _, cond := range extra.Must {
		if !seen[cond.Key] {
			merged.Must = append(merged.Must, cond)
		}
	}
	return merged
}
