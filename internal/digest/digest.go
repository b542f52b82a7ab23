// Package digest renders the LLM-facing routing digest: one compact block
// per node plus a local-node block, cached by content hash with TTL.
package digest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"

	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/registry"
)

// NoNodesAvailable is the full digest when the pool has no active nodes.
const NoNodesAvailable = "No nodes available"

const cacheCapacity = 1024

// Mode selects the per-node renderer.
const (
	ModeTemplate = "template"
	ModeFull     = "full"
)

// Config is the hot-reloadable digest tuning.
type Config struct {
	Mode     string
	CacheTTL time.Duration
}

// Builder renders and caches node digests.
type Builder struct {
	reg   *registry.Registry
	cfg   func() Config
	cache otter.CacheWithVariableTTL[string, string]
}

// New builds a Builder over the node pool. cfg is read per call.
func New(reg *registry.Registry, cfg func() Config) (*Builder, error) {
	cache, err := otter.MustBuilder[string, string](cacheCapacity).
		Cost(func(_ string, _ string) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, fmt.Errorf("digest: build cache: %w", err)
	}
	return &Builder{reg: reg, cfg: cfg, cache: cache}, nil
}

// Close releases the cache.
func (b *Builder) Close() {
	b.cache.Close()
}

// NodeDigest returns the digest for one node, from cache when its content
// has not changed.
func (b *Builder) NodeDigest(e *registry.Entry) string {
	cfg := b.cfg()
	snap := e.Snapshot()
	key := cacheKey(snap, cfg.Mode)
	if cached, ok := b.cache.Get(key); ok {
		return cached
	}
	rendered := render(snap, cfg.Mode)
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	b.cache.Set(key, rendered, ttl)
	return rendered
}

// Refresh drops the cached digest for the node and returns the regenerated
// value.
func (b *Builder) Refresh(e *registry.Entry) string {
	cfg := b.cfg()
	snap := e.Snapshot()
	b.cache.Delete(cacheKey(snap, cfg.Mode))
	return b.NodeDigest(e)
}

// FullDigest concatenates every active node's digest and appends the local
// node block. With no active nodes it returns NoNodesAvailable.
func (b *Builder) FullDigest(local map[string]string) string {
	active := b.reg.ActiveNodes()
	if len(active) == 0 {
		return NoNodesAvailable
	}

	blocks := make([]string, 0, len(active)+1)
	for _, e := range active {
		blocks = append(blocks, b.NodeDigest(e))
	}
	if block := localBlock(local); block != "" {
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n")
}

// cacheKey binds the entry to its rendered content, so any source-field
// mutation lands on a fresh key.
func cacheKey(snap model.CapabilitySnapshot, mode string) string {
	return snap.Slug + "|" + mode + "|" + strconv.FormatUint(contentHash(snap), 16)
}

func contentHash(snap model.CapabilitySnapshot) uint64 {
	var sb strings.Builder
	sb.WriteString(snap.Name)
	sb.WriteByte(0)
	sb.WriteString(snap.Description)
	sb.WriteByte(0)
	for _, c := range snap.Collections {
		sb.WriteString(c.Name)
		sb.WriteByte(1)
		sb.WriteString(c.Description)
		sb.WriteByte(1)
	}
	for _, c := range snap.Collectors {
		sb.WriteString(c.Name)
		sb.WriteByte(1)
		sb.WriteString(c.Goal)
		sb.WriteByte(1)
	}
	for _, d := range snap.Domains {
		sb.WriteString(d)
		sb.WriteByte(1)
	}
	for _, k := range snap.Keywords {
		sb.WriteString(k)
		sb.WriteByte(1)
	}
	for _, dt := range snap.DataTypes {
		sb.WriteString(dt)
		sb.WriteByte(1)
	}
	return xxh3.HashString(sb.String())
}

// render produces the deterministic per-node digest text.
func render(snap model.CapabilitySnapshot, mode string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "NODE: %s", snap.Slug)
	if snap.Name != "" && snap.Name != snap.Slug {
		fmt.Fprintf(&sb, " (%s)", snap.Name)
	}
	sb.WriteByte('\n')

	if snap.Description != "" {
		fmt.Fprintf(&sb, "DESCRIPTION: %s\n", snap.Description)
	}
	if len(snap.Collections) > 0 {
		names := make([]string, len(snap.Collections))
		for i, c := range snap.Collections {
			names[i] = c.Name
		}
		fmt.Fprintf(&sb, "COLLECTIONS: %s\n", strings.Join(names, ", "))
	}
	if len(snap.Domains) > 0 {
		fmt.Fprintf(&sb, "DOMAINS: %s\n", strings.Join(snap.Domains, ", "))
	}
	if len(snap.Collectors) > 0 {
		goals := make([]string, len(snap.Collectors))
		for i, c := range snap.Collectors {
			goals[i] = c.Name + ": " + c.Goal
		}
		fmt.Fprintf(&sb, "ACTIONS: %s\n", strings.Join(goals, "; "))
	}

	if mode == ModeFull {
		if len(snap.Keywords) > 0 {
			fmt.Fprintf(&sb, "KEYWORDS: %s\n", strings.Join(snap.Keywords, ", "))
		}
		if len(snap.DataTypes) > 0 {
			fmt.Fprintf(&sb, "DATA TYPES: %s\n", strings.Join(snap.DataTypes, ", "))
		}
		if len(snap.Workflows) > 0 {
			names := make([]string, len(snap.Workflows))
			for i, w := range snap.Workflows {
				names[i] = w.Name
			}
			fmt.Fprintf(&sb, "WORKFLOWS: %s\n", strings.Join(names, ", "))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// localBlock renders the locally-provided metadata map deterministically.
func localBlock(local map[string]string) string {
	if len(local) == 0 {
		return ""
	}
	keys := make([]string, 0, len(local))
	for k := range local {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("LOCAL NODE:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", strings.ToUpper(k), local[k])
	}
	return strings.TrimRight(sb.String(), "\n")
}
