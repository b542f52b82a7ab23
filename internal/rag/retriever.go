// Package rag retrieves context for a chat turn: embed the query, run a
// filter-aware similarity search, resolve hits into sources and format a
// context block for the generation prompt.
package rag

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/nervemesh/nerve/internal/engine"
	"github.com/nervemesh/nerve/internal/vector"
)

// InsufficientContextError reports that retrieval produced zero sources
// above the threshold. Recovered locally by generating without a context
// block.
type InsufficientContextError struct {
	Query string
}

func (e *InsufficientContextError) Error() string {
	return "rag: no sources above threshold for query"
}

// Source is one retrieved context record.
type Source struct {
	ID       string
	Content  string
	Score    float64
	Metadata map[string]any
}

// Resolver maps search hits onto domain records. The default resolver reads
// content and model_id straight from the point payload.
type Resolver interface {
	Resolve(ctx context.Context, modelClass string, hits []vector.ScoredPoint) ([]Source, error)
}

// PayloadResolver resolves sources from point payloads without a database
// round trip.
type PayloadResolver struct{}

func (PayloadResolver) Resolve(_ context.Context, _ string, hits []vector.ScoredPoint) ([]Source, error) {
	sources := make([]Source, 0, len(hits))
	for _, hit := range hits {
		content, _ := hit.Payload["content"].(string)
		id, _ := hit.Payload["model_id"].(string)
		if id == "" {
			id = strconv.FormatUint(hit.ID, 10)
		}
		sources = append(sources, Source{
			ID:       id,
			Content:  content,
			Score:    hit.Score,
			Metadata: hit.Payload,
		})
	}
	return sources, nil
}

// Config is the hot-reloadable retrieval tuning.
type Config struct {
	EmbeddingModel    string
	ChatModel         string
	MaxContextItems   int
	MinRelevanceScore float64
	IncludeSources    bool
}

// Options narrows one retrieval. Zero values defer to Config.
type Options struct {
	Limit          int
	MinScore       float64
	Filters        map[string]any
	SkipUserFilter bool
}

// Retriever runs the retrieval pipeline against the vector store.
type Retriever struct {
	engines  *engine.Manager
	store    *vector.Manager
	resolver Resolver
	cfg      func() Config
}

// NewRetriever builds a Retriever. cfg is read per call so tuning follows
// runtime config updates.
func NewRetriever(engines *engine.Manager, store *vector.Manager, resolver Resolver, cfg func() Config) *Retriever {
	if resolver == nil {
		resolver = PayloadResolver{}
	}
	return &Retriever{engines: engines, store: store, resolver: resolver, cfg: cfg}
}

// Retrieve embeds query and returns scored sources from collection.
func (r *Retriever) Retrieve(ctx context.Context, query, collection, modelClass, userID string, opts Options) ([]Source, error) {
	cfg := r.cfg()

	limit := opts.Limit
	if limit <= 0 {
		limit = cfg.MaxContextItems
	}
	threshold := opts.MinScore
	if threshold <= 0 {
		threshold = cfg.MinRelevanceScore
	}

	filters := make(map[string]any, len(opts.Filters)+1)
	for k, v := range opts.Filters {
		filters[k] = v
	}
	if userID != "" && !opts.SkipUserFilter {
		filters["user_id"] = userID
	}

	vec, err := r.embed(ctx, query, cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}

	hits, err := r.store.Search(ctx, collection, modelClass, vector.SearchParams{
		Vector:         vec,
		Limit:          limit,
		ScoreThreshold: threshold,
		Filter:         vector.BuildFilter(filters),
	})
	if err != nil {
		return nil, err
	}

	return r.resolver.Resolve(ctx, modelClass, hits)
}

func (r *Retriever) embed(ctx context.Context, query, model string) ([]float32, error) {
	e, err := r.engines.Resolve(model)
	if err != nil {
		return nil, err
	}
	embedder, ok := engine.AsEmbedder(e)
	if !ok {
		return nil, fmt.Errorf("rag: engine %s cannot embed", e.Name())
	}
	vecs, err := embedder.Embed(ctx, []string{query}, model)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("rag: expected one embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// retrieveSoft runs Retrieve but swallows search failures into an empty
// result, so one bad search never blocks a chat turn.
func (r *Retriever) retrieveSoft(ctx context.Context, query, collection, modelClass, userID string, opts Options) []Source {
	sources, err := r.Retrieve(ctx, query, collection, modelClass, userID, opts)
	if err != nil {
		log.Printf("[rag] retrieval failed, continuing without context: %v", err)
		return nil
	}
	return sources
}

// FormatContext renders sources into the prompt context block.
func FormatContext(sources []Source, includeRelevance bool) string {
	blocks := make([]string, 0, len(sources))
	for i, src := range sources {
		header := fmt.Sprintf("[Source %d]", i+1)
		if includeRelevance {
			header += fmt.Sprintf(" (Relevance: %.1f%%)", src.Score*100)
		}
		blocks = append(blocks, header+"\n"+src.Content)
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

func buildPrompt(system, block, query string) []engine.Message {
	if block == "" {
		return []engine.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: query},
		}
	}
	return []engine.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: "CONTEXT INFORMATION:\n" + block + "\n\nUSER QUESTION:\n" + query},
	}
}
