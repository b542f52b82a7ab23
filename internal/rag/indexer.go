package rag

import (
	"context"
	"fmt"
	"log"

	"github.com/nervemesh/nerve/internal/chunk"
	"github.com/nervemesh/nerve/internal/engine"
	"github.com/nervemesh/nerve/internal/vector"
)

// Chunking strategies.
const (
	StrategySplit    = "split"
	StrategyTruncate = "truncate"
)

// Document is one logical record to vectorize.
type Document struct {
	Collection string         `json:"collection"`
	ModelClass string         `json:"model_class"`
	ModelID    string         `json:"model_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IndexerConfig is the hot-reloadable vectorization tuning.
type IndexerConfig struct {
	EmbeddingModel string
	// Strategy is "split" or "truncate".
	Strategy string
	Chunk    chunk.Config
}

// Indexer vectorizes documents into the store: cut content under the
// embedding model's token budget, embed every piece, upsert points whose ids
// stay stable across re-indexing of the same record.
type Indexer struct {
	engines *engine.Manager
	store   *vector.Manager
	cfg     func() IndexerConfig
}

// NewIndexer builds an Indexer. cfg is read per call so tuning follows
// runtime config updates.
func NewIndexer(engines *engine.Manager, store *vector.Manager, cfg func() IndexerConfig) *Indexer {
	return &Indexer{engines: engines, store: store, cfg: cfg}
}

// Index vectorizes one document and returns the number of points written.
// A re-index of the same (model_class, model_id) replaces prior points: the
// record's old points are deleted by model_id before the new ones land, so a
// record that shrinks to fewer chunks leaves no stale content behind.
func (ix *Indexer) Index(ctx context.Context, doc Document) (int, error) {
	if doc.Collection == "" {
		return 0, &chunk.ValidationError{Reason: "collection is required"}
	}
	if doc.ModelID == "" {
		return 0, &chunk.ValidationError{Reason: "model_id is required"}
	}
	if ix.store == nil {
		return 0, fmt.Errorf("rag: no vector store configured")
	}

	cfg := ix.cfg()
	chunker := chunk.New(cfg.Chunk)

	var pieces []string
	switch cfg.Strategy {
	case StrategyTruncate:
		head, err := chunker.Truncate(doc.Content, cfg.EmbeddingModel)
		if err != nil {
			return 0, err
		}
		pieces = []string{head}
	default:
		split, err := chunker.Split(doc.Content, cfg.EmbeddingModel)
		if err != nil {
			return 0, err
		}
		pieces = split
	}

	vecs, err := ix.embedAll(ctx, pieces, cfg.EmbeddingModel)
	if err != nil {
		return 0, err
	}

	points := make([]vector.Point, 0, len(pieces))
	for i, piece := range pieces {
		id := vector.PointID(doc.ModelClass, doc.ModelID)
		if len(pieces) > 1 {
			id = vector.ChunkPointID(doc.ModelClass, doc.ModelID, i)
		}
		payload := make(map[string]any, len(doc.Metadata)+3)
		for k, v := range doc.Metadata {
			payload[k] = v
		}
		payload["content"] = piece
		payload["model_id"] = doc.ModelID
		if len(pieces) > 1 {
			payload["chunk_index"] = i
		}
		points = append(points, vector.Point{ID: id, Vector: vecs[i], Payload: payload})
	}

	prior := &vector.Filter{Must: []vector.Condition{{Key: "model_id", Match: vector.Match{Value: doc.ModelID}}}}
	if err := ix.store.DeletePoints(ctx, doc.Collection, prior); err != nil {
		return 0, fmt.Errorf("rag: clear prior points for %s: %w", doc.ModelID, err)
	}

	if err := ix.store.Upsert(ctx, doc.Collection, doc.ModelClass, points); err != nil {
		return 0, fmt.Errorf("rag: upsert %s: %w", doc.Collection, err)
	}
	if len(points) > 1 {
		log.Printf("[rag] indexed %s/%s as %d chunks", doc.Collection, doc.ModelID, len(points))
	}
	return len(points), nil
}

func (ix *Indexer) embedAll(ctx context.Context, inputs []string, model string) ([][]float32, error) {
	e, err := ix.engines.Resolve(model)
	if err != nil {
		return nil, err
	}
	embedder, ok := engine.AsEmbedder(e)
	if !ok {
		return nil, fmt.Errorf("rag: engine %s cannot embed", e.Name())
	}
	vecs, err := embedder.Embed(ctx, inputs, model)
	if err != nil {
		return nil, fmt.Errorf("rag: embed content: %w", err)
	}
	if len(vecs) != len(inputs) {
		return nil, fmt.Errorf("rag: expected %d embeddings, got %d", len(inputs), len(vecs))
	}
	return vecs, nil
}
