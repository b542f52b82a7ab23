package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nervemesh/nerve/internal/chunk"
	"github.com/nervemesh/nerve/internal/engine"
	"github.com/nervemesh/nerve/internal/vector"
)

// upsertRecorder fakes the store collection lifecycle and records upserts.
type upsertRecorder struct {
	mu      sync.Mutex
	created map[string]bool
	points  []recordedPoint
}

type recordedPoint struct {
	ID      uint64         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (rec *upsertRecorder) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if !rec.created[r.PathValue("name")] {
			http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"result": {}, "status": "ok"}`)
	})
	mux.HandleFunc("PUT /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.created[r.PathValue("name")] = true
		rec.mu.Unlock()
		fmt.Fprint(w, `{"result": true, "status": "ok"}`)
	})
	mux.HandleFunc("PUT /collections/{name}/index", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result": true, "status": "ok"}`)
	})
	mux.HandleFunc("PUT /collections/{name}/points", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []recordedPoint `json:"points"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.points = append(rec.points, body.Points...)
		rec.mu.Unlock()
		fmt.Fprint(w, `{"result": true, "status": "ok"}`)
	})
	mux.HandleFunc("POST /collections/{name}/points/delete", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Filter struct {
				Must []struct {
					Key   string `json:"key"`
					Match struct {
						Value any `json:"value"`
					} `json:"match"`
				} `json:"must"`
			} `json:"filter"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if !rec.created[r.PathValue("name")] {
			http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
			return
		}
		kept := rec.points[:0]
		for _, p := range rec.points {
			matched := len(body.Filter.Must) > 0
			for _, cond := range body.Filter.Must {
				if p.Payload[cond.Key] != cond.Match.Value {
					matched = false
					break
				}
			}
			if !matched {
				kept = append(kept, p)
			}
		}
		rec.points = kept
		fmt.Fprint(w, `{"result": true, "status": "ok"}`)
	})
	return mux
}

func (rec *upsertRecorder) recorded() []recordedPoint {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]recordedPoint, len(rec.points))
	copy(out, rec.points)
	return out
}

func newTestIndexer(t *testing.T, rec *upsertRecorder, cfg IndexerConfig) *Indexer {
	t.Helper()
	server := httptest.NewServer(rec.handler())
	t.Cleanup(server.Close)

	client, err := vector.NewClient(vector.Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	store, err := vector.NewManager(client, vector.NewModelRegistry(), vector.ManagerConfig{Dimensions: 3, SettleDelay: 1})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(store.Close)

	engines := engine.NewManager()
	engines.Register(&stubEngine{name: "text-embedding-3-small", embedding: []float32{0.1, 0.2, 0.3}})

	return NewIndexer(engines, store, func() IndexerConfig { return cfg })
}

func TestIndexSingleChunk(t *testing.T) {
	rec := &upsertRecorder{created: map[string]bool{}}
	ix := newTestIndexer(t, rec, IndexerConfig{EmbeddingModel: "text-embedding-3-small"})

	n, err := ix.Index(context.Background(), Document{
		Collection: "invoices",
		ModelClass: "Invoice",
		ModelID:    "42",
		Content:    "Invoice 42 total is $310.",
		Metadata:   map[string]any{"user_id": "u1"},
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n != 1 {
		t.Fatalf("points = %d, want 1", n)
	}

	points := rec.recorded()
	if len(points) != 1 {
		t.Fatalf("recorded %d points, want 1", len(points))
	}
	p := points[0]
	if p.ID != vector.PointID("Invoice", "42") {
		t.Errorf("id = %d, want stable PointID", p.ID)
	}
	if p.Payload["content"] != "Invoice 42 total is $310." {
		t.Errorf("content payload = %v", p.Payload["content"])
	}
	if p.Payload["model_id"] != "42" || p.Payload["user_id"] != "u1" {
		t.Errorf("metadata payload = %v", p.Payload)
	}
	if _, ok := p.Payload["chunk_index"]; ok {
		t.Error("single-chunk point must not carry chunk_index")
	}
}

func TestIndexSplitsLongContent(t *testing.T) {
	rec := &upsertRecorder{created: map[string]bool{}}
	ix := newTestIndexer(t, rec, IndexerConfig{
		EmbeddingModel: "text-embedding-3-small",
		Strategy:       StrategySplit,
		Chunk:          chunk.Config{ChunkSize: 400, Overlap: 50},
	})

	content := strings.Repeat("The quarterly report shows steady growth. ", 30)
	n, err := ix.Index(context.Background(), Document{
		Collection: "reports",
		ModelClass: "Report",
		ModelID:    "q3",
		Content:    content,
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n < 2 {
		t.Fatalf("points = %d, want several chunks", n)
	}

	points := rec.recorded()
	if len(points) != n {
		t.Fatalf("recorded %d points, want %d", len(points), n)
	}
	seen := map[uint64]bool{}
	for i, p := range points {
		if p.ID != vector.ChunkPointID("Report", "q3", i) {
			t.Errorf("chunk %d id = %d, want ChunkPointID", i, p.ID)
		}
		if seen[p.ID] {
			t.Errorf("duplicate point id %d", p.ID)
		}
		seen[p.ID] = true
		if got, ok := p.Payload["chunk_index"].(float64); !ok || int(got) != i {
			t.Errorf("chunk %d payload chunk_index = %v", i, p.Payload["chunk_index"])
		}
	}
}

func TestIndexReindexRemovesStaleChunks(t *testing.T) {
	rec := &upsertRecorder{created: map[string]bool{}}
	ix := newTestIndexer(t, rec, IndexerConfig{
		EmbeddingModel: "text-embedding-3-small",
		Strategy:       StrategySplit,
		Chunk:          chunk.Config{ChunkSize: 400, Overlap: 50},
	})

	long := strings.Repeat("The quarterly report shows steady growth. ", 30)
	n, err := ix.Index(context.Background(), Document{
		Collection: "reports",
		ModelClass: "Report",
		ModelID:    "q3",
		Content:    long,
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n < 2 {
		t.Fatalf("points = %d, want several chunks", n)
	}

	// The record shrinks to a single chunk under a different point id; the
	// old chunk points must not survive to surface stale content.
	n, err = ix.Index(context.Background(), Document{
		Collection: "reports",
		ModelClass: "Report",
		ModelID:    "q3",
		Content:    "Growth was steady.",
	})
	if err != nil {
		t.Fatalf("re-Index: %v", err)
	}
	if n != 1 {
		t.Fatalf("points = %d, want 1", n)
	}

	points := rec.recorded()
	if len(points) != 1 {
		t.Fatalf("store holds %d points after re-index, want 1", len(points))
	}
	if points[0].ID != vector.PointID("Report", "q3") {
		t.Errorf("id = %d, want stable PointID", points[0].ID)
	}
	if points[0].Payload["content"] != "Growth was steady." {
		t.Errorf("content payload = %v", points[0].Payload["content"])
	}
}

func TestIndexTruncateStrategy(t *testing.T) {
	rec := &upsertRecorder{created: map[string]bool{}}
	ix := newTestIndexer(t, rec, IndexerConfig{
		EmbeddingModel: "text-embedding-3-small",
		Strategy:       StrategyTruncate,
		Chunk:          chunk.Config{ChunkSize: 100, Overlap: 10},
	})

	content := strings.Repeat("A sentence that keeps going. ", 20)
	n, err := ix.Index(context.Background(), Document{
		Collection: "notes",
		ModelClass: "Note",
		ModelID:    "n1",
		Content:    content,
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n != 1 {
		t.Fatalf("points = %d, want 1", n)
	}
	stored, _ := rec.recorded()[0].Payload["content"].(string)
	if len(stored) > 100 {
		t.Errorf("truncated content length = %d, want <= 100", len(stored))
	}
}

func TestIndexValidation(t *testing.T) {
	rec := &upsertRecorder{created: map[string]bool{}}
	ix := newTestIndexer(t, rec, IndexerConfig{EmbeddingModel: "text-embedding-3-small"})

	cases := []struct {
		name string
		doc  Document
	}{
		{"missing collection", Document{ModelClass: "Invoice", ModelID: "1", Content: "x"}},
		{"missing model id", Document{Collection: "invoices", ModelClass: "Invoice", Content: "x"}},
		{"empty content", Document{Collection: "invoices", ModelClass: "Invoice", ModelID: "1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ix.Index(context.Background(), tc.doc)
			var ve *chunk.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
	if len(rec.recorded()) != 0 {
		t.Error("invalid documents must not reach the store")
	}
}
