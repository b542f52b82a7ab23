package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration to provide JSON marshal/unmarshal as a Go
// duration string (e.g. "5m", "24h", "30s").
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("Duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// NodesConfig groups federation settings (digest, forwarding, health).
type NodesConfig struct {
	// Enabled is the master switch for federation. When false the routing
	// policy always answers LOCAL and the forwarder refuses calls.
	Enabled bool `json:"enabled"`

	// DigestMode selects the digest renderer: "template" or "full".
	DigestMode     string   `json:"digest_mode"`
	DigestCacheTTL Duration `json:"digest_cache_ttl"`

	// RegistryCacheTTL bounds staleness of the active-node snapshot.
	RegistryCacheTTL Duration `json:"registry_cache_ttl"`

	// ForwardingMaxRetries applies to chat and search; actions never retry.
	ForwardingMaxRetries  int      `json:"forwarding_max_retries"`
	ForwardingBackoffBase Duration `json:"forwarding_backoff_base"`

	RequestTimeout     Duration `json:"request_timeout"`
	SlowRequestTimeout Duration `json:"slow_request_timeout"`
	VerifySSL          bool     `json:"verify_ssl"`

	// PingFailureThreshold: a node stops being routable once its consecutive
	// ping failures reach this count.
	PingFailureThreshold int `json:"ping_failure_threshold"`
}

// BreakerConfig tunes the per-node circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int      `json:"failure_threshold"`
	Cooldown          Duration `json:"cooldown"`
	BackoffMultiplier float64  `json:"backoff_multiplier"`
	MaxCooldown       Duration `json:"max_cooldown"`
}

// VectorizationConfig tunes content chunking before embedding.
type VectorizationConfig struct {
	// Strategy is "split" or "truncate".
	Strategy string `json:"strategy"`
	// ChunkSize overrides the model-derived chunk size when > 0 (chars).
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`
	// MaxFieldSize is the per-field byte cap before head-tail prechunking.
	MaxFieldSize int `json:"max_field_size"`
}

// VectorConfig tunes the vector store integration.
type VectorConfig struct {
	EmbeddingModel     string   `json:"embedding_model"`
	Dimensions         int      `json:"dimensions"`
	Distance           string   `json:"distance"`
	PayloadIndexFields []string `json:"payload_index_fields"`
}

// RAGConfig tunes retrieval-augmented generation.
type RAGConfig struct {
	MaxContextItems   int     `json:"max_context_items"`
	MinRelevanceScore float64 `json:"min_relevance_score"`
	IncludeSources    bool    `json:"include_sources"`
}

// RuntimeConfig holds all hot-updatable global settings.
// Persisted in state.db and served via GET /api/v1/system/config.
type RuntimeConfig struct {
	Nodes         NodesConfig         `json:"nodes"`
	Breaker       BreakerConfig       `json:"breaker"`
	Vectorization VectorizationConfig `json:"vectorization"`
	Vector        VectorConfig        `json:"vector"`
	RAG           RAGConfig           `json:"rag"`

	// OrchestrationModel is the engine the routing policy consults.
	OrchestrationModel string `json:"orchestration_model"`
	// ChatModel is the engine serving local RAG-backed chat.
	ChatModel string `json:"chat_model"`
	// HistoryWindow is W: how many trailing turns reach the routing policy.
	HistoryWindow int `json:"history_window"`

	// Request log
	RequestLogEnabled bool `json:"request_log_enabled"`

	// Persistence
	CacheFlushInterval       Duration `json:"cache_flush_interval"`
	CacheFlushDirtyThreshold int      `json:"cache_flush_dirty_threshold"`
}

// Digest renderer modes.
const (
	DigestModeTemplate = "template"
	DigestModeFull     = "full"
)

// Chunking strategies.
const (
	StrategySplit    = "split"
	StrategyTruncate = "truncate"
)

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with defaults.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Nodes: NodesConfig{
			Enabled:               true,
			DigestMode:            DigestModeTemplate,
			DigestCacheTTL:        Duration(30 * time.Minute),
			RegistryCacheTTL:      Duration(30 * time.Second),
			ForwardingMaxRetries:  1,
			ForwardingBackoffBase: Duration(200 * time.Millisecond),
			RequestTimeout:        Duration(30 * time.Second),
			SlowRequestTimeout:    Duration(120 * time.Second),
			VerifySSL:             true,
			PingFailureThreshold:  3,
		},

		Breaker: BreakerConfig{
			FailureThreshold:  5,
			Cooldown:          Duration(60 * time.Second),
			BackoffMultiplier: 2.0,
			MaxCooldown:       Duration(15 * time.Minute),
		},

		Vectorization: VectorizationConfig{
			Strategy:     StrategySplit,
			ChunkSize:    0, // derive from embedding model
			ChunkOverlap: 200,
			MaxFieldSize: 100_000,
		},

		Vector: VectorConfig{
			EmbeddingModel: "text-embedding-3-small",
			Dimensions:     1536,
			Distance:       "Cosine",
			PayloadIndexFields: []string{
				"user_id", "tenant_id", "workspace_id", "model_id",
				"status", "visibility", "type",
			},
		},

		RAG: RAGConfig{
			MaxContextItems:   5,
			MinRelevanceScore: 0.7,
			IncludeSources:    true,
		},

		OrchestrationModel: "gpt-4o-mini",
		ChatModel:          "gpt-4o-mini",
		HistoryWindow:      3,

		RequestLogEnabled: true,

		CacheFlushInterval:       Duration(1 * time.Minute),
		CacheFlushDirtyThreshold: 256,
	}
}

// Validate checks cross-field constraints a PATCH could violate.
func (c *RuntimeConfig) Validate() error {
	if c.Nodes.DigestMode != DigestModeTemplate && c.Nodes.DigestMode != DigestModeFull {
		return fmt.Errorf("nodes.digest_mode: invalid value %q", c.Nodes.DigestMode)
	}
	if c.Vectorization.Strategy != StrategySplit && c.Vectorization.Strategy != StrategyTruncate {
		return fmt.Errorf("vectorization.strategy: invalid value %q", c.Vectorization.Strategy)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold: must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.BackoffMultiplier < 1 {
		return fmt.Errorf("breaker.backoff_multiplier: must be >= 1, got %g", c.Breaker.BackoffMultiplier)
	}
	if c.Nodes.ForwardingMaxRetries < 0 {
		return fmt.Errorf("nodes.forwarding_max_retries: must be >= 0, got %d", c.Nodes.ForwardingMaxRetries)
	}
	if c.HistoryWindow < 1 {
		return fmt.Errorf("history_window: must be >= 1, got %d", c.HistoryWindow)
	}
	if c.RAG.MinRelevanceScore < 0 || c.RAG.MinRelevanceScore > 1 {
		return fmt.Errorf("rag.min_relevance_score: must be in [0,1], got %g", c.RAG.MinRelevanceScore)
	}
	if c.RAG.MaxContextItems < 1 {
		return fmt.Errorf("rag.max_context_items: must be >= 1, got %d", c.RAG.MaxContextItems)
	}
	if c.Vector.Dimensions < 1 {
		return fmt.Errorf("vector.dimensions: must be >= 1, got %d", c.Vector.Dimensions)
	}
	for _, d := range []struct {
		name string
		val  Duration
	}{
		{"nodes.digest_cache_ttl", c.Nodes.DigestCacheTTL},
		{"nodes.registry_cache_ttl", c.Nodes.RegistryCacheTTL},
		{"nodes.request_timeout", c.Nodes.RequestTimeout},
		{"nodes.slow_request_timeout", c.Nodes.SlowRequestTimeout},
		{"breaker.cooldown", c.Breaker.Cooldown},
		{"breaker.max_cooldown", c.Breaker.MaxCooldown},
		{"cache_flush_interval", c.CacheFlushInterval},
	} {
		if d.val.Std() <= 0 {
			return fmt.Errorf("%s: must be positive", d.name)
		}
	}
	return nil
}
