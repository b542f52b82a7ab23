// Package engine abstracts the AI model backends. The routing and RAG layers
// call an Engine for text generation; streaming, embeddings and JSON-mode
// analysis are side capabilities discovered by type assertion.
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single generation call. Zero values defer to the engine.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Result is a completed generation.
type Result struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Engine generates text from a chat prompt.
type Engine interface {
	Name() string
	Chat(ctx context.Context, messages []Message, opts Options) (Result, error)
}

// StreamIterator is a lazy single-consumer token stream. Next returns io.EOF
// after the final token; Close cancels the upstream read and is safe to call
// at any point.
type StreamIterator interface {
	Next() (string, error)
	Close() error
}

// Streamer is the streaming side capability.
type Streamer interface {
	ChatStream(ctx context.Context, messages []Message, opts Options) (StreamIterator, error)
}

// Embedder is the embedding side capability.
type Embedder interface {
	Embed(ctx context.Context, inputs []string, model string) ([][]float32, error)
}

// JSONAnalyzer is the JSON-mode side capability. Implementations constrain
// the model to emit a single JSON object.
type JSONAnalyzer interface {
	AnalyzeJSON(ctx context.Context, messages []Message, opts Options) (json.RawMessage, error)
}

// ErrUnknownEngine is returned by the manager for unregistered names.
var ErrUnknownEngine = errors.New("unknown engine")

// AsStreamer probes e for streaming support.
func AsStreamer(e Engine) (Streamer, bool) {
	s, ok := e.(Streamer)
	return s, ok
}

// AsEmbedder probes e for embedding support.
func AsEmbedder(e Engine) (Embedder, bool) {
	emb, ok := e.(Embedder)
	return emb, ok
}

// AsJSONAnalyzer probes e for JSON-mode support.
func AsJSONAnalyzer(e Engine) (JSONAnalyzer, bool) {
	a, ok := e.(JSONAnalyzer)
	return a, ok
}
