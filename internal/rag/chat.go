package rag

import (
	"context"
	"fmt"
	"io"

	"github.com/nervemesh/nerve/internal/engine"
)

// NoContextAnnotation marks replies generated without retrieved sources.
const NoContextAnnotation = "no relevant sources"

// ChatResult is a completed RAG chat turn.
type ChatResult struct {
	Response string
	Sources  []Source
	// NoContext is true when generation ran without a context block.
	NoContext bool
	// Annotation is set to NoContextAnnotation when NoContext.
	Annotation string
}

// Chat retrieves context for query and generates a grounded reply. Zero
// retrieved sources is recovered by generating without a context block.
func (r *Retriever) Chat(ctx context.Context, system, query, collection, modelClass, userID string, opts Options) (ChatResult, error) {
	cfg := r.cfg()
	e, err := r.engines.Resolve(cfg.ChatModel)
	if err != nil {
		return ChatResult{}, err
	}

	sources := r.retrieveSoft(ctx, query, collection, modelClass, userID, opts)
	block := FormatContext(sources, cfg.IncludeSources)

	result, err := e.Chat(ctx, buildPrompt(system, block, query), engine.Options{Model: cfg.ChatModel})
	if err != nil {
		return ChatResult{}, fmt.Errorf("rag: generate: %w", err)
	}

	out := ChatResult{Response: result.Content, Sources: sources}
	if len(sources) == 0 {
		out.NoContext = true
		out.Annotation = NoContextAnnotation
	}
	return out, nil
}

// ChatStream is a token stream that buffers the full response for
// post-call logging.
type ChatStream struct {
	inner interface {
		Next() (string, error)
		Close() error
	}
	sources   []Source
	noContext bool
	full      []byte
}

// Next yields the next token, buffering it.
func (s *ChatStream) Next() (string, error) {
	tok, err := s.inner.Next()
	if err != nil {
		return "", err
	}
	s.full = append(s.full, tok...)
	return tok, nil
}

// Close cancels the upstream read.
func (s *ChatStream) Close() error { return s.inner.Close() }

// Sources returns the context sources used for this turn.
func (s *ChatStream) Sources() []Source { return s.sources }

// NoContext reports whether generation ran without retrieved sources.
func (s *ChatStream) NoContext() bool { return s.noContext }

// Full returns the buffered response so far. Complete once Next has
// returned io.EOF.
func (s *ChatStream) Full() string { return string(s.full) }

// StreamChat is the streaming variant of Chat.
func (r *Retriever) StreamChat(ctx context.Context, system, query, collection, modelClass, userID string, opts Options) (*ChatStream, error) {
	cfg := r.cfg()
	e, err := r.engines.Resolve(cfg.ChatModel)
	if err != nil {
		return nil, err
	}
	streamer, ok := engine.AsStreamer(e)
	if !ok {
		return nil, fmt.Errorf("rag: engine %s cannot stream", e.Name())
	}

	sources := r.retrieveSoft(ctx, query, collection, modelClass, userID, opts)
	block := FormatContext(sources, cfg.IncludeSources)

	it, err := streamer.ChatStream(ctx, buildPrompt(system, block, query), engine.Options{Model: cfg.ChatModel})
	if err != nil {
		return nil, fmt.Errorf("rag: open stream: %w", err)
	}
	return &ChatStream{inner: it, sources: sources, noContext: len(sources) == 0}, nil
}

// Drain consumes a stream to completion and returns the full response.
func Drain(s *ChatStream) (string, error) {
	for {
		if _, err := s.Next(); err != nil {
			if err == io.EOF {
				return s.Full(), nil
			}
			return s.Full(), err
		}
	}
}
