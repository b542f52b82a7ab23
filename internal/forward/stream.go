package forward

import (
	"context"

	"github.com/nervemesh/nerve/internal/nodeclient"
	"github.com/nervemesh/nerve/internal/registry"
)

// ChatStream is a forwarded streaming chat turn. The active-connections
// lease on the serving node is held until Close.
type ChatStream struct {
	inner   *nodeclient.Stream
	release func()

	NodeSlug     string
	FailoverFrom string
}

// Recv returns the next chunk, io.EOF after the terminal chunk.
func (s *ChatStream) Recv() (nodeclient.StreamChunk, error) {
	return s.inner.Recv()
}

// Close releases the stream and the node lease. Safe to call more than once.
func (s *ChatStream) Close() error {
	err := s.inner.Close()
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return err
}

// ForwardChatStream opens a streaming chat turn against the target node.
// Failover only happens at stream open; once chunks flow, mid-stream
// failures surface to the caller.
func (f *Forwarder) ForwardChatStream(ctx context.Context, slug, message, sessionID string, opts nodeclient.ChatOptions, collection string) (*ChatStream, error) {
	req := nodeclient.ChatRequest{Message: message, SessionID: sessionID, Options: opts}
	traceID := nodeclient.NewTraceID()

	var out *ChatStream
	servedBy, err := f.withFailover(ctx, slug, collection, true, func(e *registry.Entry, target nodeclient.Target) error {
		stream, err := f.client.ChatStream(ctx, target, req, traceID)
		if err != nil {
			return err
		}
		// Take an extra lease that outlives callNode's own; released on
		// Close so in-flight streams keep counting against the node.
		e.ActiveConnections.Add(1)
		released := false
		out = &ChatStream{
			inner: stream,
			release: func() {
				if !released {
					released = true
					e.ActiveConnections.Add(-1)
				}
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.NodeSlug = servedBy
	if servedBy != slug {
		out.FailoverFrom = slug
	}
	return out, nil
}
