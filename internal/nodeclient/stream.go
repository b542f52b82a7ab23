package nodeclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// streamLineLimit bounds a single LDJSON line. Generation chunks are small;
// anything beyond this is a protocol violation.
const streamLineLimit = 1 << 20

// Stream reads line-delimited JSON chunks from a peer generation stream.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), streamLineLimit)
	return &Stream{body: body, scanner: scanner}
}

// Recv returns the next chunk. After the terminal chunk (done=true) or the
// end of the underlying stream it returns io.EOF.
func (s *Stream) Recv() (StreamChunk, error) {
	if s.done {
		return StreamChunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			s.done = true
			return StreamChunk{}, &TransientError{Op: "node chat stream", Err: fmt.Errorf("decode chunk: %w", err)}
		}
		if chunk.Done {
			s.done = true
		}
		return chunk, nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return StreamChunk{}, &TransientError{Op: "node chat stream", Err: err}
	}
	return StreamChunk{}, io.EOF
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}
