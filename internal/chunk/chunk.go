// Package chunk splits or truncates prose under a per-model token budget,
// preferring sentence boundaries so embedded chunks stay coherent.
package chunk

import (
	"fmt"
	"strings"
)

const (
	// budgetFraction leaves headroom under the model token cap.
	budgetFraction = 0.9
	// chunkGuardChars shaves the computed window to absorb tokenizer drift.
	chunkGuardChars = 50

	// splitBoundaryWindow is the tail fraction of a window searched for a
	// sentence boundary when splitting.
	splitBoundaryWindow = 0.2
	// truncateBoundaryWindow is the tail fraction searched when truncating.
	truncateBoundaryWindow = 0.1

	// headTailHead is the head share of the prechunk budget for oversized
	// fields; the rest goes to the tail.
	headTailHead = 0.7

	DefaultOverlap      = 200
	DefaultMaxFieldSize = 100_000
)

// ValidationError reports malformed chunker input. Not retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "chunk: " + e.Reason
}

// Config tunes one Chunker.
type Config struct {
	// Overlap is how many chars each window rewinds past the previous cut.
	Overlap int
	// MaxFieldSize triggers head-tail prechunking for oversized fields.
	MaxFieldSize int
	// ChunkSize overrides the model-derived window when positive.
	ChunkSize int
	// TokenLimit resolves a model's token cap. Defaults to the built-in
	// family table.
	TokenLimit func(model string) int
}

// Chunker derives character windows from a model token budget and cuts
// content at sentence boundaries.
type Chunker struct {
	cfg Config
}

// New builds a Chunker, applying defaults for zero fields.
func New(cfg Config) *Chunker {
	if cfg.Overlap <= 0 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.MaxFieldSize <= 0 {
		cfg.MaxFieldSize = DefaultMaxFieldSize
	}
	if cfg.TokenLimit == nil {
		cfg.TokenLimit = TokenLimitFor
	}
	return &Chunker{cfg: cfg}
}

// WindowFor returns the character window for model.
func (c *Chunker) WindowFor(model string) int {
	if c.cfg.ChunkSize > 0 {
		return c.cfg.ChunkSize
	}
	window := int(float64(c.cfg.TokenLimit(model))*budgetFraction*charsPerToken) - chunkGuardChars
	if window < 1 {
		window = 1
	}
	return window
}

// Split walks content emitting successive windows. Cuts prefer a period or
// newline in the last 20% of the window; each next window starts Overlap
// chars before the previous cut.
func (c *Chunker) Split(content, model string) ([]string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &ValidationError{Reason: "empty content"}
	}
	content = c.prechunk(content)

	window := c.WindowFor(model)
	if len(content) <= window {
		return []string{content}, nil
	}

	overlap := c.cfg.Overlap
	if overlap >= window {
		return nil, &ValidationError{Reason: fmt.Sprintf("overlap %d >= window %d", overlap, window)}
	}

	var chunks []string
	start := 0
	for start < len(content) {
		end := start + window
		if end >= len(content) {
			chunks = append(chunks, content[start:])
			break
		}
		cut := boundaryCut(content[start:end], splitBoundaryWindow)
		chunks = append(chunks, content[start:start+cut])

		next := start + cut - overlap
		// Overlap must never stall the walk.
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks, nil
}

// Truncate returns a single prefix under the window, preferring a sentence
// boundary in the last 10%.
func (c *Chunker) Truncate(content, model string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &ValidationError{Reason: "empty content"}
	}
	content = c.prechunk(content)

	window := c.WindowFor(model)
	if len(content) <= window {
		return content, nil
	}
	cut := boundaryCut(content[:window], truncateBoundaryWindow)
	return strings.TrimSpace(content[:cut]), nil
}

// prechunk compresses oversized fields to a 70/30 head-tail of the budget,
// keeping openings and conclusions while discarding middles.
func (c *Chunker) prechunk(content string) string {
	budget := c.cfg.MaxFieldSize
	if len(content) <= budget {
		return content
	}
	headLen := int(float64(budget) * headTailHead)
	tailLen := budget - headLen

	head := content[:headLen]
	if cut := boundaryCut(head, splitBoundaryWindow); cut < len(head) {
		head = head[:cut]
	}
	tail := content[len(content)-tailLen:]
	if idx := boundaryIndex(tail[:min(len(tail), int(float64(len(tail))*splitBoundaryWindow))]); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(head) + " " + strings.TrimSpace(tail)
}

// boundaryCut returns the cut position for window: one past the last period
// or newline inside the tail fraction, or the full window when none exists.
func boundaryCut(window string, tailFraction float64) int {
	searchFrom := int(float64(len(window)) * (1 - tailFraction))
	idx := strings.LastIndexAny(window[searchFrom:], ".\n")
	if idx < 0 {
		return len(window)
	}
	return searchFrom + idx + 1
}

// boundaryIndex finds the last period or newline in s, or -1.
func boundaryIndex(s string) int {
	return strings.LastIndexAny(s, ".\n")
}
