package chunk

import (
	"errors"
	"strings"
	"testing"
)

func TestTokenLimitFor(t *testing.T) {
	cases := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 8191},
		{"text-embedding-3-large", 8191},
		{"text-embedding-ada-002", 8191},
		{"BGE-base-en", 512},
		{"voyage-2", 16000},
		{"some-unknown-model", defaultTokenLimit},
	}
	for _, tc := range cases {
		if got := TokenLimitFor(tc.model); got != tc.want {
			t.Errorf("TokenLimitFor(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(empty) = %d", got)
	}
	if got := EstimateTokens(strings.Repeat("a", 130)); got != 100 {
		t.Errorf("EstimateTokens(130 chars) = %d, want 100", got)
	}
}

func TestWindowFor(t *testing.T) {
	c := New(Config{TokenLimit: func(string) int { return 1000 }})
	// 1000 * 0.9 * 1.3 - 50 = 1120
	if got := c.WindowFor("m"); got != 1120 {
		t.Errorf("WindowFor = %d, want 1120", got)
	}

	c = New(Config{ChunkSize: 300})
	if got := c.WindowFor("m"); got != 300 {
		t.Errorf("window override = %d, want 300", got)
	}
}

func TestSplitShortContentIsSingleChunk(t *testing.T) {
	c := New(Config{ChunkSize: 100})
	chunks, err := c.Split("short text.", "m")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "short text." {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestSplitPrefersSentenceBoundary(t *testing.T) {
	// Window 100, sentence boundary at 90 (inside the last 20%).
	sentence := strings.Repeat("a", 89) + "."
	content := sentence + " " + strings.Repeat("b", 120)

	c := New(Config{ChunkSize: 100, Overlap: 10})
	chunks, err := c.Split(content, "m")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if chunks[0] != sentence {
		t.Errorf("first chunk = %q (len %d), want sentence of len 90", chunks[0], len(chunks[0]))
	}
}

func TestSplitHardCutWithoutBoundary(t *testing.T) {
	content := strings.Repeat("x", 250)
	c := New(Config{ChunkSize: 100, Overlap: 10})
	chunks, err := c.Split(content, "m")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks[0]) != 100 {
		t.Errorf("first chunk len = %d, want exact window 100", len(chunks[0]))
	}
	// Reassembly must cover the input despite overlaps.
	var covered int
	for _, ch := range chunks {
		covered += len(ch)
	}
	if covered < len(content) {
		t.Errorf("chunks cover %d chars of %d", covered, len(content))
	}
}

func TestSplitOverlapCarriesBoundaryContext(t *testing.T) {
	content := strings.Repeat("x", 300)
	c := New(Config{ChunkSize: 100, Overlap: 20})
	chunks, err := c.Split(content, "m")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want several", len(chunks))
	}
	// Second window starts overlap chars before the first cut.
	tail := chunks[0][len(chunks[0])-20:]
	if !strings.HasPrefix(chunks[1], tail) {
		t.Errorf("second chunk does not re-read the previous tail")
	}
}

func TestSplitValidation(t *testing.T) {
	c := New(Config{ChunkSize: 100})
	var ve *ValidationError
	if _, err := c.Split("   ", "m"); !errors.As(err, &ve) {
		t.Errorf("Split(blank) = %v, want ValidationError", err)
	}

	c = New(Config{ChunkSize: 100, Overlap: 100})
	if _, err := c.Split(strings.Repeat("x", 500), "m"); !errors.As(err, &ve) {
		t.Errorf("overlap >= window = %v, want ValidationError", err)
	}
}

func TestTruncate(t *testing.T) {
	c := New(Config{ChunkSize: 100})

	got, err := c.Truncate("short.", "m")
	if err != nil || got != "short." {
		t.Errorf("Truncate(short) = %q, %v", got, err)
	}

	// Boundary at 95, inside the last 10% of the window.
	sentence := strings.Repeat("a", 94) + "."
	got, err = c.Truncate(sentence+" "+strings.Repeat("b", 50), "m")
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if got != sentence {
		t.Errorf("Truncate = %q (len %d), want boundary cut at 95", got, len(got))
	}

	// No boundary: hard cut at the window.
	got, err = c.Truncate(strings.Repeat("x", 200), "m")
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if len(got) != 100 {
		t.Errorf("hard truncate len = %d, want 100", len(got))
	}

	var ve *ValidationError
	if _, err := c.Truncate("", "m"); !errors.As(err, &ve) {
		t.Errorf("Truncate(empty) = %v, want ValidationError", err)
	}
}

func TestPrechunkHeadTail(t *testing.T) {
	head := strings.Repeat("h", 599) + "."
	middle := strings.Repeat("m", 2000)
	tail := "." + strings.Repeat("t", 599)
	content := head + middle + tail

	c := New(Config{ChunkSize: 5000, MaxFieldSize: 1000})
	chunks, err := c.Split(content, "m")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want prechunked single window", len(chunks))
	}
	got := chunks[0]
	if len(got) > 1001 {
		t.Errorf("prechunked len = %d, want <= budget", len(got))
	}
	if !strings.HasPrefix(got, "hhh") {
		t.Error("head not preserved")
	}
	if !strings.HasSuffix(got, "ttt") {
		t.Error("tail not preserved")
	}
	if strings.Contains(got, "m") {
		t.Error("middle should be discarded")
	}
	if !strings.Contains(got, " ") {
		t.Error("head and tail should be joined by a space")
	}
}
