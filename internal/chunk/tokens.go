package chunk

import "strings"

// charsPerToken is the rough prose ratio used for budgeting.
const charsPerToken = 1.3

// familyTokenLimits is the fallback catalog, keyed by model family prefix.
// Longest prefix wins.
var familyTokenLimits = map[string]int{
	"text-embedding-3":       8191,
	"text-embedding-ada":     8191,
	"nomic-embed":            8192,
	"mxbai-embed":            512,
	"all-minilm":             512,
	"bge":                    512,
	"e5":                     512,
	"voyage":                 16000,
	"embed-english":          512,
	"embed-multilingual":     512,
}

const defaultTokenLimit = 8192

// TokenLimitFor resolves the token cap for an embedding model from the
// hard-coded family table. Callers with a database-backed catalog check it
// first and fall back here.
func TokenLimitFor(model string) int {
	model = strings.ToLower(model)
	best, bestLen := defaultTokenLimit, 0
	for prefix, limit := range familyTokenLimits {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = limit, len(prefix)
		}
	}
	return best
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return int(float64(len(s)) / charsPerToken)
}
