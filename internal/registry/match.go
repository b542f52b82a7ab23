package registry

import (
	"sort"
	"strings"
)

// Match scores, strongest first.
const (
	ScoreExact          = 100
	ScoreSingularPlural = 90
	ScoreAlias          = 80
	ScoreSubstring      = 70
)

// normalizeKey lowercases s and strips every non-alphanumeric rune, so
// "Invoice-Items" and "invoice_items" compare equal.
func normalizeKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// singularize folds trivial English plurals: "categories" → "category",
// "invoices" → "invoice". Operates on normalized keys.
func singularize(s string) string {
	switch {
	case strings.HasSuffix(s, "ies") && len(s) > 3:
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "ses") && len(s) > 3:
		return s[:len(s)-2]
	case strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss") && len(s) > 1:
		return s[:len(s)-1]
	}
	return s
}

// keysEquivalent reports whether two normalized keys are equal directly or
// after singular/plural folding on either side.
func keysEquivalent(a, b string) bool {
	if a == b {
		return true
	}
	sa, sb := singularize(a), singularize(b)
	return sa == sb || sa == b || a == sb
}

// OwnsCollection reports whether the node owns a collection matching name,
// testing both collection names and model classes with plural/singular
// tolerance.
func (e *Entry) OwnsCollection(name string) bool {
	want := normalizeKey(name)
	if want == "" {
		return false
	}
	for _, c := range e.Collections() {
		if keysEquivalent(want, normalizeKey(c.Name)) || keysEquivalent(want, normalizeKey(c.Class)) {
			return true
		}
	}
	return false
}

// MatchScore rates how well a node matches a free-form term:
// exact slug/name = 100, singular/plural = 90, alias keyword = 80,
// substring = 70, no match = 0.
func (e *Entry) MatchScore(term string) int {
	want := normalizeKey(term)
	if want == "" {
		return 0
	}

	rec := e.Record()
	slug := normalizeKey(rec.Slug)
	name := normalizeKey(rec.Name)

	if want == slug || want == name {
		return ScoreExact
	}
	if keysEquivalent(want, slug) || keysEquivalent(want, name) {
		return ScoreSingularPlural
	}
	for _, kw := range e.Keywords() {
		if keysEquivalent(want, normalizeKey(kw)) {
			return ScoreAlias
		}
	}
	if strings.Contains(slug, want) || strings.Contains(name, want) {
		return ScoreSubstring
	}
	return 0
}

// sortByPriority orders entries by weight desc, response-time EWMA asc, then
// slug. This is the failover iteration order.
func sortByPriority(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if wi, wj := entries[i].Weight(), entries[j].Weight(); wi != wj {
			return wi > wj
		}
		if ai, aj := entries[i].AvgResponseMs(), entries[j].AvgResponseMs(); ai != aj {
			return ai < aj
		}
		return entries[i].Slug() < entries[j].Slug()
	})
}

// ScoredNode pairs an entry with its match score.
type ScoredNode struct {
	Entry *Entry
	Score int
}

// RankNodes scores the given entries against term and returns matches sorted
// by score, then weight, then slug for stable ordering.
func RankNodes(entries []*Entry, term string) []ScoredNode {
	var out []ScoredNode
	for _, e := range entries {
		if s := e.MatchScore(term); s > 0 {
			out = append(out, ScoredNode{Entry: e, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if wi, wj := out[i].Entry.Weight(), out[j].Entry.Weight(); wi != wj {
			return wi > wj
		}
		return out[i].Entry.Slug() < out[j].Entry.Slug()
	})
	return out
}
