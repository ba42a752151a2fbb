package analysis

import (
	"math"
	"regexp"
	"strings"

	"github.com/dgallion1/docrag/internal/document"
)

const (
	maxTopics     = 10
	maxCategories = 3
	maxPerKind    = 10
)

var validSentiments = map[string]bool{
	"positive": true,
	"negative": true,
	"neutral":  true,
	"mixed":    true,
}

// Entries that read like prompt instructions are dropped.
var injectionPattern = regexp.MustCompile(
	`(?i)(ignore\s+(previous|all|above)|system\s*prompt|you\s+are\s+now|` +
		`act\s+as\s+|pretend\s+|forget\s+(everything|all)|override|` +
		`new\s+instructions)`,
)

// validItem reports whether a list entry is worth keeping.
func validItem(s string) bool {
	n := len([]rune(s))
	if n < 2 || n > 300 {
		return false
	}
	return !injectionPattern.MatchString(s)
}

// normalizeTopics trims, drops invalid and duplicate entries, and caps at 10.
func normalizeTopics(in []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range in {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if !validItem(t) || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
		if len(out) == maxTopics {
			break
		}
	}
	return out
}

var categoryIndex = func() map[string]string {
	m := make(map[string]string, len(Categories))
	for _, c := range Categories {
		m[strings.ToLower(c)] = c
	}
	return m
}()

// normalizeCategories maps entries onto the fixed list case-insensitively,
// keeps at most three, and falls back to "Other".
func normalizeCategories(in []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range in {
		canon, ok := categoryIndex[strings.ToLower(strings.TrimSpace(c))]
		if !ok || seen[canon] {
			continue
		}
		seen[canon] = true
		out = append(out, canon)
		if len(out) == maxCategories {
			break
		}
	}
	if len(out) == 0 {
		return []string{"Other"}
	}
	return out
}

func normalizeSentiment(label string, score float64) (string, float64) {
	label = strings.ToLower(strings.TrimSpace(label))
	if !validSentiments[label] {
		label = "neutral"
	}
	if math.IsNaN(score) {
		score = 0
	}
	return label, min(max(score, -1), 1)
}

func insightsOfKind(kind document.InsightKind, items []string) []document.Insight {
	var out []document.Insight
	seen := make(map[string]bool)
	for _, s := range items {
		s = strings.TrimSpace(s)
		if !validItem(s) || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, document.Insight{Kind: kind, Content: s})
		if len(out) == maxPerKind {
			break
		}
	}
	return out
}
