package search

import (
	"strings"
	"unicode/utf8"
)

// MinContentScore is the floor below which content matches are dropped.
const MinContentScore = 0.1

const (
	verbatimBonus   = 0.3
	shortDocLength  = 500.0
	queryLengthRate = 0.1
)

// TagScore rates how well a normalized tag matches query.
func TagScore(tag, query string) float64 {
	switch {
	case tag == query:
		return 1.0
	case strings.HasPrefix(tag, query):
		return 0.9
	case strings.Contains(tag, query):
		return 0.7
	default:
		return 0.5
	}
}

// ContentScore rates a note body against a query of total tokens, matched
// of which occur in the body. The raw query earns a bonus when it appears
// verbatim; long bodies are scaled down. The result is in [0, 1].
func ContentScore(content, query string, matched, total int, caseSensitive bool) float64 {
	if total <= 0 || matched <= 0 {
		return 0
	}
	contentLen := float64(utf8.RuneCountInString(content))
	if contentLen == 0 {
		return 0
	}
	queryLen := float64(utf8.RuneCountInString(query))

	score := float64(matched) / float64(total)

	haystack, needle := content, query
	if !caseSensitive {
		haystack, needle = strings.ToLower(content), strings.ToLower(query)
	}
	if needle != "" && strings.Contains(haystack, needle) {
		score += verbatimBonus
	}

	score *= min(1, shortDocLength/contentLen)
	score *= min(1, queryLen/(contentLen*queryLengthRate))

	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
