package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinTokenLen is the shortest token kept by Tokenize.
const MinTokenLen = 3

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "but": {}, "for": {}, "are": {}, "with": {},
	"this": {}, "that": {}, "from": {}, "they": {}, "have": {}, "been": {},
	"will": {}, "would": {}, "could": {}, "should": {},
}

// IsStopWord reports whether token is dropped by Tokenize.
func IsStopWord(token string) bool {
	_, ok := stopWords[token]
	return ok
}

// Tokenize lower-cases text, treats every rune that is neither a word
// character nor whitespace as a separator, and returns the remaining tokens
// that are at least MinTokenLen runes long and not stop words.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	cleaned := strings.Map(func(r rune) rune {
		if isWordRune(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)

	fields := strings.Fields(cleaned)
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) < MinTokenLen || IsStopWord(f) {
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
