// Package extraction derives long-term memories from conversation text
// using keyword rules compiled into an Aho-Corasick automaton.
package extraction

import (
	"strings"
	"unicode"

	"github.com/yanzhao77/ModelForge/pkg/store"
)

// Rule maps a trigger keyword to the memory it produces. Keywords may
// be multi-word ("my name is"); matching is case-insensitive and
// word-boundary aware.
type Rule struct {
	Keyword    string
	Type       store.MemoryType
	Importance float64
}

// DefaultRules returns the built-in English rule set. The keyword lists
// are locale-specific; callers with other locales supply their own
// rules to New instead.
func DefaultRules() []Rule {
	preference := []string{
		"like", "dislike", "love", "hate", "prefer", "enjoy", "favorite", "usually",
	}
	fact := []string{
		"i am", "i'm", "my name is", "i live in", "i come from",
		"i work", "my job is", "i was born",
	}

	rules := make([]Rule, 0, len(preference)+len(fact))
	for _, kw := range preference {
		rules = append(rules, Rule{Keyword: kw, Type: store.MemoryPreference, Importance: 0.8})
	}
	for _, kw := range fact {
		rules = append(rules, Rule{Keyword: kw, Type: store.MemoryFact, Importance: 0.9})
	}
	return rules
}

// sentenceBoundary reports whether r terminates a sentence. Covers
// ASCII terminators plus their CJK fullwidth forms, and newlines.
func sentenceBoundary(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '\n', '。', '！', '？', '；':
		return true
	default:
		return false
	}
}

// splitSentences breaks message text into trimmed, non-empty sentences.
func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, sentenceBoundary)
	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}

// wordBoundary reports whether the byte positions around [start, end)
// in s fall on word boundaries, so "like" does not fire inside
// "dislike".
func wordBoundary(s string, start, end int) bool {
	if start > 0 {
		before := rune(s[start-1])
		if unicode.IsLetter(before) || unicode.IsDigit(before) {
			return false
		}
	}
	if end < len(s) {
		after := rune(s[end])
		if unicode.IsLetter(after) || unicode.IsDigit(after) {
			return false
		}
	}
	return true
}
