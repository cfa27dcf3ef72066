// Package websearch augments questions with ranked web snippets.
package websearch

import (
	"context"
	"strings"
)

// maxResults caps how many snippets a query may contribute.
const maxResults = 5

// maxSnippetLen caps each snippet's content length in characters.
const maxSnippetLen = 2048

// Result is one ranked snippet returned by a search provider.
type Result struct {
	Title   string
	Content string
}

// Searcher returns ranked text snippets for a query. Implementations
// cap content length at maxSnippetLen and result count at maxResults.
type Searcher interface {
	Query(ctx context.Context, text string) ([]Result, error)
}

// triggerPhrases drive the heuristic for when a question warrants a
// web search without an explicit flag. Multi-word phrases match as
// substrings; single words match whole words only, so "now" does not
// fire on "know".
var triggerPhrases = []string{
	"real-time", "how to install", "how to configure",
}

var triggerWords = map[string]bool{
	"latest":    true,
	"current":   true,
	"news":      true,
	"search":    true,
	"recommend": true,
	"now":       true,
	"past":      true,
}

// ShouldSearch reports whether the question's wording suggests it needs
// fresh external information.
func ShouldSearch(question string) bool {
	q := strings.ToLower(question)
	for _, kw := range triggerPhrases {
		if strings.Contains(q, kw) {
			return true
		}
	}
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	for _, w := range words {
		if triggerWords[w] {
			return true
		}
	}
	return false
}

// FormatResults renders snippets as a labeled block for appending to a
// question. Empty input yields an empty string.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("[Web search results]:")
	for _, r := range results {
		b.WriteString("\n• ")
		b.WriteString(r.Title)
		b.WriteString(": ")
		b.WriteString(r.Content)
	}
	return b.String()
}

// truncateContent trims snippet content to maxSnippetLen characters.
func truncateContent(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSnippetLen {
		return s
	}
	return string(runes[:maxSnippetLen])
}
