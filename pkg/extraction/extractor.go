package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coregx/ahocorasick"

	"github.com/yanzhao77/ModelForge/pkg/store"
)

// MemoryWriter is the slice of the store the extractor needs.
type MemoryWriter interface {
	UpsertMemory(ctx context.Context, userID int64, mtype store.MemoryType, key, value string, sourceSessionID int64, importance float64) (*store.Memory, error)
}

// Extractor scans user messages for rule keywords and upserts one
// memory per (rule, matching sentence) occurrence.
type Extractor struct {
	rules  []Rule
	ac     *ahocorasick.Automaton
	writer MemoryWriter
	logger *slog.Logger
}

// New compiles the rule set into a matcher. A nil or empty rules slice
// falls back to DefaultRules; a nil logger falls back to slog.Default.
func New(writer MemoryWriter, rules []Rule, logger *slog.Logger) (*Extractor, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}

	patterns := make([]string, len(rules))
	for i, r := range rules {
		patterns[i] = strings.ToLower(r.Keyword)
	}

	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, fmt.Errorf("compile extraction rules: %w", err)
	}

	return &Extractor{rules: rules, ac: ac, writer: writer, logger: logger}, nil
}

// Extract splits the message into sentences and upserts a memory for
// every rule keyword found inside a sentence, keyed by that keyword
// with the sentence as value. Multiple keywords in one message yield
// multiple memories. sessionID of 0 means no source session.
func (e *Extractor) Extract(ctx context.Context, userID int64, text string, sessionID int64) ([]*store.Memory, error) {
	var memories []*store.Memory

	for _, sentence := range splitSentences(text) {
		lowered := strings.ToLower(sentence)

		seen := make(map[int]bool)
		for _, m := range e.ac.FindAllOverlapping([]byte(lowered)) {
			if !wordBoundary(lowered, m.Start, m.End) {
				continue
			}
			if seen[m.PatternID] {
				continue
			}
			seen[m.PatternID] = true

			rule := e.rules[m.PatternID]
			mem, err := e.writer.UpsertMemory(ctx, userID, rule.Type, rule.Keyword, sentence, sessionID, rule.Importance)
			if err != nil {
				return memories, fmt.Errorf("persist extracted memory %q: %w", rule.Keyword, err)
			}
			memories = append(memories, mem)
		}
	}

	if len(memories) > 0 {
		e.logger.Debug("extracted memories", "count", len(memories), "user", userID)
	}
	return memories, nil
}
