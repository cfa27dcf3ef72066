package engine

import (
	"time"

	"github.com/google/uuid"
)

// TurnTrace captures timing data for one answered turn. The structure
// is stable for downstream consumers (debug views, log export).
type TurnTrace struct {
	// ID uniquely identifies the turn.
	ID string `json:"id"`

	// Spans contains timing data for each stage of the turn
	Spans []Span `json:"spans"`

	// TotalDurationMs is the total elapsed time for the turn in milliseconds
	TotalDurationMs int64 `json:"totalDurationMs"`
}

// Span represents a single timed stage within a turn.
// Stage names are stable and documented:
//   - "extract": memory extraction from the question
//   - "recall": relevant memory lookup
//   - "web-search": web search augmentation
//   - "assemble": history load and prompt assembly
//   - "generate": backend text generation
//   - "persist": message writes and titling
type Span struct {
	// Name identifies the turn stage (see Span documentation for stable names)
	Name string `json:"name"`

	// DurationMs is the elapsed time for this span in milliseconds
	DurationMs int64 `json:"durationMs"`

	// OK indicates whether the span completed successfully
	OK bool `json:"ok"`

	// Error contains error message if OK is false (optional)
	Error string `json:"error,omitempty"`

	// Counters provides additional metrics for the span (optional)
	// Example keys: "memoriesRecalled", "searchResults", "promptTokens"
	Counters map[string]int64 `json:"counters,omitempty"`
}

// newTrace creates a new TurnTrace with empty spans
func newTrace() *TurnTrace {
	return &TurnTrace{
		ID:    uuid.NewString(),
		Spans: make([]Span, 0),
	}
}

// addSpan appends a completed span to the trace
func (t *TurnTrace) addSpan(span Span) {
	t.Spans = append(t.Spans, span)
	t.TotalDurationMs += span.DurationMs
}

// spanTimer is a helper for measuring span duration
type spanTimer struct {
	name  string
	start int64 // Unix time in milliseconds
	trace *TurnTrace
}

// newSpanTimer creates a timer for a named span
func newSpanTimer(name string, trace *TurnTrace) *spanTimer {
	return &spanTimer{
		name:  name,
		start: timeNowMs(),
		trace: trace,
	}
}

// finish completes the span and records it to the trace
func (st *spanTimer) finish(err error, counters map[string]int64) {
	span := Span{
		Name:       st.name,
		DurationMs: timeNowMs() - st.start,
		OK:         err == nil,
		Counters:   counters,
	}
	if err != nil {
		span.Error = err.Error()
	}
	st.trace.addSpan(span)
}

// timeNowMs returns current Unix time in milliseconds
func timeNowMs() int64 {
	return time.Now().UnixMilli()
}
