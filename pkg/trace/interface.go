package trace

import (
	"context"
	"time"
)

// Exporter defines the interface for exporting turn traces.
// Implementations must be safe for concurrent use.
type Exporter interface {
	// Export writes a trace record to the configured destination.
	// Returns error if export fails.
	Export(ctx context.Context, record *TraceRecord) error

	// Close flushes any buffered records and releases resources.
	// Should be called during graceful shutdown.
	Close() error
}

// TraceRecord represents a sanitized turn trace ready for export.
// This structure contains NO sensitive data (no questions, answers,
// prompts, or memory content).
type TraceRecord struct {
	// Timestamp is the turn start time
	Timestamp time.Time `json:"timestamp"`

	// TurnID uniquely identifies this turn (for correlation)
	TurnID string `json:"turnId"`

	// Operation is the operation type: "answer", "load"
	Operation string `json:"operation"`

	// Mode is the decoding mode for answer operations: "fast", "deep"
	Mode string `json:"mode,omitempty"`

	// DurationMs is the total operation duration in milliseconds
	DurationMs int64 `json:"durationMs"`

	// Status is "success", "degraded", or "error"
	Status string `json:"status"`

	// Spans contains per-stage timing and status
	Spans []SpanRecord `json:"spans"`

	// ErrorType classifies the error (if Status != "success")
	// Values: resource_exhausted, generation, persistence, timeout,
	// network, validation, unknown
	ErrorType string `json:"errorType,omitempty"`

	// IDs contains operation-specific identifiers (no content)
	IDs map[string]interface{} `json:"ids,omitempty"`
}

// SpanRecord represents a single stage within a turn.
type SpanRecord struct {
	// Name is the stage name (extract, recall, web-search, assemble, generate, persist)
	Name string `json:"name"`

	// DurationMs is the stage duration in milliseconds
	DurationMs int64 `json:"durationMs"`

	// OK indicates success (true) or failure (false)
	OK bool `json:"ok"`

	// ErrorType classifies the error (if OK == false)
	ErrorType string `json:"errorType,omitempty"`

	// Counters provides stage-specific metrics (e.g., memoriesRecalled, promptTokens)
	Counters map[string]int64 `json:"counters,omitempty"`
}

// FileExporterOption configures a FileExporter.
// This type is available in both tracing and non-tracing builds to maintain API compatibility.
type FileExporterOption func(interface{})
