//go:build !metrics

package metrics

import "context"

// NoopCollector satisfies Collector without recording anything. It is
// the default when the build omits the metrics tag.
type NoopCollector struct{}

// NewNoopCollector returns a collector that discards every record.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (n *NoopCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
}

func (n *NoopCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
}

func (n *NoopCollector) RecordError(ctx context.Context, operation string, errorType string) {
}

func (n *NoopCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
}
