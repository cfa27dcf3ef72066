package engine

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/yanzhao77/ModelForge/pkg/backend"
)

// Error type constants for classification
const (
	ErrTypeTimeout     = "timeout"
	ErrTypeExhausted   = "resource_exhausted"
	ErrTypeGeneration  = "generation"
	ErrTypeLoad        = "load"
	ErrTypeNetwork     = "network"
	ErrTypePersistence = "persistence"
	ErrTypeValidation  = "validation"
	ErrTypeUnknown     = "unknown"
)

// ClassifyError inspects an error and returns its type classification.
// This enables grouping errors by category in metrics and traces.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	// Backend sentinels carry the classification directly.
	if errors.Is(err, backend.ErrResourceExhausted) {
		return ErrTypeExhausted
	}
	if errors.Is(err, backend.ErrLoad) {
		return ErrTypeLoad
	}
	if errors.Is(err, backend.ErrGeneration) {
		return ErrTypeGeneration
	}

	errStrLower := strings.ToLower(err.Error())

	// Check for timeout errors
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(errStrLower, "timeout") ||
		strings.Contains(errStrLower, "deadline exceeded") {
		return ErrTypeTimeout
	}

	// Check for network errors
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return ErrTypeNetwork
	}
	if strings.Contains(errStrLower, "connection refused") ||
		strings.Contains(errStrLower, "connection reset") ||
		strings.Contains(errStrLower, "no such host") ||
		strings.Contains(errStrLower, "network is unreachable") ||
		strings.Contains(errStrLower, "dial tcp") {
		return ErrTypeNetwork
	}

	// Check for database errors (SQLite specific)
	if strings.Contains(errStrLower, "sql") ||
		strings.Contains(errStrLower, "database") ||
		strings.Contains(errStrLower, "constraint") ||
		strings.Contains(errStrLower, "not found") {
		return ErrTypePersistence
	}

	// Check for validation errors
	if strings.Contains(errStrLower, "validation") ||
		strings.Contains(errStrLower, "invalid") ||
		strings.Contains(errStrLower, "required") ||
		strings.Contains(errStrLower, "cannot be empty") ||
		strings.Contains(errStrLower, "must be") {
		return ErrTypeValidation
	}

	// Default to unknown
	return ErrTypeUnknown
}
