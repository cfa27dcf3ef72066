// Package backend turns prompt strings into generated text. Two
// interchangeable variants exist: a full-precision model driven through
// an iterative decoding loop, and a quantized local model reached
// through a single opaque completion call.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultContextLimit bounds the encoded prompt when the caller does
// not specify one.
const DefaultContextLimit = 4096

var (
	// ErrLoad indicates missing or incompatible model artifacts. Fatal
	// for the backend instance; never auto-retried.
	ErrLoad = errors.New("model load failed")

	// ErrGeneration indicates an internal backend failure during
	// decoding. Callers surface it as a degraded response.
	ErrGeneration = errors.New("generation failed")

	// ErrResourceExhausted indicates the accelerator ran out of memory.
	// Transient: callers retry once with a degraded config.
	ErrResourceExhausted = errors.New("accelerator out of memory")
)

// Backend generates text from a prompt. Implementations are safe for
// sequential use only; Release is idempotent.
type Backend interface {
	// Generate produces text for the prompt under the given config.
	Generate(ctx context.Context, prompt string, cfg Config) (string, error)

	// CountTokens estimates a text's token length. The quantized
	// variant exposes no tokenizer and approximates by characters.
	CountTokens(text string) int

	// Truncate keeps the leading keepTokens tokens of text.
	Truncate(text string, keepTokens int) string

	// ContextLimit returns the maximum encoded prompt length.
	ContextLimit() int

	// Release frees backend resources. Safe to call more than once.
	Release() error
}

// Load inspects the artifacts at path and constructs the matching
// backend variant: a .gguf file (or a directory holding one) selects
// the quantized local backend, a directory holding model.onnx plus
// vocab.json selects the full-precision backend.
func Load(path string, contextLimit int) (Backend, error) {
	if contextLimit <= 0 {
		contextLimit = DefaultContextLimit
	}

	if ggufPath, ok := findGGUF(path); ok {
		return LoadQuantized(ggufPath, contextLimit)
	}
	if isFullPrecisionDir(path) {
		return LoadFullPrecision(path, contextLimit)
	}
	return nil, fmt.Errorf("%w: no model artifacts at %s", ErrLoad, path)
}

// findGGUF resolves path to a .gguf weights file, either directly or
// as the first .gguf entry inside a directory.
func findGGUF(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}

	if !info.IsDir() {
		if strings.EqualFold(filepath.Ext(path), ".gguf") {
			return path, true
		}
		return "", false
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".gguf") {
			return filepath.Join(path, entry.Name()), true
		}
	}
	return "", false
}

// isFullPrecisionDir reports whether path holds full-precision
// artifacts: exported ONNX weights plus a vocabulary file.
func isFullPrecisionDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, "model.onnx")); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, "vocab.json")); err != nil {
		return false
	}
	return true
}

// exhausted reports whether an error from the underlying runtime looks
// like accelerator memory pressure.
func exhausted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") ||
		strings.Contains(msg, "oom") ||
		strings.Contains(msg, "failed to allocate") ||
		strings.Contains(msg, "alloc failed")
}
