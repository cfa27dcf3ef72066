package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// DefaultQuantizedBaseURL is where the local llama-server listens
// unless overridden via BaseURL.
const DefaultQuantizedBaseURL = "http://127.0.0.1:8080"

// charsPerToken is the character heuristic used for token accounting;
// the completion server exposes no tokenizer.
const charsPerToken = 4

// Quantized talks to a local llama-server instance hosting a .gguf
// model. Decoding strategy is opaque to the caller: the per-call
// config maps onto the server's sampling parameters.
type Quantized struct {
	// BaseURL may be overridden after construction, before first use.
	BaseURL string

	modelPath string
	limit     int
	client    *http.Client

	mu       sync.Mutex
	released bool
}

// LoadQuantized verifies the .gguf weights exist and constructs a
// client for the completion server expected to host them.
func LoadQuantized(modelPath string, contextLimit int) (*Quantized, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	if contextLimit <= 0 {
		contextLimit = DefaultContextLimit
	}
	return &Quantized{
		BaseURL:   DefaultQuantizedBaseURL,
		modelPath: modelPath,
		limit:     contextLimit,
		client: &http.Client{
			Timeout: 300 * time.Second, // slow local models
		},
	}, nil
}

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopK          int      `json:"top_k"`
	TopP          float64  `json:"top_p"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop,omitempty"`
}

type completionResponse struct {
	Content string `json:"content"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (q *Quantized) ContextLimit() int { return q.limit }

// CountTokens approximates by character count, rounding up.
func (q *Quantized) CountTokens(text string) int {
	runes := []rune(text)
	return (len(runes) + charsPerToken - 1) / charsPerToken
}

// Truncate keeps the leading keepTokens worth of characters.
func (q *Quantized) Truncate(text string, keepTokens int) string {
	if keepTokens < 0 {
		keepTokens = 0
	}
	runes := []rune(text)
	keep := keepTokens * charsPerToken
	if len(runes) <= keep {
		return text
	}
	return string(runes[:keep])
}

func (q *Quantized) Release() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return nil
	}
	q.released = true
	q.client.CloseIdleConnections()
	return nil
}

// Generate posts one completion request. A 503 status or an
// out-of-memory error body maps to ErrResourceExhausted so callers can
// retry with a degraded config.
func (q *Quantized) Generate(ctx context.Context, prompt string, cfg Config) (string, error) {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: backend released", ErrGeneration)
	}
	q.mu.Unlock()

	cfg = cfg.AdjustForLongInput(q.CountTokens(prompt))

	reqBody := completionRequest{
		Prompt:        prompt,
		NPredict:      cfg.MaxNewTokens,
		Temperature:   cfg.Temperature,
		TopK:          cfg.TopK,
		TopP:          cfg.TopP,
		RepeatPenalty: cfg.RepetitionPenalty,
		Stop:          []string{stopSequence},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrGeneration, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", q.BaseURL+"/completion", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrGeneration, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: completion request: %v", ErrGeneration, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusServiceUnavailable || exhausted(fmt.Errorf("%s", body)) {
			return "", fmt.Errorf("%w: server returned %d: %s", ErrResourceExhausted, resp.StatusCode, body)
		}
		return "", fmt.Errorf("%w: server returned %d: %s", ErrGeneration, resp.StatusCode, body)
	}

	var result completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrGeneration, err)
	}
	if result.Error.Message != "" {
		if exhausted(fmt.Errorf("%s", result.Error.Message)) {
			return "", fmt.Errorf("%w: %s", ErrResourceExhausted, result.Error.Message)
		}
		return "", fmt.Errorf("%w: %s", ErrGeneration, result.Error.Message)
	}
	return result.Content, nil
}
