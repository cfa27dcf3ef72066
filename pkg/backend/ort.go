//go:build onnx

package backend

import (
	"context"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ortInit sync.Once

// onnxScorer runs an exported causal language model through ONNX
// Runtime. One inference per Step, no KV cache.
type onnxScorer struct {
	session *ort.DynamicAdvancedSession
}

func newONNXScorer(modelPath string) (Scorer, error) {
	if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY"); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}

	var initErr error
	ortInit.Do(func() {
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", initErr)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return &onnxScorer{session: session}, nil
}

func (s *onnxScorer) Step(ctx context.Context, tokens []int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]int64, len(tokens))
	for i, tok := range tokens {
		ids[i] = int64(tok)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected logits tensor type %T", outputs[0])
	}

	// Shape is [1, seq_len, vocab]; the last position scores the next
	// token.
	shape := logits.GetShape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("unexpected logits shape %v", shape)
	}
	data := logits.GetData()
	vocab := int(shape[2])
	last := data[len(data)-vocab:]

	out := make([]float32, vocab)
	copy(out, last)
	return out, nil
}

func (s *onnxScorer) Release() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
