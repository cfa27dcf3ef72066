//go:build !onnx

package backend

import "fmt"

// Without the onnx build tag there is no runtime to score against.
// Full-precision backends can still be constructed around another
// Scorer via NewFullPrecision.
func newONNXScorer(modelPath string) (Scorer, error) {
	return nil, fmt.Errorf("onnx runtime support not compiled in (build with -tags onnx)")
}
