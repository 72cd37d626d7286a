//go:build !onnx
// +build !onnx

package recognizer

import (
	"fmt"

	"go.uber.org/zap"
)

// Stub used when the 'onnx' build tag is not set, avoiding CGO and
// native runtime dependencies in the default build.
func newONNXRecognizer(cfg Config, logger *zap.Logger) (Statistical, error) {
	return nil, fmt.Errorf("onnx recognizer requires building with the 'onnx' tag")
}
