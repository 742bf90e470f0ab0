package onnx

import "github.com/ricesearch/zeroshot-eval/internal/pkg/errors"

// stubRuntime fails every session. The cgo build falls back to it when the
// shared library cannot be located.
type stubRuntime struct{}

func (stubRuntime) createSession(name, modelPath string, device Device, cfg RuntimeConfig) (*Session, error) {
	return nil, errors.New(errors.CodeMLError, "ONNX Runtime not available: install the shared library or set ml.library_path").
		WithDetail("graph", name)
}

func (stubRuntime) close() error {
	return nil
}
