//go:build !cgo

package onnx

import (
	"log/slog"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

func newRuntimeImpl(cfg RuntimeConfig) (runtimeResult, error) {
	if cfg.Device == DeviceCUDA {
		return runtimeResult{}, errors.New(errors.CodeMLError, "cuda requested but this build has no ONNX Runtime support")
	}
	slog.Warn("ONNX Runtime is not available in this build; inference will fail")

	return runtimeResult{
		impl:         stubRuntime{},
		actualDevice: DeviceStub,
	}, nil
}

func isRuntimeAvailable() bool {
	return false
}
