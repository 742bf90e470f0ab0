package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ricesearch/zeroshot-eval/internal/onnx"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// Devices accepted by To.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// ResolveDevice maps a requested device to a concrete one. "auto" picks
// CUDA when available and CPU otherwise; "cuda:N" is accepted as CUDA.
func ResolveDevice(requested string, cudaAvailable bool) (string, error) {
	d := strings.ToLower(strings.TrimSpace(requested))
	switch {
	case d == "" || d == DeviceAuto:
		if cudaAvailable {
			return DeviceCUDA, nil
		}
		return DeviceCPU, nil
	case d == DeviceCPU:
		return DeviceCPU, nil
	case d == DeviceCUDA || strings.HasPrefix(d, DeviceCUDA+":"):
		if !cudaAvailable {
			return "", errors.New(errors.CodeMLError, fmt.Sprintf("device %q requested but CUDA is not available", requested))
		}
		return d, nil
	default:
		return "", errors.ConfigError(fmt.Sprintf("unknown device %q", requested))
	}
}

// onnxDevice maps a requested device onto an ONNX Runtime device and CUDA
// ordinal. The ordinal is -1 when the request does not name one.
func onnxDevice(requested string) (onnx.Device, int, error) {
	d := strings.ToLower(strings.TrimSpace(requested))
	switch {
	case d == "" || d == DeviceAuto:
		return onnx.DeviceAuto, -1, nil
	case d == DeviceCPU:
		return onnx.DeviceCPU, -1, nil
	case d == DeviceCUDA:
		return onnx.DeviceCUDA, -1, nil
	case strings.HasPrefix(d, DeviceCUDA+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(d, DeviceCUDA+":"))
		if err != nil || n < 0 {
			return "", 0, errors.ConfigError(fmt.Sprintf("invalid cuda ordinal in device %q", requested))
		}
		return onnx.DeviceCUDA, n, nil
	default:
		return "", 0, errors.ConfigError(fmt.Sprintf("unknown device %q", requested))
	}
}
