//go:build cgo

package onnx

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

type cgoRuntime struct{}

var _ runtimeImpl = cgoRuntime{}

func newRuntimeImpl(cfg RuntimeConfig) (runtimeResult, error) {
	libPath := cfg.LibraryPath
	if libPath == "" {
		libPath = findLibraryPath()
	}

	if libPath == "" {
		if cfg.Device == DeviceCUDA {
			return runtimeResult{}, errors.New(errors.CodeMLError, "cuda requested but the ONNX Runtime shared library was not found")
		}
		slog.Warn("ONNX Runtime shared library not found, falling back to stub")
		return runtimeResult{impl: stubRuntime{}, actualDevice: DeviceStub}, nil
	}

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return runtimeResult{}, errors.MLError("failed to initialize ONNX Runtime", err)
		}
	}
	slog.Info("initialized ONNX Runtime", "library", libPath)

	actual := DeviceCPU
	if cfg.Device == DeviceAuto || cfg.Device == DeviceCUDA {
		err := probeCUDA(cfg.CUDADeviceID)
		switch {
		case err == nil:
			actual = DeviceCUDA
		case cfg.Device == DeviceCUDA:
			return runtimeResult{}, errors.MLError("cuda execution provider unavailable", err)
		default:
			slog.Info("cuda unavailable, using cpu", "reason", err)
		}
	}

	return runtimeResult{impl: cgoRuntime{}, actualDevice: actual}, nil
}

func probeCUDA(deviceID int) error {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return err
	}
	defer opts.Destroy()
	return appendCUDA(opts, deviceID)
}

func appendCUDA(opts *ort.SessionOptions, deviceID int) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
		return err
	}
	return opts.AppendExecutionProviderCUDA(cudaOptions)
}

func (cgoRuntime) createSession(name, modelPath string, device Device, cfg RuntimeConfig) (*Session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, errors.NotFoundError("onnx graph").WithDetail("path", modelPath)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.MLError("failed to create session options", err)
	}
	defer options.Destroy()

	if device == DeviceCUDA {
		if err := appendCUDA(options, cfg.CUDADeviceID); err != nil {
			return nil, errors.MLError("failed to enable cuda for "+name, err)
		}
	} else {
		if cfg.IntraOpThreads > 0 {
			_ = options.SetIntraOpNumThreads(cfg.IntraOpThreads)
		}
		if cfg.InterOpThreads > 0 {
			_ = options.SetInterOpNumThreads(cfg.InterOpThreads)
		}
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, errors.MLError("failed to inspect graph "+name, err)
	}

	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, errors.MLError("failed to create ORT session for "+name, err)
	}

	return &Session{
		name:        name,
		path:        modelPath,
		inputNames:  inputNames,
		outputNames: outputNames,
		impl:        &cgoSession{session: session, outputs: len(outputNames)},
	}, nil
}

func (cgoRuntime) close() error {
	return ort.DestroyEnvironment()
}

func isRuntimeAvailable() bool {
	return true
}

type cgoSession struct {
	session *ort.DynamicAdvancedSession
	outputs int
}

func (s *cgoSession) run(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	values := make([]ort.Value, len(inputs))
	defer func() {
		for _, v := range values {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	for i, in := range inputs {
		shape := ort.NewShape(in.Shape()...)
		var (
			v   ort.Value
			err error
		)
		switch in.DataType() {
		case tensor.Float32:
			v, err = ort.NewTensor(shape, in.Float32Data())
		case tensor.Int64:
			v, err = ort.NewTensor(shape, in.Int64Data())
		default:
			err = fmt.Errorf("unsupported input type %s", in.DataType())
		}
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		values[i] = v
	}

	// nil outputs are allocated by ONNX Runtime.
	outputs := make([]ort.Value, s.outputs)
	if err := s.session.Run(values, outputs); err != nil {
		return nil, err
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	result := make([]*tensor.Tensor, len(outputs))
	for i, out := range outputs {
		switch t := out.(type) {
		case *ort.Tensor[float32]:
			data := append([]float32(nil), t.GetData()...)
			result[i] = tensor.NewFloat32(data, append([]int64(nil), t.GetShape()...))
		case *ort.Tensor[int64]:
			data := append([]int64(nil), t.GetData()...)
			result[i] = tensor.NewInt64(data, append([]int64(nil), t.GetShape()...))
		case nil:
		default:
			slog.Warn("skipping unsupported graph output", "index", i, "type", fmt.Sprintf("%T", out))
		}
	}
	return result, nil
}

func (s *cgoSession) close() error {
	return s.session.Destroy()
}

func findLibraryPath() string {
	if env := os.Getenv("ONNX_RUNTIME_LIB"); env != "" {
		return env
	}
	name := "onnxruntime.dll"
	switch runtime.GOOS {
	case "linux":
		name = "libonnxruntime.so"
	case "darwin":
		name = "libonnxruntime.dylib"
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	return ""
}
