// Package onnx runs exported ImageBind trunks with ONNX Runtime.
package onnx

import (
	"runtime"
	"sync"
)

// Runtime manages the ONNX Runtime environment.
type Runtime struct {
	mu           sync.Mutex
	initialized  bool
	device       Device // Requested device
	actualDevice Device // Device in use after probing
	sessions     map[string]*Session
	impl         runtimeImpl
	cfg          RuntimeConfig
}

// Device represents the execution device.
type Device string

const (
	DeviceAuto Device = "auto" // CUDA when available, else CPU
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
	DeviceStub Device = "stub" // ONNX Runtime not available
)

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	Device         Device
	CUDADeviceID   int
	IntraOpThreads int
	InterOpThreads int
	LibraryPath    string
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	threads := runtime.NumCPU()
	if threads > 8 {
		threads = 8
	}

	return RuntimeConfig{
		Device:         DeviceAuto,
		IntraOpThreads: threads,
		InterOpThreads: 1,
	}
}

type runtimeResult struct {
	impl         runtimeImpl
	actualDevice Device
}

// NewRuntime initializes ONNX Runtime for the requested device.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Device == "" {
		cfg.Device = DeviceAuto
	}

	result, err := newRuntimeImpl(cfg)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		initialized:  true,
		device:       cfg.Device,
		actualDevice: result.actualDevice,
		sessions:     make(map[string]*Session),
		impl:         result.impl,
		cfg:          cfg,
	}, nil
}

// LoadSession loads an ONNX graph under name, reusing an already loaded one.
func (r *Runtime) LoadSession(name, modelPath string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[name]; ok {
		return session, nil
	}

	session, err := r.impl.createSession(name, modelPath, r.actualDevice, r.cfg)
	if err != nil {
		return nil, err
	}

	r.sessions[name] = session
	return session, nil
}

// GetSession returns a loaded session by name.
func (r *Runtime) GetSession(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[name]
	return session, ok
}

// Close closes the runtime and all sessions.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for name, session := range r.sessions {
		if err := session.Close(); err != nil {
			lastErr = err
		}
		delete(r.sessions, name)
	}

	if r.impl != nil && r.initialized {
		if err := r.impl.close(); err != nil {
			lastErr = err
		}
	}

	r.initialized = false
	return lastErr
}

// Device returns the requested device.
func (r *Runtime) Device() Device {
	return r.device
}

// ActualDevice returns the device in use.
func (r *Runtime) ActualDevice() Device {
	return r.actualDevice
}

// IsGPU reports whether inference runs on CUDA.
func (r *Runtime) IsGPU() bool {
	return r.actualDevice == DeviceCUDA
}

// IsAvailable returns true if ONNX Runtime is compiled in on this platform.
func IsAvailable() bool {
	return isRuntimeAvailable()
}

type runtimeImpl interface {
	createSession(name, modelPath string, device Device, cfg RuntimeConfig) (*Session, error)
	close() error
}
