package model

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/ricesearch/zeroshot-eval/internal/checkpoint"
	"github.com/ricesearch/zeroshot-eval/internal/lora"
	"github.com/ricesearch/zeroshot-eval/internal/modality"
	"github.com/ricesearch/zeroshot-eval/internal/onnx"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// Graph input names.
const (
	SensorInputName = "input"
	TextInputName   = "input_ids"

	loraPrefix = "lora."
)

// ONNXConfig configures the ONNX Runtime backend.
type ONNXConfig struct {
	// ModelsDir holds imagebind_{modality}.onnx graphs and tokenizer/.
	ModelsDir   string
	LibraryPath string
	CUDADevice  int
	Threads     int
}

// ONNXBackend runs one exported graph per trunk. Adapters and fine-tuned
// modules are fed as additional named graph inputs; a graph that does not
// declare an input for a supplied tensor is an error.
type ONNXBackend struct {
	cfg ONNXConfig

	mu        sync.Mutex
	runtime   *onnx.Runtime
	tokenizer *onnx.Tokenizer
	extra     map[modality.Type]map[string]*tensor.Tensor
	eval      bool
}

var _ Backend = (*ONNXBackend)(nil)

// NewONNXBackend creates a backend. No runtime is started until To.
func NewONNXBackend(cfg ONNXConfig) *ONNXBackend {
	return &ONNXBackend{
		cfg:   cfg,
		extra: make(map[modality.Type]map[string]*tensor.Tensor),
	}
}

// GraphPath returns the graph file for a trunk.
func (b *ONNXBackend) GraphPath(m modality.Type) string {
	return filepath.Join(b.cfg.ModelsDir, fmt.Sprintf("imagebind_%s.onnx", m))
}

func (b *ONNXBackend) addExtra(m modality.Type, name string, t *tensor.Tensor) {
	if b.extra[m] == nil {
		b.extra[m] = make(map[string]*tensor.Tensor)
	}
	b.extra[m][name] = t
}

// ApplyAdapters implements Backend.
func (b *ONNXBackend) ApplyAdapters(_ context.Context, set *lora.Set) error {
	if set == nil {
		return errors.ValidationError("nil adapter set")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	return set.Each(func(a *lora.Adapter) error {
		for name, t := range lora.Tensors([]*lora.Adapter{a}) {
			b.addExtra(a.Modality, loraPrefix+name, t)
		}
		return nil
	})
}

// LoadModule implements Backend.
func (b *ONNXBackend) LoadModule(_ context.Context, kind string, m modality.Type, w *checkpoint.Weights) error {
	if w == nil || len(w.Tensors) == 0 {
		return errors.ValidationError(fmt.Sprintf("%s for %s has no tensors", kind, m))
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, t := range w.Tensors {
		b.addExtra(m, kind+"."+name, t)
	}
	return nil
}

// SetEval implements Backend. Exported graphs are already in inference
// form, so this only records the transition.
func (b *ONNXBackend) SetEval(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eval = true
	return nil
}

// To starts ONNX Runtime on device and returns the device in use. An
// explicit cuda or cuda:N request fails unless the runtime lands on CUDA.
func (b *ONNXBackend) To(_ context.Context, device string) (string, error) {
	dev, ordinal, err := onnxDevice(device)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.runtime != nil {
		if err := b.runtime.Close(); err != nil {
			return "", err
		}
		b.runtime = nil
	}

	rc := onnx.DefaultRuntimeConfig()
	rc.Device = dev
	rc.CUDADeviceID = b.cfg.CUDADevice
	if ordinal >= 0 {
		rc.CUDADeviceID = ordinal
	}
	rc.LibraryPath = b.cfg.LibraryPath
	if b.cfg.Threads > 0 {
		rc.IntraOpThreads = b.cfg.Threads
	}

	rt, err := onnx.NewRuntime(rc)
	if err != nil {
		return "", err
	}
	if dev == onnx.DeviceCUDA && !rt.IsGPU() {
		actual := rt.ActualDevice()
		_ = rt.Close()
		return "", errors.New(errors.CodeMLError,
			fmt.Sprintf("device %q requested but ONNX Runtime is running on %s", device, actual))
	}
	b.runtime = rt
	if dev == onnx.DeviceCUDA && ordinal >= 0 {
		return fmt.Sprintf("%s:%d", onnx.DeviceCUDA, ordinal), nil
	}
	return string(rt.ActualDevice()), nil
}

// Embed implements Embedder.
func (b *ONNXBackend) Embed(ctx context.Context, in Inputs) (Embeddings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.runtime == nil {
		return nil, errors.New(errors.CodeMLError, "onnx backend is not bound to a device")
	}
	if !b.eval {
		return nil, errors.New(errors.CodeMLError, "onnx backend is not in inference mode")
	}

	out := make(Embeddings, len(in.Sensors)+1)

	// Deterministic trunk order keeps session loading reproducible.
	mods := make([]modality.Type, 0, len(in.Sensors))
	for m := range in.Sensors {
		mods = append(mods, m)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i] < mods[j] })

	for _, m := range mods {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := b.run(m, SensorInputName, in.Sensors[m])
		if err != nil {
			return nil, err
		}
		out[m] = e
	}

	if len(in.Text) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.tokenizer == nil {
			tok, err := onnx.LoadTokenizer(filepath.Join(b.cfg.ModelsDir, "tokenizer"))
			if err != nil {
				return nil, errors.MLError("loading tokenizer", err)
			}
			b.tokenizer = tok
		}
		e, err := b.run(modality.Text, TextInputName, b.tokenizer.EncodeBatch(in.Text))
		if err != nil {
			return nil, err
		}
		out[modality.Text] = e
	}
	return out, nil
}

func (b *ONNXBackend) run(m modality.Type, inputName string, input *tensor.Tensor) (*mat.Dense, error) {
	session, err := b.runtime.LoadSession(string(m), b.GraphPath(m))
	if err != nil {
		return nil, err
	}

	feeds := map[string]*tensor.Tensor{inputName: input}
	for name, t := range b.extra[m] {
		if !session.HasInput(name) {
			return nil, errors.New(errors.CodeMLError,
				fmt.Sprintf("graph %s has no input for %q; export it with adapters and modules as inputs", session.Path(), name))
		}
		feeds[name] = t
	}

	outputs, err := session.Run(feeds)
	if err != nil {
		return nil, err
	}
	names := session.OutputNames()
	if len(names) == 0 {
		return nil, errors.New(errors.CodeMLError, fmt.Sprintf("graph %s has no outputs", session.Path()))
	}
	emb, ok := outputs[names[0]]
	if !ok {
		return nil, errors.New(errors.CodeMLError, fmt.Sprintf("graph %s produced no %q", session.Path(), names[0]))
	}
	return emb.Matrix()
}

// Close implements Backend.
func (b *ONNXBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runtime == nil {
		return nil
	}
	err := b.runtime.Close()
	b.runtime = nil
	return err
}
