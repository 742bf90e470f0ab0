// Package model assembles the pretrained multimodal encoder for a run:
// adapters, fine-tuned heads and postprocessors, inference mode and device.
package model

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/ricesearch/zeroshot-eval/internal/checkpoint"
	"github.com/ricesearch/zeroshot-eval/internal/client"
	"github.com/ricesearch/zeroshot-eval/internal/config"
	"github.com/ricesearch/zeroshot-eval/internal/lora"
	"github.com/ricesearch/zeroshot-eval/internal/modality"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/logger"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/security"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// Inputs is one forward pass worth of data.
type Inputs struct {
	Sensors map[modality.Type]*tensor.Tensor // stacked batches, B x ...
	Text    []string
}

// Embeddings maps each requested modality to its rows, one per input item.
type Embeddings map[modality.Type]*mat.Dense

// Embedder produces embeddings in the shared space.
type Embedder interface {
	Embed(ctx context.Context, in Inputs) (Embeddings, error)
}

// Backend is an encoder that can be specialised before inference.
type Backend interface {
	Embedder
	ApplyAdapters(ctx context.Context, set *lora.Set) error
	LoadModule(ctx context.Context, kind string, m modality.Type, w *checkpoint.Weights) error
	SetEval(ctx context.Context) error
	// To binds the backend to a device ("auto", "cpu", "cuda") and
	// returns the device actually used.
	To(ctx context.Context, device string) (string, error)
	Close() error
}

// healthChecker is implemented by backends that live behind a server.
type healthChecker interface {
	Health(ctx context.Context) (*client.HealthResponse, error)
}

// LoadedModule records one fine-tuned module applied to the backend.
type LoadedModule struct {
	Kind        string
	Modality    modality.Type
	Source      string
	Fingerprint string
}

// Model is an assembled, inference-ready encoder.
type Model struct {
	backend  Backend
	cache    *TextCache
	adapters *lora.Set
	modules  []LoadedModule
	device   string
	log      *logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option configures Assemble.
type Option func(*Model)

// WithTextCache replaces the default text embedding cache.
func WithTextCache(c *TextCache) Option {
	return func(m *Model) {
		m.cache = c
	}
}

// Assemble specialises backend for the run. In LoRA mode adapters are
// loaded for every planned trunk and checked against the plan; any missing
// checkpoint aborts assembly. Heads and postprocessors are loaded for the
// sensor and text modalities when the run asks for them.
func Assemble(ctx context.Context, rc config.RunConfig, backend Backend, loader checkpoint.Loader, log *logger.Logger, opts ...Option) (*Model, error) {
	if backend == nil {
		return nil, errors.ValidationError("model backend is nil")
	}
	if log == nil {
		log = logger.Discard()
	}

	m := &Model{backend: backend, log: log}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = NewTextCache(len(rc.Descriptions) * 2)
	}

	// A remote backend must answer before any weights are uploaded.
	if hc, ok := backend.(healthChecker); ok {
		h, err := hc.Health(ctx)
		if err != nil {
			return nil, err
		}
		log.Info("model server ready", "status", h.Status, "version", h.Version, "device", h.Device)
	}

	needsCheckpoints := rc.Mode == config.ModeLoRA || rc.Mode == config.ModeLinearProbing
	if needsCheckpoints && loader == nil {
		return nil, errors.ConfigError(fmt.Sprintf("%s mode needs a checkpoint loader", rc.Mode))
	}

	if rc.Mode == config.ModeLoRA {
		set, err := loadAdapters(ctx, rc.Adapters, loader, log)
		if err != nil {
			return nil, err
		}
		if err := backend.ApplyAdapters(ctx, set); err != nil {
			return nil, errors.MLError("applying adapters", err)
		}
		m.adapters = set
	}

	for _, kind := range moduleKinds(rc) {
		for _, mod := range []modality.Type{rc.Modality, modality.Text} {
			w, err := loader.LoadModule(ctx, kind, mod)
			if err != nil {
				return nil, annotate(err, kind, mod)
			}
			if err := backend.LoadModule(ctx, kind, mod, w); err != nil {
				return nil, errors.MLError(fmt.Sprintf("loading %s for %s", kind, mod), err)
			}
			m.modules = append(m.modules, LoadedModule{Kind: kind, Modality: mod, Source: w.Source, Fingerprint: w.Fingerprint})
			mlog := log.WithModality(string(mod))
			mlog.Info("loaded module", "module", kind, "source", w.Source, "fingerprint", short(w.Fingerprint))
			logMetadata(mlog, w)
		}
	}

	if err := backend.SetEval(ctx); err != nil {
		return nil, errors.MLError("switching to inference mode", err)
	}

	device, err := backend.To(ctx, rc.Device)
	if err != nil {
		return nil, errors.MLError(fmt.Sprintf("binding device %q", rc.Device), err)
	}
	m.device = device
	log.Info("model ready", "mode", string(rc.Mode), "device", device, "modules", len(m.modules))

	return m, nil
}

// moduleKinds lists the fine-tuned modules a run loads, in load order.
func moduleKinds(rc config.RunConfig) []string {
	switch {
	case rc.Mode == config.ModeLoRA && rc.LoadHeadPostProc:
		return []string{checkpoint.ModulePostprocessors, checkpoint.ModuleHeads}
	case rc.Mode == config.ModeLinearProbing:
		return []string{checkpoint.ModuleHeads}
	default:
		return nil
	}
}

func loadAdapters(ctx context.Context, plan lora.Plan, loader checkpoint.Loader, log *logger.Logger) (*lora.Set, error) {
	set := lora.NewSet()
	for _, mod := range plan.Modalities {
		w, err := loader.LoadAdapters(ctx, mod)
		if err != nil {
			return nil, annotate(err, "lora", mod)
		}
		adapters, err := lora.ParseTensors(mod, w.Tensors)
		if err != nil {
			return nil, errors.CheckpointError("parsing adapters", err).
				WithDetail("modality", string(mod)).
				WithDetail("path", w.Source)
		}
		var norm float64
		for _, a := range adapters {
			n, err := a.DeltaNorm()
			if err != nil {
				return nil, errors.CheckpointError("corrupt adapter", err).WithDetail("path", w.Source)
			}
			norm = math.Hypot(norm, n)
			if err := set.Add(a); err != nil {
				return nil, errors.CheckpointError("registering adapter", err).WithDetail("path", w.Source)
			}
		}
		mlog := log.WithModality(string(mod))
		mlog.Info("loaded adapters", "layers", len(set.Layers(mod)),
			"source", w.Source, "fingerprint", short(w.Fingerprint), "delta_norm", norm)
		logMetadata(mlog, w)
	}

	if err := set.Check(plan); err != nil {
		return nil, errors.CheckpointError("adapters do not match the plan", err)
	}
	return set, nil
}

// logMetadata logs checkpoint metadata with credential-like values masked.
func logMetadata(log *logger.Logger, w *checkpoint.Weights) {
	if len(w.Metadata) == 0 {
		return
	}
	log.Debug("checkpoint metadata", "source", w.Source, "metadata", security.MaskSensitiveMap(w.Metadata))
}

// annotate adds context to loader errors while keeping their code.
func annotate(err error, what string, m modality.Type) error {
	if ae, ok := err.(*errors.AppError); ok {
		return ae.WithDetail("module", what).WithDetail("modality", string(m))
	}
	return errors.CheckpointError(fmt.Sprintf("loading %s for %s", what, m), err)
}

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}

// Embed embeds sensors through the backend. Text embeddings are served from
// the cache when every description has been seen before.
func (m *Model) Embed(ctx context.Context, in Inputs) (Embeddings, error) {
	if len(in.Sensors) == 0 && len(in.Text) == 0 {
		return nil, errors.ValidationError("nothing to embed")
	}

	var missing []string
	seen := make(map[string]bool)
	for _, text := range in.Text {
		if _, ok := m.cache.Get(text); !ok && !seen[text] {
			missing = append(missing, text)
			seen[text] = true
		}
	}

	req := Inputs{Sensors: in.Sensors, Text: missing}
	out := make(Embeddings, len(in.Sensors)+1)
	if len(req.Sensors) > 0 || len(req.Text) > 0 {
		got, err := m.backend.Embed(ctx, req)
		if err != nil {
			return nil, err
		}
		for mod := range in.Sensors {
			e, ok := got[mod]
			if !ok {
				return nil, errors.New(errors.CodeMLError, fmt.Sprintf("backend returned no %s embeddings", mod))
			}
			if r, _ := e.Dims(); r != in.Sensors[mod].Rows() {
				return nil, errors.New(errors.CodeMLError, fmt.Sprintf("backend returned %d %s rows for %d inputs", r, mod, in.Sensors[mod].Rows()))
			}
			out[mod] = e
		}
		if len(missing) > 0 {
			e, ok := got[modality.Text]
			if !ok {
				return nil, errors.New(errors.CodeMLError, "backend returned no text embeddings")
			}
			if r, _ := e.Dims(); r != len(missing) {
				return nil, errors.New(errors.CodeMLError, fmt.Sprintf("backend returned %d text rows for %d texts", r, len(missing)))
			}
			for i, text := range missing {
				m.cache.Set(text, mat.Row(nil, i, e))
			}
		}
	}

	if len(in.Text) > 0 {
		rows := make([][]float64, len(in.Text))
		for i, text := range in.Text {
			v, ok := m.cache.Get(text)
			if !ok {
				// Evicted between Set and Get; only possible with a tiny cache.
				return nil, errors.InternalError("text embedding cache too small for the class list", nil)
			}
			rows[i] = v
		}
		dense, err := stackRows(rows)
		if err != nil {
			return nil, err
		}
		out[modality.Text] = dense
	}
	return out, nil
}

func stackRows(rows [][]float64) (*mat.Dense, error) {
	d := len(rows[0])
	data := make([]float64, 0, len(rows)*d)
	for i, r := range rows {
		if len(r) != d {
			return nil, errors.New(errors.CodeMLError, fmt.Sprintf("text embedding %d has dimension %d, want %d", i, len(r), d))
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), d, data), nil
}

// Adapters returns the applied adapter set, nil unless the run used LoRA.
func (m *Model) Adapters() *lora.Set {
	return m.adapters
}

// Modules returns the fine-tuned modules applied during assembly.
func (m *Model) Modules() []LoadedModule {
	return append([]LoadedModule(nil), m.modules...)
}

// Device returns the device the backend is bound to.
func (m *Model) Device() string {
	return m.device
}

// Cache returns the text embedding cache.
func (m *Model) Cache() *TextCache {
	return m.cache
}

// Close releases the backend.
func (m *Model) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.backend.Close()
	})
	return m.closeErr
}
