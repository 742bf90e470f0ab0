package model

import (
	"context"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/ricesearch/zeroshot-eval/internal/checkpoint"
	"github.com/ricesearch/zeroshot-eval/internal/lora"
	"github.com/ricesearch/zeroshot-eval/internal/modality"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// Fake is an in-process Backend. Sensor inputs are taken to be embeddings
// already (each sample flattened to one row) and texts are looked up in a
// fixed table. It records every call so tests can inspect assembly.
type Fake struct {
	mu sync.Mutex

	text map[string][]float64

	adapters   *lora.Set
	modules    []string // "kind/modality" in load order
	eval       bool
	device     string
	embedCalls int
	textsSeen  int
	closed     bool
	failEmbed  error
}

var _ Backend = (*Fake)(nil)

// NewFake creates a fake whose text embeddings come from table.
func NewFake(table map[string][]float64) *Fake {
	text := make(map[string][]float64, len(table))
	for k, v := range table {
		text[k] = append([]float64(nil), v...)
	}
	return &Fake{text: text}
}

// FailEmbed makes every later Embed call return err.
func (f *Fake) FailEmbed(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failEmbed = err
}

// Embed implements Embedder.
func (f *Fake) Embed(ctx context.Context, in Inputs) (Embeddings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failEmbed != nil {
		return nil, f.failEmbed
	}
	f.embedCalls++
	f.textsSeen += len(in.Text)

	out := make(Embeddings, len(in.Sensors)+1)
	for m, t := range in.Sensors {
		rows := t.Rows()
		if rows == 0 {
			return nil, errors.ValidationError(fmt.Sprintf("empty %s batch", m))
		}
		flat, err := t.Reshape([]int64{int64(rows), t.NumElements() / int64(rows)})
		if err != nil {
			return nil, err
		}
		dense, err := flat.Matrix()
		if err != nil {
			return nil, err
		}
		out[m] = dense
	}

	if len(in.Text) > 0 {
		var data []float64
		dim := -1
		for _, s := range in.Text {
			v, ok := f.text[s]
			if !ok {
				return nil, errors.New(errors.CodeMLError, fmt.Sprintf("fake has no embedding for %q", s))
			}
			if dim >= 0 && len(v) != dim {
				return nil, errors.New(errors.CodeMLError, "fake text embeddings differ in dimension")
			}
			dim = len(v)
			data = append(data, v...)
		}
		out[modality.Text] = mat.NewDense(len(in.Text), dim, data)
	}
	return out, nil
}

// ApplyAdapters implements Backend.
func (f *Fake) ApplyAdapters(_ context.Context, set *lora.Set) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters = set
	return nil
}

// LoadModule implements Backend.
func (f *Fake) LoadModule(_ context.Context, kind string, m modality.Type, w *checkpoint.Weights) error {
	if w == nil {
		return errors.ValidationError("nil weights")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules = append(f.modules, kind+"/"+string(m))
	return nil
}

// SetEval implements Backend.
func (f *Fake) SetEval(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eval = true
	return nil
}

// To implements Backend. "auto" resolves to "cpu".
func (f *Fake) To(_ context.Context, device string) (string, error) {
	resolved, err := ResolveDevice(device, false)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device = resolved
	return resolved, nil
}

// Close implements Backend.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FakeState is a snapshot of the calls a Fake has seen.
type FakeState struct {
	Adapters   *lora.Set
	Modules    []string
	Eval       bool
	Device     string
	EmbedCalls int
	TextsSeen  int
	Closed     bool
}

// State returns a snapshot of recorded calls.
func (f *Fake) State() FakeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FakeState{
		Adapters:   f.adapters,
		Modules:    append([]string(nil), f.modules...),
		Eval:       f.eval,
		Device:     f.device,
		EmbedCalls: f.embedCalls,
		TextsSeen:  f.textsSeen,
		Closed:     f.closed,
	}
}

// Tensor is a convenience for building sensor batches from rows.
func Tensor(rows [][]float32) *tensor.Tensor {
	if len(rows) == 0 {
		return tensor.NewFloat32(nil, []int64{0, 0})
	}
	d := len(rows[0])
	data := make([]float32, 0, len(rows)*d)
	for _, r := range rows {
		data = append(data, r...)
	}
	return tensor.NewFloat32(data, []int64{int64(len(rows)), int64(d)})
}
