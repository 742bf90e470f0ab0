package lora

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/ricesearch/zeroshot-eval/internal/modality"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// Key addresses one trunk layer.
type Key struct {
	Modality modality.Type
	Layer    int
}

// Set holds every adapter loaded for a run. It is built once at startup
// and only read afterwards.
type Set struct {
	adapters map[Key][]*Adapter
}

// NewSet creates an empty adapter set.
func NewSet() *Set {
	return &Set{adapters: make(map[Key][]*Adapter)}
}

// Add registers an adapter. A second adapter for the same projection is rejected.
func (s *Set) Add(a *Adapter) error {
	if err := a.validate(); err != nil {
		return err
	}
	k := Key{Modality: a.Modality, Layer: a.Layer}
	for _, existing := range s.adapters[k] {
		if existing.Target == a.Target {
			return fmt.Errorf("duplicate adapter for %s layer %d target %s", a.Modality, a.Layer, a.Target)
		}
	}
	s.adapters[k] = append(s.adapters[k], a)
	sort.Slice(s.adapters[k], func(i, j int) bool {
		return s.adapters[k][i].Target < s.adapters[k][j].Target
	})
	return nil
}

// Get returns the adapters of one layer ordered by target.
func (s *Set) Get(m modality.Type, layer int) []*Adapter {
	return s.adapters[Key{Modality: m, Layer: layer}]
}

// Layers returns the adapted layer indices of m in ascending order.
func (s *Set) Layers(m modality.Type) []int {
	var out []int
	for k := range s.adapters {
		if k.Modality == m {
			out = append(out, k.Layer)
		}
	}
	sort.Ints(out)
	return out
}

// Modalities returns every modality with at least one adapter.
func (s *Set) Modalities() []modality.Type {
	seen := make(map[modality.Type]bool)
	var out []modality.Type
	for k := range s.adapters {
		if !seen[k.Modality] {
			seen[k.Modality] = true
			out = append(out, k.Modality)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of adapters.
func (s *Set) Len() int {
	n := 0
	for _, as := range s.adapters {
		n += len(as)
	}
	return n
}

// Each calls fn for every adapter in (modality, layer, target) order.
func (s *Set) Each(fn func(*Adapter) error) error {
	for _, m := range s.Modalities() {
		for _, l := range s.Layers(m) {
			for _, a := range s.Get(m, l) {
				if err := fn(a); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Check verifies the set covers exactly what plan asks for.
func (s *Set) Check(plan Plan) error {
	for _, m := range plan.Modalities {
		have := s.Layers(m)
		if len(have) == 0 {
			return fmt.Errorf("no adapters loaded for modality %s", m)
		}
		want, all := plan.Layers(m)
		if !all {
			haveSet := make(map[int]bool, len(have))
			for _, l := range have {
				haveSet[l] = true
			}
			for _, l := range want {
				if !haveSet[l] {
					return fmt.Errorf("modality %s: no adapter for layer %d", m, l)
				}
			}
			wantSet := make(map[int]bool, len(want))
			for _, l := range want {
				wantSet[l] = true
			}
			for _, l := range have {
				if !wantSet[l] {
					return fmt.Errorf("modality %s: adapter for layer %d is outside the plan", m, l)
				}
			}
		}
		for _, l := range have {
			for _, a := range s.Get(m, l) {
				if a.Rank() != plan.Rank {
					return fmt.Errorf("modality %s layer %d %s: rank %d, plan expects %d", m, l, a.Target, a.Rank(), plan.Rank)
				}
			}
		}
	}
	for _, m := range s.Modalities() {
		if !plan.Includes(m) {
			return fmt.Errorf("adapters loaded for %s which the plan does not adapt", m)
		}
	}
	return nil
}

var tensorName = regexp.MustCompile(`^blocks\.(\d+)\.([A-Za-z0-9_.]+)\.(lora_A|lora_B|alpha)$`)

type partial struct {
	a, b  *tensor.Tensor
	alpha float64
}

// ParseTensors builds adapters for m from checkpoint tensors named
// "blocks.{layer}.{target}.lora_A", "...lora_B" and optionally "...alpha".
// Names that do not follow the pattern are ignored.
func ParseTensors(m modality.Type, tensors map[string]*tensor.Tensor) ([]*Adapter, error) {
	type pkey struct {
		layer  int
		target string
	}
	parts := make(map[pkey]*partial)

	for name, t := range tensors {
		match := tensorName.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		layer, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		k := pkey{layer: layer, target: match[2]}
		p := parts[k]
		if p == nil {
			p = &partial{}
			parts[k] = p
		}
		switch match[3] {
		case "lora_A":
			p.a = t
		case "lora_B":
			p.b = t
		case "alpha":
			data := t.Float32Data()
			if len(data) != 1 {
				return nil, fmt.Errorf("tensor %s: alpha must hold one float32", name)
			}
			p.alpha = float64(data[0])
		}
	}

	keys := make([]pkey, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].layer != keys[j].layer {
			return keys[i].layer < keys[j].layer
		}
		return keys[i].target < keys[j].target
	})

	out := make([]*Adapter, 0, len(keys))
	for _, k := range keys {
		p := parts[k]
		if p.a == nil || p.b == nil {
			return nil, fmt.Errorf("modality %s layer %d %s: need both lora_A and lora_B", m, k.layer, k.target)
		}
		a, err := p.a.Matrix()
		if err != nil {
			return nil, fmt.Errorf("modality %s layer %d %s lora_A: %w", m, k.layer, k.target, err)
		}
		b, err := p.b.Matrix()
		if err != nil {
			return nil, fmt.Errorf("modality %s layer %d %s lora_B: %w", m, k.layer, k.target, err)
		}
		rank, _ := a.Dims()
		alpha := p.alpha
		if alpha == 0 {
			alpha = float64(rank)
		}
		out = append(out, &Adapter{
			Modality: m,
			Layer:    k.layer,
			Target:   k.target,
			A:        a,
			B:        b,
			Alpha:    alpha,
		})
	}
	return out, nil
}

// Tensors is the inverse of ParseTensors.
func Tensors(adapters []*Adapter) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, 3*len(adapters))
	for _, a := range adapters {
		prefix := fmt.Sprintf("blocks.%d.%s.", a.Layer, a.Target)
		out[prefix+"lora_A"] = tensor.FromMatrix(a.A)
		out[prefix+"lora_B"] = tensor.FromMatrix(a.B)
		out[prefix+"alpha"] = tensor.NewFloat32([]float32{float32(a.Alpha)}, []int64{1})
	}
	return out
}
