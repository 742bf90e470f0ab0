// Package lora describes low-rank adapters injected into modality trunks.
package lora

import (
	"fmt"
	"sort"

	"github.com/ricesearch/zeroshot-eval/internal/modality"
)

// DefaultRank matches the rank the published adapters were trained with.
const DefaultRank = 4

// Plan names the trunks and layers that receive adapters.
type Plan struct {
	Rank int
	// LayerIdxs restricts adaptation per modality. A modality without an
	// entry (or a nil map) adapts every layer of its trunk.
	LayerIdxs  map[modality.Type][]int
	Modalities []modality.Type
}

// Layers returns the explicit layer list for m, or all=true when every
// layer of the trunk is adapted.
func (p Plan) Layers(m modality.Type) (layers []int, all bool) {
	idxs, ok := p.LayerIdxs[m]
	if !ok || idxs == nil {
		return nil, true
	}
	out := append([]int(nil), idxs...)
	sort.Ints(out)
	return out, false
}

// Includes reports whether m is adapted.
func (p Plan) Includes(m modality.Type) bool {
	for _, x := range p.Modalities {
		if x == m {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p Plan) Clone() Plan {
	out := Plan{
		Rank:       p.Rank,
		Modalities: append([]modality.Type(nil), p.Modalities...),
	}
	if p.LayerIdxs != nil {
		out.LayerIdxs = make(map[modality.Type][]int, len(p.LayerIdxs))
		for m, idxs := range p.LayerIdxs {
			if idxs == nil {
				out.LayerIdxs[m] = nil
				continue
			}
			out.LayerIdxs[m] = append([]int{}, idxs...)
		}
	}
	return out
}

// Validate checks the plan is internally consistent.
func (p Plan) Validate() error {
	if p.Rank < 1 {
		return fmt.Errorf("lora rank must be positive, got %d", p.Rank)
	}
	if len(p.Modalities) == 0 {
		return fmt.Errorf("lora plan adapts no modality")
	}
	seen := make(map[modality.Type]bool, len(p.Modalities))
	for _, m := range p.Modalities {
		if !m.Valid() {
			return fmt.Errorf("lora plan names unknown modality %q", m)
		}
		if seen[m] {
			return fmt.Errorf("lora plan lists modality %q twice", m)
		}
		seen[m] = true
	}
	for m, idxs := range p.LayerIdxs {
		if !seen[m] {
			return fmt.Errorf("layer indices given for %q which is not adapted", m)
		}
		for _, i := range idxs {
			if i < 0 {
				return fmt.Errorf("negative layer index %d for %q", i, m)
			}
		}
	}
	return nil
}
