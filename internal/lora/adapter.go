package lora

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ricesearch/zeroshot-eval/internal/modality"
)

// Adapter is the low-rank update for one projection of one trunk layer:
// W' = W + (Alpha/Rank) * B @ A.
type Adapter struct {
	Modality modality.Type
	Layer    int
	Target   string     // projection name inside the block, e.g. "attn.qkv"
	A        *mat.Dense // rank x in
	B        *mat.Dense // out x rank
	Alpha    float64
}

// Rank returns the adapter rank.
func (a *Adapter) Rank() int {
	r, _ := a.A.Dims()
	return r
}

// Scaling returns Alpha/Rank.
func (a *Adapter) Scaling() float64 {
	return a.Alpha / float64(a.Rank())
}

// Shape returns the (out, in) shape of the weight the adapter updates.
func (a *Adapter) Shape() (out, in int) {
	out, _ = a.B.Dims()
	_, in = a.A.Dims()
	return out, in
}

// Delta computes the dense weight update.
func (a *Adapter) Delta() *mat.Dense {
	var d mat.Dense
	d.Mul(a.B, a.A)
	d.Scale(a.Scaling(), &d)
	return &d
}

// DeltaNorm returns the Frobenius norm of Delta. A non-finite norm means the
// checkpoint holds diverged weights.
func (a *Adapter) DeltaNorm() (float64, error) {
	d := a.Delta()
	for _, v := range d.RawMatrix().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("adapter %s/%d/%s: weight update is not finite", a.Modality, a.Layer, a.Target)
		}
	}
	n := mat.Norm(d, 2)
	if math.IsInf(n, 0) {
		return 0, fmt.Errorf("adapter %s/%d/%s: weight update norm overflows", a.Modality, a.Layer, a.Target)
	}
	return n, nil
}

func (a *Adapter) validate() error {
	ra, _ := a.A.Dims()
	_, cb := a.B.Dims()
	if ra != cb {
		return fmt.Errorf("adapter %s/%d/%s: A has rank %d, B has rank %d", a.Modality, a.Layer, a.Target, ra, cb)
	}
	if a.Alpha <= 0 {
		return fmt.Errorf("adapter %s/%d/%s: alpha must be positive", a.Modality, a.Layer, a.Target)
	}
	return nil
}
