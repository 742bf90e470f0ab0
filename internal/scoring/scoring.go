// Package scoring turns sensor and text embeddings into class predictions.
//
// Scores are dot products between every sensor embedding and every class
// description embedding, multiplied by a compensation factor. Predictions are
// the argmax of the row-wise softmax; the softmax does not change the argmax
// but its probabilities are reported alongside the raw scores.
package scoring

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// Prediction holds the per-batch scoring output.
type Prediction struct {
	Scores        *mat.Dense // M x K scaled similarities
	Probabilities *mat.Dense // M x K row-wise softmax of Scores
	Classes       []int      // argmax per row, in [0, K)
}

// Similarity computes scale * sensor @ text^T. sensor is M x D, text is K x D.
func Similarity(sensor, text mat.Matrix, scale float64) (*mat.Dense, error) {
	m, d := sensor.Dims()
	k, dt := text.Dims()
	if d != dt {
		return nil, errors.ValidationError("embedding dimensions differ").
			WithDetail("sensor_dim", strconv.Itoa(d)).
			WithDetail("text_dim", strconv.Itoa(dt))
	}
	if m == 0 || k == 0 {
		return nil, errors.DegenerateInputError("empty embedding matrix")
	}

	var out mat.Dense
	out.Mul(sensor, text.T())
	if scale != 1 {
		out.Scale(scale, &out)
	}
	return &out, nil
}

// Softmax returns the row-wise softmax of scores. The row maximum is
// subtracted before exponentiation.
func Softmax(scores mat.Matrix) *mat.Dense {
	r, c := scores.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		max := math.Inf(-1)
		for j := 0; j < c; j++ {
			if v := scores.At(i, j); v > max {
				max = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(scores.At(i, j) - max)
			out.Set(i, j, e)
			sum += e
		}
		for j := 0; j < c; j++ {
			out.Set(i, j, out.At(i, j)/sum)
		}
	}
	return out
}

// Argmax returns the column of the largest value in each row. The lowest
// index wins ties.
func Argmax(scores mat.Matrix) []int {
	r, c := scores.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		best := 0
		for j := 1; j < c; j++ {
			if scores.At(i, j) > scores.At(i, best) {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// Predict scores a batch and returns probabilities and predicted classes.
// Classes come from the scaled scores; probabilities are reported only, since
// scores an ulp apart can round to equal probabilities.
func Predict(sensor, text mat.Matrix, scale float64) (*Prediction, error) {
	scores, err := Similarity(sensor, text, scale)
	if err != nil {
		return nil, err
	}
	return &Prediction{
		Scores:        scores,
		Probabilities: Softmax(scores),
		Classes:       Argmax(scores),
	}, nil
}
