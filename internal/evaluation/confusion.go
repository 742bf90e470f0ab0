package evaluation

import (
	"fmt"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// Confusion is a K x K count matrix, rows are true labels and columns are
// predictions.
type Confusion struct {
	counts [][]int
}

// NewConfusion creates an empty matrix for k classes.
func NewConfusion(k int) *Confusion {
	counts := make([][]int, k)
	for i := range counts {
		counts[i] = make([]int, k)
	}
	return &Confusion{counts: counts}
}

// Classes returns K.
func (c *Confusion) Classes() int {
	return len(c.counts)
}

// Add records a batch. Every label and prediction must lie in [0, K).
func (c *Confusion) Add(predicted, labels []int) error {
	if len(predicted) != len(labels) {
		return errors.ValidationError(fmt.Sprintf("%d predictions for %d labels", len(predicted), len(labels)))
	}
	k := len(c.counts)
	for i := range labels {
		if labels[i] < 0 || labels[i] >= k {
			return errors.ValidationError(fmt.Sprintf("label %d outside [0, %d)", labels[i], k))
		}
		if predicted[i] < 0 || predicted[i] >= k {
			return errors.ValidationError(fmt.Sprintf("prediction %d outside [0, %d)", predicted[i], k))
		}
	}
	for i := range labels {
		c.counts[labels[i]][predicted[i]]++
	}
	return nil
}

// Count returns how often class actual was predicted as predicted.
func (c *Confusion) Count(actual, predicted int) int {
	return c.counts[actual][predicted]
}

// ClassMetrics summarises one class.
type ClassMetrics struct {
	Label     string  `json:"label"`
	Support   int     `json:"support"`
	Predicted int     `json:"predicted"`
	Correct   int     `json:"correct"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// PerClass computes precision, recall and F1 for every class. Ratios with a
// zero denominator are reported as 0.
func (c *Confusion) PerClass(labels []string) []ClassMetrics {
	k := len(c.counts)
	out := make([]ClassMetrics, k)
	for i := 0; i < k; i++ {
		m := ClassMetrics{Correct: c.counts[i][i]}
		if i < len(labels) {
			m.Label = labels[i]
		}
		for j := 0; j < k; j++ {
			m.Support += c.counts[i][j]
			m.Predicted += c.counts[j][i]
		}
		m.Precision = ratio(m.Correct, m.Predicted)
		m.Recall = ratio(m.Correct, m.Support)
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		out[i] = m
	}
	return out
}

// MacroAverages averages precision, recall and F1 over classes that occur
// in the labels.
func MacroAverages(classes []ClassMetrics) (precision, recall, f1 float64) {
	n := 0
	for _, m := range classes {
		if m.Support == 0 {
			continue
		}
		precision += m.Precision
		recall += m.Recall
		f1 += m.F1
		n++
	}
	if n == 0 {
		return 0, 0, 0
	}
	fn := float64(n)
	return precision / fn, recall / fn, f1 / fn
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
