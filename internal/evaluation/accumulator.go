package evaluation

import (
	"fmt"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// Accumulator keeps running top-1 counts for one run.
type Accumulator struct {
	Correct int
	Total   int
}

// Add counts one batch of predictions against their labels.
func (a *Accumulator) Add(predicted, labels []int) (int, error) {
	if len(predicted) != len(labels) {
		return 0, errors.ValidationError(fmt.Sprintf("%d predictions for %d labels", len(predicted), len(labels)))
	}
	correct := 0
	for i, p := range predicted {
		if p == labels[i] {
			correct++
		}
	}
	a.Correct += correct
	a.Total += len(labels)
	return correct, nil
}

// Accuracy returns Correct/Total. It fails when nothing was counted.
func (a *Accumulator) Accuracy() (float64, error) {
	if a.Total == 0 {
		return 0, errors.DegenerateInputError("accuracy of zero samples is undefined")
	}
	return float64(a.Correct) / float64(a.Total), nil
}

// Reset zeroes the counts.
func (a *Accumulator) Reset() {
	a.Correct = 0
	a.Total = 0
}
