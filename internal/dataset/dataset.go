// Package dataset provides held-out evaluation samples and batches them.
package dataset

import (
	"fmt"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// Sample is one labelled sensor input.
type Sample struct {
	Input *tensor.Tensor
	Label int
}

// Dataset is a finite, indexable collection of samples.
type Dataset interface {
	Len() int
	Get(i int) (Sample, error)
}

// Memory is a Dataset backed by a stacked input tensor.
type Memory struct {
	inputs *tensor.Tensor // N x ...
	labels []int
}

// NewMemory creates a dataset from a stacked float32 input tensor whose
// leading dimension matches len(labels).
func NewMemory(inputs *tensor.Tensor, labels []int) (*Memory, error) {
	if inputs == nil {
		return nil, errors.ValidationError("dataset inputs are nil")
	}
	if inputs.DataType() != tensor.Float32 {
		return nil, errors.ValidationError(fmt.Sprintf("dataset inputs are %s, want float32", inputs.DataType()))
	}
	if len(inputs.Shape()) < 2 {
		return nil, errors.ValidationError(fmt.Sprintf("dataset inputs have shape %v, want N x ...", inputs.Shape()))
	}
	if inputs.Rows() != len(labels) {
		return nil, errors.ValidationError(fmt.Sprintf("%d inputs but %d labels", inputs.Rows(), len(labels)))
	}
	for i, l := range labels {
		if l < 0 {
			return nil, errors.ValidationError(fmt.Sprintf("sample %d has negative label %d", i, l))
		}
	}
	return &Memory{inputs: inputs, labels: append([]int(nil), labels...)}, nil
}

// FromSamples stacks individual samples into a Memory dataset.
func FromSamples(samples []Sample) (*Memory, error) {
	if len(samples) == 0 {
		return &Memory{inputs: tensor.NewFloat32(nil, []int64{0}), labels: nil}, nil
	}
	inputs := make([]*tensor.Tensor, len(samples))
	labels := make([]int, len(samples))
	for i, s := range samples {
		inputs[i] = s.Input
		labels[i] = s.Label
	}
	stacked, err := tensor.Stack(inputs)
	if err != nil {
		return nil, err
	}
	return NewMemory(stacked, labels)
}

// Len implements Dataset.
func (m *Memory) Len() int {
	return len(m.labels)
}

// Get implements Dataset. The returned input shares memory with the dataset.
func (m *Memory) Get(i int) (Sample, error) {
	if i < 0 || i >= len(m.labels) {
		return Sample{}, errors.ValidationError(fmt.Sprintf("sample index %d out of range [0,%d)", i, len(m.labels)))
	}
	row, err := m.inputs.Slice(i, i+1)
	if err != nil {
		return Sample{}, err
	}
	input, err := row.Reshape(m.inputs.Shape()[1:])
	if err != nil {
		return Sample{}, err
	}
	return Sample{Input: input, Label: m.labels[i]}, nil
}

// Labels returns a copy of every label in order.
func (m *Memory) Labels() []int {
	return append([]int(nil), m.labels...)
}
