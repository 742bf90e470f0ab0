package onnx

import (
	"fmt"
	"sync"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// Session wraps one loaded graph.
type Session struct {
	mu          sync.Mutex
	name        string
	path        string
	inputNames  []string
	outputNames []string
	impl        sessionImpl
	closed      bool
}

type sessionImpl interface {
	run(inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
	close() error
}

// Run executes the graph. Every declared graph input must be present in
// inputs and no unknown input may be passed.
func (s *Session) Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New(errors.CodeMLError, "session is closed")
	}

	if len(inputs) != len(s.inputNames) {
		for name := range inputs {
			if !s.HasInput(name) {
				return nil, errors.ValidationError(fmt.Sprintf("graph %s has no input %q", s.name, name))
			}
		}
	}

	ordered := make([]*tensor.Tensor, len(s.inputNames))
	for i, name := range s.inputNames {
		t, ok := inputs[name]
		if !ok {
			return nil, errors.ValidationError(fmt.Sprintf("missing input %q for graph %s", name, s.name))
		}
		ordered[i] = t
	}

	outs, err := s.impl.run(ordered)
	if err != nil {
		return nil, errors.MLError(fmt.Sprintf("running graph %s", s.name), err)
	}

	result := make(map[string]*tensor.Tensor, len(outs))
	for i, t := range outs {
		if i < len(s.outputNames) && t != nil {
			result[s.outputNames[i]] = t
		}
	}
	return result, nil
}

// HasInput reports whether the graph declares an input called name.
func (s *Session) HasInput(name string) bool {
	for _, n := range s.inputNames {
		if n == name {
			return true
		}
	}
	return false
}

// InputNames returns the graph input names in declaration order.
func (s *Session) InputNames() []string {
	return append([]string(nil), s.inputNames...)
}

// OutputNames returns the graph output names in declaration order.
func (s *Session) OutputNames() []string {
	return append([]string(nil), s.outputNames...)
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// Path returns the model path.
func (s *Session) Path() string {
	return s.path
}

// Close releases the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.impl != nil {
		if err := s.impl.close(); err != nil {
			return errors.MLError("failed to destroy session", err)
		}
	}
	return nil
}
