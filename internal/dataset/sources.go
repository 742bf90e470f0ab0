package dataset

import (
	"bufio"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/safetensors"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// Supported on-disk formats.
const (
	FormatSafetensors = "safetensors"
	FormatCSV         = "csv"
)

// Tensor names inside a safetensors split.
const (
	InputsKey   = "inputs"
	LabelsKey   = "labels"
	SessionsKey = "sessions"
)

// Options selects and shapes a split on disk.
type Options struct {
	Format   string
	Path     string
	Sessions []int64 // keep only these sessions when the split carries them
	Shape    []int64 // per-sample shape of csv rows
}

// Open loads the split described by opts.
func Open(opts Options) (*Memory, error) {
	switch opts.Format {
	case FormatSafetensors, "":
		return OpenSafetensors(opts.Path, opts.Sessions)
	case FormatCSV:
		return OpenCSV(opts.Path, opts.Shape)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown dataset format %q", opts.Format))
	}
}

// OpenSafetensors loads a split stored as an "inputs" float tensor and an
// integer "labels" tensor. When sessions is non-empty the file must also
// carry a "sessions" tensor and only matching rows are kept.
func OpenSafetensors(path string, sessions []int64) (*Memory, error) {
	tensors, _, err := safetensors.ReadFile(path)
	if err != nil {
		return nil, openError(path, err)
	}

	inputs, ok := tensors[InputsKey]
	if !ok || inputs.DataType() != tensor.Float32 {
		return nil, errors.DatasetError("split has no float inputs tensor", nil).WithDetail("path", path)
	}
	labelT, ok := tensors[LabelsKey]
	if !ok || labelT.DataType() != tensor.Int64 {
		return nil, errors.DatasetError("split has no integer labels tensor", nil).WithDetail("path", path)
	}

	labels := make([]int, 0, len(labelT.Int64Data()))
	for _, l := range labelT.Int64Data() {
		labels = append(labels, int(l))
	}

	if len(sessions) > 0 {
		sessT, ok := tensors[SessionsKey]
		if !ok || sessT.DataType() != tensor.Int64 {
			return nil, errors.DatasetError("session filter set but split has no sessions tensor", nil).WithDetail("path", path)
		}
		inputs, labels, err = filterSessions(inputs, labels, sessT.Int64Data(), sessions)
		if err != nil {
			return nil, errors.DatasetError("filtering sessions", err).WithDetail("path", path)
		}
	}

	ds, err := NewMemory(inputs, labels)
	if err != nil {
		return nil, errors.DatasetError("invalid split", err).WithDetail("path", path)
	}
	return ds, nil
}

func filterSessions(inputs *tensor.Tensor, labels []int, rowSessions, keep []int64) (*tensor.Tensor, []int, error) {
	if len(rowSessions) != inputs.Rows() {
		return nil, nil, fmt.Errorf("%d session ids for %d rows", len(rowSessions), inputs.Rows())
	}
	want := make(map[int64]bool, len(keep))
	for _, s := range keep {
		want[s] = true
	}

	var rows []*tensor.Tensor
	var kept []int
	for i, s := range rowSessions {
		if !want[s] {
			continue
		}
		row, err := inputs.Slice(i, i+1)
		if err != nil {
			return nil, nil, err
		}
		row, err = row.Reshape(inputs.Shape()[1:])
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
		kept = append(kept, labels[i])
	}

	if len(rows) == 0 {
		shape := append([]int64{0}, inputs.Shape()[1:]...)
		return tensor.NewFloat32(nil, shape), nil, nil
	}
	stacked, err := tensor.Stack(rows)
	if err != nil {
		return nil, nil, err
	}
	return stacked, kept, nil
}

// OpenCSV loads rows of the form "label,v0,v1,...". Each row's values are
// reshaped to shape; a non-numeric first row is treated as a header.
func OpenCSV(path string, shape []int64) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	defer f.Close()

	ds, err := ReadCSV(bufio.NewReader(f), shape)
	if err != nil {
		return nil, errors.DatasetError("reading csv split", err).WithDetail("path", path)
	}
	return ds, nil
}

// ReadCSV is OpenCSV over an arbitrary reader.
func ReadCSV(r io.Reader, shape []int64) (*Memory, error) {
	if len(shape) == 0 {
		return nil, errors.ValidationError("csv split needs a per-sample shape")
	}
	width := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return nil, errors.ValidationError(fmt.Sprintf("invalid sample shape %v", shape))
		}
		width *= d
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = int(width) + 1
	cr.ReuseRecord = true

	var (
		values []float32
		labels []int
		line   int
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		label, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: label %q: %w", line, rec[0], err)
		}
		for j, field := range rec[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, j+1, err)
			}
			values = append(values, float32(v))
		}
		labels = append(labels, label)
	}

	full := append([]int64{int64(len(labels))}, shape...)
	return NewMemory(tensor.NewFloat32(values, full), labels)
}

func openError(path string, err error) error {
	if stderrors.Is(err, fs.ErrNotExist) {
		return errors.NotFoundError("dataset").WithDetail("path", path)
	}
	return errors.DatasetError("opening split", err).WithDetail("path", path)
}
