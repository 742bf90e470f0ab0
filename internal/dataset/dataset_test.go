package dataset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/safetensors"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// sequence builds n samples of width 2 whose values encode their index.
func sequence(t *testing.T, n int) *Memory {
	t.Helper()
	values := make([]float32, 0, 2*n)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		values = append(values, float32(i), float32(-i))
		labels[i] = i % 3
	}
	ds, err := NewMemory(tensor.NewFloat32(values, []int64{int64(n), 2}), labels)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	return ds
}

func TestLoaderBatchCompleteness(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		batchSize int
		workers   int
		wantSizes []int
	}{
		{"divisible", 8, 4, 1, []int{4, 4}},
		{"remainder kept", 10, 4, 1, []int{4, 4, 2}},
		{"single partial batch", 3, 64, 1, []int{3}},
		{"batch of one", 3, 1, 1, []int{1, 1, 1}},
		{"divisible prefetched", 12, 3, 4, []int{3, 3, 3, 3}},
		{"remainder prefetched", 101, 16, 3, []int{16, 16, 16, 16, 16, 16, 5}},
		{"empty", 0, 4, 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader, err := NewLoader(sequence(t, tt.n), tt.batchSize, tt.workers)
			if err != nil {
				t.Fatalf("NewLoader() error = %v", err)
			}
			if loader.Count() != len(tt.wantSizes) {
				t.Errorf("Count() = %d, want %d", loader.Count(), len(tt.wantSizes))
			}

			// Iterate twice: the loader is restartable and deterministic.
			for pass := 0; pass < 2; pass++ {
				var sizes []int
				next := 0
				for b, err := range loader.Batches(context.Background()) {
					if err != nil {
						t.Fatalf("Batches() error = %v", err)
					}
					if b.Index != len(sizes) {
						t.Fatalf("batch index %d delivered out of order", b.Index)
					}
					data := b.Inputs.Float32Data()
					for j := 0; j < b.Size(); j++ {
						if int(data[2*j]) != next {
							t.Fatalf("pass %d: sample %d has value %v", pass, next, data[2*j])
						}
						if b.Labels[j] != next%3 {
							t.Fatalf("pass %d: sample %d has label %d", pass, next, b.Labels[j])
						}
						next++
					}
					sizes = append(sizes, b.Size())
				}

				if next != tt.n {
					t.Errorf("pass %d: saw %d samples, want %d", pass, next, tt.n)
				}
				if len(sizes) != len(tt.wantSizes) {
					t.Fatalf("pass %d: batch sizes = %v, want %v", pass, sizes, tt.wantSizes)
				}
				for i := range sizes {
					if sizes[i] != tt.wantSizes[i] {
						t.Errorf("pass %d: batch sizes = %v, want %v", pass, sizes, tt.wantSizes)
						break
					}
				}
			}
		})
	}
}

func TestLoaderEarlyBreak(t *testing.T) {
	loader, err := NewLoader(sequence(t, 50), 5, 4)
	if err != nil {
		t.Fatal(err)
	}
	seen := 0
	for _, err := range loader.Batches(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Errorf("seen = %d, want 2", seen)
	}
}

func TestLoaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, workers := range []int{1, 4} {
		loader, err := NewLoader(sequence(t, 20), 4, workers)
		if err != nil {
			t.Fatal(err)
		}
		var gotErr error
		for _, err := range loader.Batches(ctx) {
			if err != nil {
				gotErr = err
				break
			}
		}
		if gotErr == nil {
			t.Errorf("workers=%d: Batches() on cancelled context yielded no error", workers)
		}
	}
}

type failingDataset struct{ *Memory }

func (f failingDataset) Get(i int) (Sample, error) {
	if i == 7 {
		return Sample{}, errors.New(errors.CodeInternal, "disk gone")
	}
	return f.Memory.Get(i)
}

func TestLoaderPropagatesSampleErrors(t *testing.T) {
	for _, workers := range []int{1, 3} {
		loader, err := NewLoader(failingDataset{sequence(t, 20)}, 4, workers)
		if err != nil {
			t.Fatal(err)
		}
		var gotErr error
		batches := 0
		for _, err := range loader.Batches(context.Background()) {
			if err != nil {
				gotErr = err
				break
			}
			batches++
		}
		if gotErr == nil {
			t.Fatalf("workers=%d: expected error from sample 7", workers)
		}
		if batches > 1 {
			t.Errorf("workers=%d: %d batches delivered before the failing one", workers, batches)
		}
	}
}

func TestNewLoaderRejectsBadBatchSize(t *testing.T) {
	if _, err := NewLoader(sequence(t, 2), 0, 1); !errors.IsValidation(err) {
		t.Errorf("NewLoader(batch=0) error = %v, want validation error", err)
	}
}

func TestNewMemoryValidation(t *testing.T) {
	if _, err := NewMemory(tensor.NewFloat32([]float32{1, 2}, []int64{2, 1}), []int{0}); err == nil {
		t.Error("NewMemory() accepted mismatched labels")
	}
	if _, err := NewMemory(tensor.NewFloat32([]float32{1}, []int64{1, 1}), []int{-1}); err == nil {
		t.Error("NewMemory() accepted a negative label")
	}
	if _, err := NewMemory(tensor.NewInt64([]int64{1}, []int64{1, 1}), []int{0}); err == nil {
		t.Error("NewMemory() accepted integer inputs")
	}
}

func TestOpenSafetensorsSessionFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "val.safetensors")
	tensors := map[string]*tensor.Tensor{
		InputsKey:   tensor.NewFloat32([]float32{0, 0, 1, 1, 2, 2, 3, 3}, []int64{4, 2}),
		LabelsKey:   tensor.NewInt64([]int64{0, 1, 2, 3}, []int64{4}),
		SessionsKey: tensor.NewInt64([]int64{4, 5, 5, 1}, []int64{4}),
	}
	if err := writeFile(path, tensors); err != nil {
		t.Fatal(err)
	}

	all, err := OpenSafetensors(path, nil)
	if err != nil {
		t.Fatalf("OpenSafetensors() error = %v", err)
	}
	if all.Len() != 4 {
		t.Errorf("Len() = %d, want 4", all.Len())
	}

	s5, err := OpenSafetensors(path, []int64{5})
	if err != nil {
		t.Fatalf("OpenSafetensors(session 5) error = %v", err)
	}
	if got := s5.Labels(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("session 5 labels = %v, want [1 2]", got)
	}
	sample, err := s5.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if sample.Input.Float32Data()[0] != 2 {
		t.Errorf("session 5 sample 1 = %v", sample.Input.Float32Data())
	}

	none, err := OpenSafetensors(path, []int64{9})
	if err != nil {
		t.Fatalf("OpenSafetensors(session 9) error = %v", err)
	}
	if none.Len() != 0 {
		t.Errorf("Len() = %d, want 0", none.Len())
	}
}

func TestOpenSafetensorsMissing(t *testing.T) {
	_, err := Open(Options{Format: FormatSafetensors, Path: filepath.Join(t.TempDir(), "nope.safetensors")})
	if !errors.IsNotFound(err) {
		t.Errorf("Open(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestReadCSV(t *testing.T) {
	input := strings.Join([]string{
		"label,x0,y0,x1,y1",
		"3, 0.5, 1, 2, 3",
		"0,-1,-2,-3,-4",
	}, "\n")

	ds, err := ReadCSV(strings.NewReader(input), []int64{2, 2})
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", ds.Len())
	}
	s, err := ds.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if s.Label != 3 {
		t.Errorf("Label = %d, want 3", s.Label)
	}
	if shape := s.Input.Shape(); len(shape) != 2 || shape[0] != 2 || shape[1] != 2 {
		t.Errorf("Shape = %v, want [2 2]", shape)
	}
	if s.Input.Float32Data()[0] != 0.5 {
		t.Errorf("first value = %v", s.Input.Float32Data()[0])
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := map[string]string{
		"wrong width": "0,1,2\n",
		"bad value":   "0,1,x,3,4\n",
		"bad label":   "0,1,2,3,4\nx,1,2,3,4\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadCSV(strings.NewReader(input), []int64{4}); err == nil {
				t.Error("ReadCSV() error = nil")
			}
		})
	}
}

func writeFile(path string, tensors map[string]*tensor.Tensor) error {
	var sb strings.Builder
	if err := safetensors.Write(&sb, tensors, nil); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
