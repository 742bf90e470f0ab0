package dataset

import (
	"context"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// Batch is a contiguous run of samples stacked along a new leading axis.
type Batch struct {
	Index  int            // 0-based batch number
	Offset int            // index of the first sample in the dataset
	Inputs *tensor.Tensor // B x ...
	Labels []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Loader splits a dataset into fixed-size batches in dataset order. The
// last batch holds the remainder and is never dropped. Iteration may be
// repeated and always yields the same batches.
type Loader struct {
	ds        Dataset
	batchSize int
	workers   int
}

// NewLoader creates a loader. workers > 1 assembles up to that many batches
// ahead of the consumer.
func NewLoader(ds Dataset, batchSize, workers int) (*Loader, error) {
	if ds == nil {
		return nil, errors.ValidationError("loader needs a dataset")
	}
	if batchSize <= 0 {
		return nil, errors.ValidationError(fmt.Sprintf("batch size must be positive, got %d", batchSize))
	}
	if workers < 1 {
		workers = 1
	}
	return &Loader{ds: ds, batchSize: batchSize, workers: workers}, nil
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.batchSize
}

// Len returns the number of samples.
func (l *Loader) Len() int {
	return l.ds.Len()
}

// Count returns the number of batches, ceil(N / B).
func (l *Loader) Count() int {
	n := l.ds.Len()
	return (n + l.batchSize - 1) / l.batchSize
}

// Batches yields every batch in order. Iteration stops after the first error.
func (l *Loader) Batches(ctx context.Context) iter.Seq2[*Batch, error] {
	if l.workers <= 1 {
		return l.sequential(ctx)
	}
	return l.prefetched(ctx)
}

func (l *Loader) sequential(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		for i := 0; i < l.Count(); i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			b, err := l.build(ctx, i)
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}

type built struct {
	batch *Batch
	err   error
}

func (l *Loader) prefetched(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		n := l.Count()
		if n == 0 {
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(ctx)
		defer func() {
			cancel()
			_ = g.Wait()
		}()

		// One buffered slot per batch keeps delivery ordered; tokens bound
		// how far producers run ahead of the consumer.
		slots := make([]chan built, n)
		for i := range slots {
			slots[i] = make(chan built, 1)
		}
		tokens := make(chan struct{}, l.workers)

		g.Go(func() error {
			for i := 0; i < n; i++ {
				select {
				case tokens <- struct{}{}:
				case <-gctx.Done():
					return nil
				}
				g.Go(func() error {
					b, err := l.build(gctx, i)
					slots[i] <- built{batch: b, err: err}
					return err
				})
			}
			return nil
		})

		for i := 0; i < n; i++ {
			var r built
			select {
			case r = <-slots[i]:
			case <-gctx.Done():
				cancel()
				err := g.Wait()
				if err == nil {
					err = ctx.Err()
				}
				yield(nil, err)
				return
			}
			<-tokens

			if r.err != nil {
				yield(nil, r.err)
				return
			}
			if !yield(r.batch, nil) {
				return
			}
		}
	}
}

func (l *Loader) build(ctx context.Context, index int) (*Batch, error) {
	lo := index * l.batchSize
	hi := min(lo+l.batchSize, l.ds.Len())

	inputs := make([]*tensor.Tensor, 0, hi-lo)
	labels := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := l.ds.Get(i)
		if err != nil {
			return nil, errors.DatasetError(fmt.Sprintf("reading sample %d", i), err)
		}
		inputs = append(inputs, s.Input)
		labels = append(labels, s.Label)
	}

	stacked, err := tensor.Stack(inputs)
	if err != nil {
		return nil, errors.DatasetError(fmt.Sprintf("stacking batch %d", index), err)
	}
	return &Batch{Index: index, Offset: lo, Inputs: stacked, Labels: labels}, nil
}
