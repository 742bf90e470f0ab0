// Package evaluation drives a zero-shot classification run over a held-out
// split and accumulates top-1 accuracy.
package evaluation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ricesearch/zeroshot-eval/internal/config"
	"github.com/ricesearch/zeroshot-eval/internal/dataset"
	"github.com/ricesearch/zeroshot-eval/internal/events"
	"github.com/ricesearch/zeroshot-eval/internal/metrics"
	"github.com/ricesearch/zeroshot-eval/internal/model"
	"github.com/ricesearch/zeroshot-eval/internal/modality"
	runctx "github.com/ricesearch/zeroshot-eval/internal/pkg/context"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/logger"
	"github.com/ricesearch/zeroshot-eval/internal/scoring"
	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// Evaluator runs one evaluation. It is single use: Run may be called once.
type Evaluator struct {
	rc       config.RunConfig
	embedder model.Embedder
	loader   *dataset.Loader

	runID     string
	device    string
	log       *logger.Logger
	publisher events.Publisher
	topic     string
	metrics   *metrics.Metrics

	mu    sync.Mutex
	state State
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Evaluator) { e.log = log }
}

// WithPublisher publishes run events to topic.
func WithPublisher(p events.Publisher, topic string) Option {
	return func(e *Evaluator) {
		e.publisher = p
		e.topic = topic
	}
}

// WithMetrics records batch and run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(e *Evaluator) { e.runID = id }
}

// WithDevice records the device the model is bound to.
func WithDevice(device string) Option {
	return func(e *Evaluator) { e.device = device }
}

// New creates an evaluator for an assembled model and a batch loader.
func New(rc config.RunConfig, embedder model.Embedder, loader *dataset.Loader, opts ...Option) (*Evaluator, error) {
	if embedder == nil {
		return nil, errors.ValidationError("evaluator needs a model")
	}
	if loader == nil {
		return nil, errors.ValidationError("evaluator needs a dataset loader")
	}
	if len(rc.Descriptions) == 0 {
		return nil, errors.ValidationError("evaluator needs at least one class description")
	}

	e := &Evaluator{
		rc:        rc,
		embedder:  embedder,
		loader:    loader,
		publisher: events.Nop{},
		topic:     events.DefaultTopic,
		state:     StateReady,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runID == "" {
		e.runID = events.NewRunID()
	}
	if e.log == nil {
		e.log = logger.Discard()
	}
	e.log = e.log.WithRun(e.runID, rc.Preset)
	return e, nil
}

// RunID returns the run identifier.
func (e *Evaluator) RunID() string {
	return e.runID
}

// State returns the lifecycle state.
func (e *Evaluator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run embeds every batch together with the class descriptions, predicts
// the most similar description per sample and returns the accuracy. An
// empty dataset fails with a degenerate-input error.
func (e *Evaluator) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.state != StateReady {
		state := e.state
		e.mu.Unlock()
		return nil, errors.ValidationError(fmt.Sprintf("evaluator is %s, runs are single use", state))
	}
	e.state = StateRunning
	e.mu.Unlock()

	ctx = runctx.WithRunID(ctx, e.runID)

	start := time.Now()
	res, err := e.run(ctx, start)

	e.mu.Lock()
	if err != nil {
		e.state = StateFailed
	} else {
		e.state = StateComplete
	}
	e.mu.Unlock()

	if e.metrics != nil {
		acc := 0.0
		if res != nil {
			acc = res.Accuracy
		}
		e.metrics.RecordRun(e.rc.Preset, string(e.rc.Mode), acc, time.Since(start), err)
	}

	if err != nil {
		e.log.WithError(err).Error("evaluation failed")
		e.publish(ctx, events.TypeRunFailed, events.RunFailed{Code: errors.CodeOf(err), Message: err.Error()})
		return nil, err
	}

	e.log.Info("evaluation complete",
		"accuracy", res.Accuracy,
		"correct", res.Correct,
		"total", res.Total,
		"batches", res.Batches,
		"duration", res.Duration.String(),
	)
	e.publish(ctx, events.TypeRunCompleted, events.RunCompleted{
		Accuracy:   res.Accuracy,
		Correct:    res.Correct,
		Total:      res.Total,
		Batches:    res.Batches,
		DurationMs: res.Duration.Milliseconds(),
	})
	return res, nil
}

func (e *Evaluator) run(ctx context.Context, start time.Time) (*Result, error) {
	if e.loader.Len() == 0 {
		return nil, errors.DegenerateInputError("dataset is empty")
	}

	k := len(e.rc.Descriptions)
	acc := &Accumulator{}
	confusion := NewConfusion(k)

	e.log.Info("evaluation started",
		"mode", string(e.rc.Mode),
		"modality", string(e.rc.Modality),
		"samples", e.loader.Len(),
		"batches", e.loader.Count(),
		"classes", k,
		"scale", e.rc.Scale,
	)
	e.publish(ctx, events.TypeRunStarted, events.RunStarted{
		Preset:   e.rc.Preset,
		Mode:     string(e.rc.Mode),
		Modality: string(e.rc.Modality),
		Classes:  k,
		Samples:  e.loader.Len(),
		Batches:  e.loader.Count(),
		Device:   e.device,
	})

	batches := 0
	for batch, err := range e.loader.Batches(ctx) {
		if err != nil {
			return nil, err
		}
		batchStart := time.Now()

		pred, err := e.score(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", batch.Index, err)
		}
		if err := confusion.Add(pred.Classes, batch.Labels); err != nil {
			return nil, err
		}
		correct, err := acc.Add(pred.Classes, batch.Labels)
		if err != nil {
			return nil, err
		}
		batches++

		latency := time.Since(batchStart).Milliseconds()
		running, _ := acc.Accuracy()
		e.log.Info("batch scored",
			"batch_idx", batch.Index,
			"test_correct", acc.Correct,
			"test_total", acc.Total,
			"accuracy", fmt.Sprintf("%.3f%%", running*100),
		)
		if e.metrics != nil {
			e.metrics.RecordBatch(batch.Size(), correct, latency)
		}
		e.publish(ctx, events.TypeBatch, events.BatchScored{
			Index:     batch.Index,
			Size:      batch.Size(),
			Correct:   acc.Correct,
			Total:     acc.Total,
			Accuracy:  running,
			LatencyMs: latency,
		})
	}

	accuracy, err := acc.Accuracy()
	if err != nil {
		return nil, err
	}

	perClass := confusion.PerClass(e.rc.Labels)
	p, r, f1 := MacroAverages(perClass)

	return &Result{
		RunID:          e.runID,
		Preset:         e.rc.Preset,
		Mode:           string(e.rc.Mode),
		Modality:       string(e.rc.Modality),
		Device:         e.device,
		Scale:          e.rc.Scale,
		Accuracy:       accuracy,
		Correct:        acc.Correct,
		Total:          acc.Total,
		Batches:        batches,
		PerClass:       perClass,
		MacroPrecision: p,
		MacroRecall:    r,
		MacroF1:        f1,
		StartedAt:      start,
		Duration:       time.Since(start),
	}, nil
}

func (e *Evaluator) score(ctx context.Context, batch *dataset.Batch) (*scoring.Prediction, error) {
	k := len(e.rc.Descriptions)
	for _, l := range batch.Labels {
		if l < 0 || l >= k {
			return nil, errors.ValidationError(fmt.Sprintf("label %d outside the %d class descriptions", l, k))
		}
	}

	embedStart := time.Now()
	emb, err := e.embedder.Embed(ctx, model.Inputs{
		Sensors: map[modality.Type]*tensor.Tensor{e.rc.Modality: batch.Inputs},
		Text:    e.rc.Descriptions,
	})
	if e.metrics != nil {
		e.metrics.RecordEmbed(string(e.rc.Modality), time.Since(embedStart).Milliseconds(), err)
	}
	if err != nil {
		return nil, err
	}

	sensor, ok := emb[e.rc.Modality]
	if !ok {
		return nil, errors.New(errors.CodeMLError, fmt.Sprintf("no %s embeddings returned", e.rc.Modality))
	}
	text, ok := emb[modality.Text]
	if !ok {
		return nil, errors.New(errors.CodeMLError, "no text embeddings returned")
	}
	return scoring.Predict(sensor, text, e.rc.Scale)
}

func (e *Evaluator) publish(ctx context.Context, eventType string, payload any) {
	if err := e.publisher.Publish(ctx, e.topic, events.New(eventType, e.runID, payload)); err != nil {
		e.log.Warn("failed to publish event", "type", eventType, "error", err.Error())
	}
}
