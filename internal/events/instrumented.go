package events

import (
	"context"
	"time"
)

// MetricsRecorder records publish outcomes. Defined here so the metrics
// package can implement it without an import cycle.
type MetricsRecorder interface {
	RecordEventPublish(topic string, latencyMs int64, err error)
}

// InstrumentedPublisher wraps a Publisher with metrics instrumentation.
type InstrumentedPublisher struct {
	inner   Publisher
	metrics MetricsRecorder
}

// NewInstrumentedPublisher creates an instrumented publisher.
func NewInstrumentedPublisher(inner Publisher, metrics MetricsRecorder) *InstrumentedPublisher {
	return &InstrumentedPublisher{
		inner:   inner,
		metrics: metrics,
	}
}

// Publish publishes an event and records its latency.
func (p *InstrumentedPublisher) Publish(ctx context.Context, topic string, event Event) error {
	start := time.Now()
	err := p.inner.Publish(ctx, topic, event)

	if p.metrics != nil {
		p.metrics.RecordEventPublish(topic, time.Since(start).Milliseconds(), err)
	}
	return err
}

// Close closes the underlying publisher.
func (p *InstrumentedPublisher) Close() error {
	return p.inner.Close()
}
