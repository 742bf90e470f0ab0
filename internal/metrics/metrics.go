package metrics

import (
	"time"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// Metrics holds all evaluation metrics.
type Metrics struct {
	// Run metrics
	Runs        *CounterVec // labels: preset, status
	RunDuration *Histogram  // seconds
	Accuracy    *GaugeVec   // labels: preset, mode

	// Batch metrics
	Batches      *Counter
	Samples      *Counter
	Correct      *Counter
	BatchLatency *Histogram
	BatchSize    *Histogram

	// Model metrics
	EmbedLatency *HistogramVec // labels: modality
	EmbedErrors  *CounterVec   // labels: error_type

	// Cache metrics
	CacheHits   *CounterVec // labels: type
	CacheMisses *CounterVec // labels: type
	CacheSize   *GaugeVec   // labels: type

	// Event metrics
	EventsPublished *CounterVec   // labels: topic
	EventLatency    *HistogramVec // labels: topic
	EventErrors     *CounterVec   // labels: topic

	startTime time.Time
}

// New creates a new metrics instance with all metrics initialized.
func New() *Metrics {
	return &Metrics{
		Runs: NewCounterVec(
			"zeroshot_runs_total",
			"Total number of evaluation runs",
			[]string{"preset", "status"},
		),
		RunDuration: NewHistogram(
			"zeroshot_run_duration_seconds",
			"Evaluation run duration in seconds",
			[]float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		),
		Accuracy: NewGaugeVec(
			"zeroshot_accuracy",
			"Top-1 accuracy of the last completed run",
			[]string{"preset", "mode"},
		),
		Batches: NewCounter(
			"zeroshot_batches_total",
			"Total number of scored batches",
			nil,
		),
		Samples: NewCounter(
			"zeroshot_samples_total",
			"Total number of scored samples",
			nil,
		),
		Correct: NewCounter(
			"zeroshot_correct_total",
			"Total number of correctly classified samples",
			nil,
		),
		BatchLatency: NewHistogram(
			"zeroshot_batch_latency_ms",
			"Batch embed and score latency in milliseconds",
			DefaultLatencyBuckets,
		),
		BatchSize: NewHistogram(
			"zeroshot_batch_size",
			"Samples per batch",
			[]float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		),
		EmbedLatency: NewHistogramVec(
			"zeroshot_embed_latency_ms",
			"Backend embed latency in milliseconds",
			[]string{"modality"},
			DefaultLatencyBuckets,
		),
		EmbedErrors: NewCounterVec(
			"zeroshot_embed_errors_total",
			"Total number of backend embed errors",
			[]string{"error_type"},
		),
		CacheHits: NewCounterVec(
			"zeroshot_cache_hits_total",
			"Total number of cache hits",
			[]string{"type"},
		),
		CacheMisses: NewCounterVec(
			"zeroshot_cache_misses_total",
			"Total number of cache misses",
			[]string{"type"},
		),
		CacheSize: NewGaugeVec(
			"zeroshot_cache_size",
			"Current number of cache entries",
			[]string{"type"},
		),
		EventsPublished: NewCounterVec(
			"zeroshot_events_published_total",
			"Total number of published run events",
			[]string{"topic"},
		),
		EventLatency: NewHistogramVec(
			"zeroshot_event_publish_latency_ms",
			"Event publish latency in milliseconds",
			[]string{"topic"},
			[]float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		),
		EventErrors: NewCounterVec(
			"zeroshot_event_errors_total",
			"Total number of failed event publishes",
			[]string{"topic"},
		),
		startTime: time.Now(),
	}
}

// RecordBatch records one scored batch.
func (m *Metrics) RecordBatch(size, correct int, latencyMs int64) {
	m.Batches.Inc()
	m.Samples.Add(int64(size))
	m.Correct.Add(int64(correct))
	m.BatchLatency.Observe(float64(latencyMs))
	m.BatchSize.Observe(float64(size))
}

// RecordEmbed records one backend call.
func (m *Metrics) RecordEmbed(modality string, latencyMs int64, err error) {
	m.EmbedLatency.WithLabels(modality).Observe(float64(latencyMs))
	if err != nil {
		m.EmbedErrors.WithLabels(errorType(err)).Inc()
	}
}

// RecordRun records a finished run. Accuracy is only set for successful runs.
func (m *Metrics) RecordRun(preset, mode string, accuracy float64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Runs.WithLabels(preset, status).Inc()
	m.RunDuration.Observe(duration.Seconds())
	if err == nil {
		m.Accuracy.WithLabels(preset, mode).Set(accuracy)
	}
}

// RecordEventPublish records an event publish.
func (m *Metrics) RecordEventPublish(topic string, latencyMs int64, err error) {
	m.EventsPublished.WithLabels(topic).Inc()
	m.EventLatency.WithLabels(topic).Observe(float64(latencyMs))
	if err != nil {
		m.EventErrors.WithLabels(topic).Inc()
	}
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabels(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabels(cacheType).Inc()
}

// UpdateCacheSize updates the cache size gauge.
func (m *Metrics) UpdateCacheSize(cacheType string, size int) {
	m.CacheSize.WithLabels(cacheType).Set(float64(size))
}

// Uptime returns the time since New.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// errorType categorizes an error by its application code.
func errorType(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return code
	}
	return "unknown"
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	m.Runs.Reset()
	m.RunDuration.Reset()
	m.Accuracy.Reset()
	m.Batches.Reset()
	m.Samples.Reset()
	m.Correct.Reset()
	m.BatchLatency.Reset()
	m.BatchSize.Reset()
	m.EmbedLatency.Reset()
	m.EmbedErrors.Reset()
	m.CacheHits.Reset()
	m.CacheMisses.Reset()
	m.CacheSize.Reset()
	m.EventsPublished.Reset()
	m.EventLatency.Reset()
	m.EventErrors.Reset()
	m.startTime = time.Now()
}
