// Package metrics provides Prometheus-compatible metrics for evaluation runs.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter represents a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	value  atomic.Int64
	labels map[string]string
}

// NewCounter creates a new counter.
func NewCounter(name, help string, labels map[string]string) *Counter {
	return &Counter{name: name, help: help, labels: copyLabels(labels)}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(delta int64) {
	if delta < 0 {
		return // Counters can't decrease
	}
	c.value.Add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Reset resets the counter to 0.
func (c *Counter) Reset() {
	c.value.Store(0)
}

// Name returns the metric name.
func (c *Counter) Name() string { return c.name }

// Help returns the metric help text.
func (c *Counter) Help() string { return c.help }

// Labels returns a copy of the metric labels.
func (c *Counter) Labels() map[string]string { return copyLabels(c.labels) }

// Gauge represents a float gauge that can go up and down.
type Gauge struct {
	name   string
	help   string
	bits   atomic.Uint64 // math.Float64bits of the value
	labels map[string]string
}

// NewGauge creates a new gauge.
func NewGauge(name, help string, labels map[string]string) *Gauge {
	return &Gauge{name: name, help: help, labels: copyLabels(labels)}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(value float64) {
	g.bits.Store(math.Float64bits(value))
}

// Add adds the given value to the gauge.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Name returns the metric name.
func (g *Gauge) Name() string { return g.name }

// Help returns the metric help text.
func (g *Gauge) Help() string { return g.help }

// Labels returns a copy of the metric labels.
func (g *Gauge) Labels() map[string]string { return copyLabels(g.labels) }

// Histogram represents a histogram with cumulative buckets.
type Histogram struct {
	name    string
	help    string
	buckets []float64
	labels  map[string]string

	mu     sync.RWMutex
	counts []int64 // cumulative, last is +Inf
	sum    float64
	count  int64
}

// DefaultLatencyBuckets are millisecond buckets.
var DefaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// NewHistogram creates a new histogram with the given buckets.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	return newHistogram(name, help, buckets, nil)
}

func newHistogram(name, help string, buckets []float64, labels map[string]string) *Histogram {
	if len(buckets) == 0 {
		buckets = DefaultLatencyBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	return &Histogram{
		name:    name,
		help:    help,
		buckets: sorted,
		labels:  copyLabels(labels),
		counts:  make([]int64, len(sorted)+1),
	}
}

// Observe adds a single observation.
func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += value
	h.count++

	idx := sort.SearchFloat64s(h.buckets, value)
	for i := idx; i < len(h.counts); i++ {
		h.counts[i]++
	}
}

// Count returns the total count of observations.
func (h *Histogram) Count() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Sum returns the sum of all observed values.
func (h *Histogram) Sum() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sum
}

// Buckets returns the bucket upper bounds.
func (h *Histogram) Buckets() []float64 {
	return append([]float64(nil), h.buckets...)
}

// BucketCounts returns the cumulative count for each bucket, +Inf last.
func (h *Histogram) BucketCounts() []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]int64(nil), h.counts...)
}

// Reset clears all observations.
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts = make([]int64, len(h.buckets)+1)
	h.sum = 0
	h.count = 0
}

// Name returns the metric name.
func (h *Histogram) Name() string { return h.name }

// Help returns the metric help text.
func (h *Histogram) Help() string { return h.help }

// Labels returns a copy of the metric labels.
func (h *Histogram) Labels() map[string]string { return copyLabels(h.labels) }

// vec is the labelled family shared by CounterVec, GaugeVec and HistogramVec.
type vec[T any] struct {
	name       string
	help       string
	labelNames []string
	newChild   func(labels map[string]string) T

	mu       sync.RWMutex
	children map[string]T
}

func (v *vec[T]) with(labelValues []string) T {
	if len(labelValues) != len(v.labelNames) {
		panic(fmt.Sprintf("%s: expected %d label values, got %d", v.name, len(v.labelNames), len(labelValues)))
	}

	labels := make(map[string]string, len(v.labelNames))
	for i, name := range v.labelNames {
		labels[name] = labelValues[i]
	}
	key := labelsToKey(labels)

	v.mu.RLock()
	child, ok := v.children[key]
	v.mu.RUnlock()
	if ok {
		return child
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock
	if child, ok := v.children[key]; ok {
		return child
	}
	child = v.newChild(labels)
	v.children[key] = child
	return child
}

// all returns children ordered by label key for stable export.
func (v *vec[T]) all() []T {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys := make([]string, 0, len(v.children))
	for k := range v.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, v.children[k])
	}
	return out
}

func (v *vec[T]) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.children = make(map[string]T)
}

// CounterVec represents a counter with labels.
type CounterVec struct{ vec[*Counter] }

// NewCounterVec creates a new counter vector.
func NewCounterVec(name, help string, labelNames []string) *CounterVec {
	cv := &CounterVec{vec[*Counter]{name: name, help: help, labelNames: labelNames, children: make(map[string]*Counter)}}
	cv.newChild = func(labels map[string]string) *Counter { return NewCounter(name, help, labels) }
	return cv
}

// WithLabels returns a counter with the given label values.
func (cv *CounterVec) WithLabels(labelValues ...string) *Counter { return cv.with(labelValues) }

// GetAll returns all counters in the vector.
func (cv *CounterVec) GetAll() []*Counter { return cv.all() }

// Reset drops every child.
func (cv *CounterVec) Reset() { cv.reset() }

// Name returns the metric name.
func (cv *CounterVec) Name() string { return cv.name }

// Help returns the metric help text.
func (cv *CounterVec) Help() string { return cv.help }

// GaugeVec represents a gauge with labels.
type GaugeVec struct{ vec[*Gauge] }

// NewGaugeVec creates a new gauge vector.
func NewGaugeVec(name, help string, labelNames []string) *GaugeVec {
	gv := &GaugeVec{vec[*Gauge]{name: name, help: help, labelNames: labelNames, children: make(map[string]*Gauge)}}
	gv.newChild = func(labels map[string]string) *Gauge { return NewGauge(name, help, labels) }
	return gv
}

// WithLabels returns a gauge with the given label values.
func (gv *GaugeVec) WithLabels(labelValues ...string) *Gauge { return gv.with(labelValues) }

// GetAll returns all gauges in the vector.
func (gv *GaugeVec) GetAll() []*Gauge { return gv.all() }

// Reset drops every child.
func (gv *GaugeVec) Reset() { gv.reset() }

// Name returns the metric name.
func (gv *GaugeVec) Name() string { return gv.name }

// Help returns the metric help text.
func (gv *GaugeVec) Help() string { return gv.help }

// HistogramVec represents a histogram with labels.
type HistogramVec struct{ vec[*Histogram] }

// NewHistogramVec creates a new histogram vector.
func NewHistogramVec(name, help string, labelNames []string, buckets []float64) *HistogramVec {
	hv := &HistogramVec{vec[*Histogram]{name: name, help: help, labelNames: labelNames, children: make(map[string]*Histogram)}}
	hv.newChild = func(labels map[string]string) *Histogram { return newHistogram(name, help, buckets, labels) }
	return hv
}

// WithLabels returns a histogram with the given label values.
func (hv *HistogramVec) WithLabels(labelValues ...string) *Histogram { return hv.with(labelValues) }

// GetAll returns all histograms in the vector.
func (hv *HistogramVec) GetAll() []*Histogram { return hv.all() }

// Reset drops every child.
func (hv *HistogramVec) Reset() { hv.reset() }

// Name returns the metric name.
func (hv *HistogramVec) Name() string { return hv.name }

// Help returns the metric help text.
func (hv *HistogramVec) Help() string { return hv.help }

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// labelsToKey creates a stable key from label map.
func labelsToKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(labels[k])
	}
	return sb.String()
}
