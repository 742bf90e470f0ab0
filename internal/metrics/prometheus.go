package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// PrometheusFormat exports all metrics in Prometheus text exposition format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func (m *Metrics) PrometheusFormat() string {
	var sb strings.Builder

	// Run metrics
	writeCounterVec(&sb, m.Runs)
	writeHistogram(&sb, m.RunDuration, true)
	writeGaugeVec(&sb, m.Accuracy)

	// Batch metrics
	writeCounter(&sb, m.Batches)
	writeCounter(&sb, m.Samples)
	writeCounter(&sb, m.Correct)
	writeHistogram(&sb, m.BatchLatency, true)
	writeHistogram(&sb, m.BatchSize, true)

	// Model metrics
	writeHistogramVec(&sb, m.EmbedLatency)
	writeCounterVec(&sb, m.EmbedErrors)

	// Cache metrics
	writeCounterVec(&sb, m.CacheHits)
	writeCounterVec(&sb, m.CacheMisses)
	writeGaugeVec(&sb, m.CacheSize)

	// Event metrics
	writeCounterVec(&sb, m.EventsPublished)
	writeHistogramVec(&sb, m.EventLatency)
	writeCounterVec(&sb, m.EventErrors)

	return sb.String()
}

// WriteFile writes the exposition to path, replacing it atomically.
func (m *Metrics) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".metrics-*.prom")
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	if _, err := tmp.WriteString(m.PrometheusFormat()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing metrics file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming metrics file: %w", err)
	}
	return nil
}

func writeHeader(sb *strings.Builder, name, help, kind string) {
	sb.WriteString("# HELP ")
	sb.WriteString(name)
	sb.WriteString(" ")
	sb.WriteString(help)
	sb.WriteString("\n# TYPE ")
	sb.WriteString(name)
	sb.WriteString(" ")
	sb.WriteString(kind)
	sb.WriteString("\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// writeCounter writes a counter in Prometheus format.
func writeCounter(sb *strings.Builder, c *Counter) {
	writeHeader(sb, c.Name(), c.Help(), "counter")
	writeCounterSample(sb, c)
}

func writeCounterSample(sb *strings.Builder, c *Counter) {
	sb.WriteString(c.Name())
	writeLabels(sb, c.Labels(), "")
	sb.WriteString(" ")
	sb.WriteString(strconv.FormatInt(c.Value(), 10))
	sb.WriteString("\n")
}

func writeGaugeSample(sb *strings.Builder, g *Gauge) {
	sb.WriteString(g.Name())
	writeLabels(sb, g.Labels(), "")
	sb.WriteString(" ")
	sb.WriteString(formatFloat(g.Value()))
	sb.WriteString("\n")
}

// writeHistogram writes a histogram. withHeader is false inside a vector.
func writeHistogram(sb *strings.Builder, h *Histogram, withHeader bool) {
	if withHeader {
		writeHeader(sb, h.Name(), h.Help(), "histogram")
	}

	labels := h.Labels()
	buckets := h.Buckets()
	counts := h.BucketCounts()

	for i, bucket := range buckets {
		sb.WriteString(h.Name())
		sb.WriteString("_bucket")
		writeLabels(sb, labels, formatFloat(bucket))
		sb.WriteString(" ")
		sb.WriteString(strconv.FormatInt(counts[i], 10))
		sb.WriteString("\n")
	}

	sb.WriteString(h.Name())
	sb.WriteString("_bucket")
	writeLabels(sb, labels, "+Inf")
	sb.WriteString(" ")
	sb.WriteString(strconv.FormatInt(counts[len(counts)-1], 10))
	sb.WriteString("\n")

	sb.WriteString(h.Name())
	sb.WriteString("_sum")
	writeLabels(sb, labels, "")
	sb.WriteString(" ")
	sb.WriteString(formatFloat(h.Sum()))
	sb.WriteString("\n")

	sb.WriteString(h.Name())
	sb.WriteString("_count")
	writeLabels(sb, labels, "")
	sb.WriteString(" ")
	sb.WriteString(strconv.FormatInt(h.Count(), 10))
	sb.WriteString("\n")
}

// writeCounterVec writes a counter vector in Prometheus format.
func writeCounterVec(sb *strings.Builder, cv *CounterVec) {
	counters := cv.GetAll()
	if len(counters) == 0 {
		return
	}
	writeHeader(sb, cv.Name(), cv.Help(), "counter")
	for _, c := range counters {
		writeCounterSample(sb, c)
	}
}

// writeGaugeVec writes a gauge vector in Prometheus format.
func writeGaugeVec(sb *strings.Builder, gv *GaugeVec) {
	gauges := gv.GetAll()
	if len(gauges) == 0 {
		return
	}
	writeHeader(sb, gv.Name(), gv.Help(), "gauge")
	for _, g := range gauges {
		writeGaugeSample(sb, g)
	}
}

// writeHistogramVec writes a histogram vector in Prometheus format.
func writeHistogramVec(sb *strings.Builder, hv *HistogramVec) {
	histograms := hv.GetAll()
	if len(histograms) == 0 {
		return
	}
	writeHeader(sb, hv.Name(), hv.Help(), "histogram")
	for _, h := range histograms {
		writeHistogram(sb, h, false)
	}
}

// writeLabels writes labels in Prometheus format {key="value",key2="value2"}.
// A non-empty le is appended as the bucket bound.
func writeLabels(sb *strings.Builder, labels map[string]string, le string) {
	if len(labels) == 0 && le == "" {
		return
	}

	// Sort keys for stable output
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(escapeString(labels[k]))
		sb.WriteString("\"")
	}
	if le != "" {
		if len(keys) > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("le=\"")
		sb.WriteString(le)
		sb.WriteString("\"")
	}
	sb.WriteString("}")
}

// escapeString escapes special characters in label values.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
