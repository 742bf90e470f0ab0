// Package events publishes evaluation run events to in-process
// subscribers, a JSON lines journal or Kafka.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Publisher is an event sink.
type Publisher interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Close flushes and releases resources.
	Close() error
}

// Event represents one run event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "eval.batch", "eval.completed").
	Type string `json:"type"`

	// Source is the binary that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// RunID links every event of one evaluation run.
	RunID string `json:"run_id"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// Event types.
const (
	TypeRunStarted   = "eval.started"
	TypeBatch        = "eval.batch"
	TypeRunCompleted = "eval.completed"
	TypeRunFailed    = "eval.failed"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "zeroshot.eval"

// Source identifies this binary on published events.
const Source = "zeroshot-eval"

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// New creates an event with a fresh ID and the current time.
func New(eventType, runID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    Source,
		Timestamp: time.Now().UnixMilli(),
		RunID:     runID,
		Payload:   payload,
	}
}

// RunStarted is the payload of eval.started.
type RunStarted struct {
	Preset   string `json:"preset"`
	Mode     string `json:"mode"`
	Modality string `json:"modality"`
	Classes  int    `json:"classes"`
	Samples  int    `json:"samples"`
	Batches  int    `json:"batches"`
	Device   string `json:"device"`
}

// BatchScored is the payload of eval.batch.
type BatchScored struct {
	Index     int     `json:"batch_idx"`
	Size      int     `json:"size"`
	Correct   int     `json:"test_correct"`
	Total     int     `json:"test_total"`
	Accuracy  float64 `json:"accuracy"`
	LatencyMs int64   `json:"latency_ms"`
}

// RunCompleted is the payload of eval.completed.
type RunCompleted struct {
	Accuracy   float64 `json:"accuracy"`
	Correct    int     `json:"correct"`
	Total      int     `json:"total"`
	Batches    int     `json:"batches"`
	DurationMs int64   `json:"duration_ms"`
}

// RunFailed is the payload of eval.failed.
type RunFailed struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }
