package evaluation

import "time"

// State is the lifecycle of an Evaluator.
type State string

const (
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Result is the outcome of one evaluation run.
type Result struct {
	RunID    string         `json:"run_id"`
	Preset   string         `json:"preset"`
	Mode     string         `json:"mode"`
	Modality string         `json:"modality"`
	Device   string         `json:"device"`
	Scale    float64        `json:"scale"`
	Accuracy float64        `json:"accuracy"`
	Correct  int            `json:"correct"`
	Total    int            `json:"total"`
	Batches  int            `json:"batches"`
	PerClass []ClassMetrics `json:"per_class"`

	MacroPrecision float64 `json:"macro_precision"`
	MacroRecall    float64 `json:"macro_recall"`
	MacroF1        float64 `json:"macro_f1"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
