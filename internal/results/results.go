// Package results persists the outcome of evaluation runs so accuracy can
// be compared across checkpoints and presets.
package results

import (
	"context"
	"time"

	"github.com/ricesearch/zeroshot-eval/internal/config"
	"github.com/ricesearch/zeroshot-eval/internal/evaluation"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// Record is one stored run.
type Record struct {
	RunID         string                    `json:"run_id"`
	Preset        string                    `json:"preset"`
	Mode          string                    `json:"mode"`
	Modality      string                    `json:"modality"`
	Device        string                    `json:"device"`
	Scale         float64                   `json:"scale"`
	Accuracy      float64                   `json:"accuracy"`
	Correct       int                       `json:"correct"`
	Total         int                       `json:"total"`
	Batches       int                       `json:"batches"`
	MacroF1       float64                   `json:"macro_f1"`
	PerClass      []evaluation.ClassMetrics `json:"per_class,omitempty"`
	CheckpointDir string                    `json:"checkpoint_dir,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	DurationMs    int64                     `json:"duration_ms"`
}

// NewRecord builds a record from a finished run.
func NewRecord(res *evaluation.Result, checkpointDir string) Record {
	return Record{
		RunID:         res.RunID,
		Preset:        res.Preset,
		Mode:          res.Mode,
		Modality:      res.Modality,
		Device:        res.Device,
		Scale:         res.Scale,
		Accuracy:      res.Accuracy,
		Correct:       res.Correct,
		Total:         res.Total,
		Batches:       res.Batches,
		MacroF1:       res.MacroF1,
		PerClass:      append([]evaluation.ClassMetrics(nil), res.PerClass...),
		CheckpointDir: checkpointDir,
		StartedAt:     res.StartedAt.UTC(),
		DurationMs:    res.Duration.Milliseconds(),
	}
}

// Store saves and lists run records.
type Store interface {
	// Save stores a record. Saving the same RunID twice replaces it.
	Save(ctx context.Context, rec Record) error

	// List returns records newest first. An empty preset lists every
	// preset; a non-positive limit returns everything.
	List(ctx context.Context, preset string, limit int) ([]Record, error)

	Close() error
}

// Nop discards records.
type Nop struct{}

func (Nop) Save(context.Context, Record) error { return nil }

func (Nop) List(context.Context, string, int) ([]Record, error) { return nil, nil }

func (Nop) Close() error { return nil }

// Open returns the store selected by cfg.
func Open(ctx context.Context, cfg config.ResultsConfig) (Store, error) {
	switch cfg.Store {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, errors.ConfigError("sqlite results store needs a path")
		}
		return NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		if cfg.RedisURL == "" {
			return nil, errors.ConfigError("redis results store needs a URL")
		}
		return NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, errors.ConfigError("unknown results store: " + cfg.Store)
	}
}
