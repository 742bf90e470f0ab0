package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id         TEXT PRIMARY KEY,
	preset         TEXT NOT NULL,
	mode           TEXT NOT NULL,
	modality       TEXT NOT NULL,
	device         TEXT,
	scale          REAL NOT NULL,
	accuracy       REAL NOT NULL,
	correct        INTEGER NOT NULL,
	total          INTEGER NOT NULL,
	batches        INTEGER NOT NULL,
	macro_f1       REAL,
	per_class_json TEXT,
	checkpoint_dir TEXT,
	started_at     TEXT NOT NULL,
	duration_ms    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_preset_started ON runs (preset, started_at);
`

// timeLayout is fixed width so started_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.StorageError("open results db", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.StorageError("pragma", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.StorageError("migrate results db", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	perClass, err := json.Marshal(rec.PerClass)
	if err != nil {
		return errors.StorageError("marshal per-class metrics", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
		 (run_id, preset, mode, modality, device, scale, accuracy, correct, total, batches,
		  macro_f1, per_class_json, checkpoint_dir, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Preset, rec.Mode, rec.Modality, rec.Device, rec.Scale, rec.Accuracy,
		rec.Correct, rec.Total, rec.Batches, rec.MacroF1, string(perClass), rec.CheckpointDir,
		rec.StartedAt.UTC().Format(timeLayout), rec.DurationMs,
	)
	if err != nil {
		return errors.StorageError(fmt.Sprintf("save run %s", rec.RunID), err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, preset string, limit int) ([]Record, error) {
	query := `SELECT run_id, preset, mode, modality, device, scale, accuracy, correct, total,
		batches, macro_f1, per_class_json, checkpoint_dir, started_at, duration_ms FROM runs`
	var args []any
	if preset != "" {
		query += ` WHERE preset = ?`
		args = append(args, preset)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError("list runs", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                   Record
			device, dir, perClass sql.NullString
			macroF1               sql.NullFloat64
			started               string
		)
		if err := rows.Scan(&rec.RunID, &rec.Preset, &rec.Mode, &rec.Modality, &device, &rec.Scale,
			&rec.Accuracy, &rec.Correct, &rec.Total, &rec.Batches, &macroF1, &perClass, &dir,
			&started, &rec.DurationMs); err != nil {
			return nil, errors.StorageError("scan run", err)
		}
		rec.Device = device.String
		rec.CheckpointDir = dir.String
		rec.MacroF1 = macroF1.Float64
		if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, errors.StorageError("parse started_at", err)
		}
		if perClass.Valid && perClass.String != "" && perClass.String != "null" {
			if err := json.Unmarshal([]byte(perClass.String), &rec.PerClass); err != nil {
				return nil, errors.StorageError("unmarshal per-class metrics", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("list runs", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
