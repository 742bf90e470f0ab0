package results

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ricesearch/zeroshot-eval/internal/config"
	"github.com/ricesearch/zeroshot-eval/internal/evaluation"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

func record(id, preset string, started time.Time, accuracy float64) Record {
	return NewRecord(&evaluation.Result{
		RunID:     id,
		Preset:    preset,
		Mode:      "lora",
		Modality:  "imu",
		Device:    "cpu",
		Scale:     12 / 0.07,
		Accuracy:  accuracy,
		Correct:   int(accuracy * 100),
		Total:     100,
		Batches:   4,
		MacroF1:   accuracy,
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
		PerClass: []evaluation.ClassMetrics{
			{Label: "Biking", Support: 50, Correct: 40, Precision: 0.8, Recall: 0.8, F1: 0.8},
		},
	}, ".checkpoints/lora/500_hhar")
}

func tempStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRecord(t *testing.T) {
	rec := record("r1", "hhar", time.Unix(1700000000, 0), 0.5)
	if rec.DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", rec.DurationMs)
	}
	if rec.StartedAt.Location() != time.UTC {
		t.Errorf("StartedAt not UTC: %v", rec.StartedAt)
	}
	if rec.CheckpointDir != ".checkpoints/lora/500_hhar" {
		t.Errorf("CheckpointDir = %s", rec.CheckpointDir)
	}
}

func TestSQLiteStore_SaveAndList(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, rec := range []Record{
		record("r1", "hhar", base, 0.61),
		record("r2", "iemocap", base.Add(time.Minute), 0.42),
		record("r3", "hhar", base.Add(2*time.Minute), 0.67),
	} {
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save(%d): %v", i, err)
		}
	}

	all, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(all))
	}
	if all[0].RunID != "r3" || all[2].RunID != "r1" {
		t.Errorf("order = %s, %s, %s, want newest first", all[0].RunID, all[1].RunID, all[2].RunID)
	}

	hhar, err := s.List(ctx, "hhar", 1)
	if err != nil {
		t.Fatalf("List(hhar): %v", err)
	}
	if len(hhar) != 1 || hhar[0].RunID != "r3" {
		t.Fatalf("List(hhar, 1) = %+v", hhar)
	}

	got := hhar[0]
	if got.Accuracy != 0.67 || got.Total != 100 || got.Device != "cpu" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if !got.StartedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("StartedAt = %v", got.StartedAt)
	}
	if len(got.PerClass) != 1 || got.PerClass[0].Label != "Biking" {
		t.Errorf("PerClass = %+v", got.PerClass)
	}
}

func TestSQLiteStore_SaveReplaces(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Save(ctx, record("r1", "hhar", now, 0.1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, record("r1", "hhar", now, 0.9)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	recs, err := s.List(ctx, "hhar", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].Accuracy != 0.9 {
		t.Errorf("List() = %+v, want one record with accuracy 0.9", recs)
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.Save(ctx, record("r1", "hhar", time.Now(), 0.5)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	recs, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("List() after reopen returned %d records", len(recs))
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cfg      config.ResultsConfig
		wantCode string
	}{
		{"none", config.ResultsConfig{Store: "none"}, ""},
		{"empty", config.ResultsConfig{}, ""},
		{"sqlite", config.ResultsConfig{Store: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "r.db")}, ""},
		{"sqlite without path", config.ResultsConfig{Store: "sqlite"}, errors.CodeConfig},
		{"redis without url", config.ResultsConfig{Store: "redis"}, errors.CodeConfig},
		{"redis bad url", config.ResultsConfig{Store: "redis", RedisURL: "://"}, errors.CodeConfig},
		{"unknown", config.ResultsConfig{Store: "postgres"}, errors.CodeConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.cfg)
			if tt.wantCode != "" {
				if errors.CodeOf(err) != tt.wantCode {
					t.Fatalf("Open() error = %v, want %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			s.Close()
		})
	}
}

func TestNop(t *testing.T) {
	var s Store = Nop{}
	if err := s.Save(context.Background(), Record{}); err != nil {
		t.Errorf("Save() error = %v", err)
	}
	if recs, err := s.List(context.Background(), "", 10); err != nil || len(recs) != 0 {
		t.Errorf("List() = %v, %v", recs, err)
	}
}

func TestNewRedisStore_ConnectionFailure(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "redis://localhost:9999")
	if errors.CodeOf(err) != errors.CodeStorage {
		t.Fatalf("NewRedisStore() error = %v, want storage error", err)
	}
}

func TestRedisStore_SaveAndList(t *testing.T) {
	ctx := context.Background()
	// Skip if Redis not available
	s, err := NewRedisStore(ctx, "redis://localhost:6379/15")
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	defer s.Close()
	s.SetPrefix("zeroshot:test:" + t.Name() + ":")

	base := time.Now().Add(-time.Hour)
	recs := []Record{
		record("r1", "hhar", base, 0.5),
		record("r2", "iemocap", base.Add(time.Minute), 0.4),
		record("r3", "hhar", base.Add(2*time.Minute), 0.6),
	}
	for _, rec := range recs {
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
		defer s.Delete(ctx, rec)
	}

	all, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].RunID != "r3" {
		t.Errorf("List() = %+v", all)
	}

	hhar, err := s.List(ctx, "hhar", 5)
	if err != nil {
		t.Fatalf("List(hhar): %v", err)
	}
	if len(hhar) != 2 || hhar[1].RunID != "r1" {
		t.Errorf("List(hhar) = %+v", hhar)
	}
}

func TestDecodeRecords(t *testing.T) {
	good, err := json.Marshal(record("r1", "hhar", time.Now(), 0.5))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	recs, err := decodeRecords([]string{"r1", "gone"}, []any{string(good), nil})
	if err != nil {
		t.Fatalf("decodeRecords() error = %v", err)
	}
	if len(recs) != 1 || recs[0].RunID != "r1" {
		t.Errorf("decodeRecords() = %+v, want only r1", recs)
	}

	_, err = decodeRecords([]string{"r1", "r2"}, []any{string(good), "{not json"})
	if errors.CodeOf(err) != errors.CodeStorage {
		t.Fatalf("decodeRecords(corrupt) error = %v, want STORAGE_ERROR", err)
	}
	if !strings.Contains(err.Error(), "r2") {
		t.Errorf("error %q does not name the corrupt run", err)
	}
}

func TestRedisStore_ListCorruptRecord(t *testing.T) {
	ctx := context.Background()
	s, err := NewRedisStore(ctx, "redis://localhost:6379/15")
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	defer s.Close()
	s.SetPrefix("zeroshot:test:" + t.Name() + ":")

	rec := record("bad", "hhar", time.Now(), 0.5)
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	defer s.Delete(ctx, rec)

	if err := s.client.Set(ctx, s.runKey(rec.RunID), "{truncated", 0).Err(); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.List(ctx, "", 0); errors.CodeOf(err) != errors.CodeStorage {
		t.Errorf("List() error = %v, want STORAGE_ERROR", err)
	}
}
