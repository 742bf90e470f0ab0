package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ricesearch/zeroshot-eval/internal/modality"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("ZS_BATCH_SIZE", "32")
	t.Setenv("ZS_LOG_LEVEL", "debug")
	t.Setenv("ZS_PRESET", "hhar")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Eval.BatchSize != 32 {
		t.Errorf("Eval.BatchSize = %d, want 32", cfg.Eval.BatchSize)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Dataset.Modality != "imu" {
		t.Errorf("Dataset.Modality = %s, want imu", cfg.Dataset.Modality)
	}
	if cfg.Checkpoint.Dir != ".checkpoints/lora/500_hhar" {
		t.Errorf("Checkpoint.Dir = %s", cfg.Checkpoint.Dir)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
eval:
  preset: iemocap
  batch_size: 16
  load_head_post_proc_finetuned: false
checkpoint:
  dir: /ckpt/speech
  postfix: _best
dataset:
  path: /data/iemocap.safetensors
log:
  level: warn
  format: json
ml:
  device: cpu
  timeout: 5s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Eval.BatchSize != 16 {
		t.Errorf("Eval.BatchSize = %d, want 16", cfg.Eval.BatchSize)
	}
	if cfg.Checkpoint.Dir != "/ckpt/speech" {
		t.Errorf("Checkpoint.Dir = %s, want /ckpt/speech", cfg.Checkpoint.Dir)
	}
	if cfg.Checkpoint.Postfix != "_best" {
		t.Errorf("Checkpoint.Postfix = %s, want _best", cfg.Checkpoint.Postfix)
	}
	if cfg.Dataset.Path != "/data/iemocap.safetensors" {
		t.Errorf("Dataset.Path = %s", cfg.Dataset.Path)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.ML.Timeout.Seconds() != 5 {
		t.Errorf("ML.Timeout = %v, want 5s", cfg.ML.Timeout)
	}
	if got := cfg.CompensationFactor(); math.Abs(got-12/0.07) > 1e-9 {
		t.Errorf("CompensationFactor() = %v, want %v", got, 12/0.07)
	}
}

func TestLoadRejectsBothModesBeforeAnythingElse(t *testing.T) {
	t.Setenv("ZS_LORA", "true")
	t.Setenv("ZS_LINEAR_PROBING", "true")

	_, err := Load("")
	if err == nil {
		t.Fatal("Load() error = nil, want configuration error")
	}
	if !errors.IsConfig(err) {
		t.Errorf("error %v is not a configuration error", err)
	}
}

func TestLoadWithPresetOverridesNamedPreset(t *testing.T) {
	t.Setenv("ZS_PRESET", "iemocap")

	cfg, err := LoadWithPreset("", PresetHHAR)
	if err != nil {
		t.Fatalf("LoadWithPreset() error = %v", err)
	}
	if cfg.Eval.Preset != PresetHHAR {
		t.Errorf("Eval.Preset = %s, want hhar", cfg.Eval.Preset)
	}
	if cfg.Eval.Classes[0] != "Biking" {
		t.Errorf("Classes[0] = %s, want Biking", cfg.Eval.Classes[0])
	}
}

func TestUnknownPreset(t *testing.T) {
	if _, err := LoadWithPreset("", "imagenet"); err == nil {
		t.Fatal("LoadWithPreset(unknown) error = nil")
	}
}

func validConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	if err := cfg.ApplyPreset(); err != nil {
		panic(err)
	}
	return cfg
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "lora and linear probing",
			modify: func(c *Config) {
				c.Eval.LinearProbing = true
			},
			wantErr: true,
		},
		{
			name: "linear probing alone",
			modify: func(c *Config) {
				c.Eval.LoRA = false
				c.Eval.LinearProbing = true
			},
			wantErr: false,
		},
		{
			name: "zero batch size",
			modify: func(c *Config) {
				c.Eval.BatchSize = 0
			},
			wantErr: true,
		},
		{
			name: "no classes",
			modify: func(c *Config) {
				c.Eval.Classes = nil
			},
			wantErr: true,
		},
		{
			name: "template without placeholder",
			modify: func(c *Config) {
				c.Eval.ClassTemplate = "a human is"
			},
			wantErr: true,
		},
		{
			name: "lora without checkpoint dir",
			modify: func(c *Config) {
				c.Checkpoint.Dir = ""
			},
			wantErr: true,
		},
		{
			name: "no finetune without checkpoint dir",
			modify: func(c *Config) {
				c.Eval.LoRA = false
				c.Checkpoint.Dir = ""
			},
			wantErr: false,
		},
		{
			name: "text dataset modality",
			modify: func(c *Config) {
				c.Dataset.Modality = "text"
			},
			wantErr: true,
		},
		{
			name: "csv without shape",
			modify: func(c *Config) {
				c.Dataset.Format = "csv"
			},
			wantErr: true,
		},
		{
			name: "invalid ML device",
			modify: func(c *Config) {
				c.ML.Device = "tpu"
			},
			wantErr: true,
		},
		{
			name: "cuda ordinal",
			modify: func(c *Config) {
				c.ML.Device = "cuda:1"
			},
			wantErr: false,
		},
		{
			name: "bad cuda ordinal",
			modify: func(c *Config) {
				c.ML.Device = "cuda:x"
			},
			wantErr: true,
		},
		{
			name: "http backend without url",
			modify: func(c *Config) {
				c.ML.Backend = "http"
			},
			wantErr: true,
		},
		{
			name: "invalid results store",
			modify: func(c *Config) {
				c.Results.Store = "postgres"
			},
			wantErr: true,
		},
		{
			name: "kafka without brokers",
			modify: func(c *Config) {
				c.Events.Type = "kafka"
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "unknown adapter modality",
			modify: func(c *Config) {
				c.Checkpoint.AdapterModalities = []string{"smell"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompensationFactor(t *testing.T) {
	tests := []struct {
		name   string
		lora   bool
		linear bool
		heads  bool
		want   float64
	}{
		{"lora with heads", true, false, true, 1},
		{"lora without heads", true, false, false, 12 / 0.07},
		{"linear probing", false, true, false, 1},
		{"no finetune", false, false, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Eval.LoRA = tt.lora
			cfg.Eval.LinearProbing = tt.linear
			cfg.Eval.LoadHeadPostProcFinetuned = tt.heads

			if got := cfg.CompensationFactor(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CompensationFactor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	cfg := validConfig()

	rc, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if rc.Mode != ModeLoRA {
		t.Errorf("Mode = %s, want lora", rc.Mode)
	}
	if rc.Modality != modality.Audio {
		t.Errorf("Modality = %s, want audio", rc.Modality)
	}
	if rc.NumClasses() != 6 {
		t.Errorf("NumClasses() = %d, want 6", rc.NumClasses())
	}
	if rc.HeadsDir != rc.CheckpointDir {
		t.Errorf("HeadsDir = %s, want checkpoint dir %s", rc.HeadsDir, rc.CheckpointDir)
	}
	layers, all := rc.Adapters.Layers(modality.Text)
	if all || len(layers) != 9 {
		t.Errorf("text layers = %v (all=%v), want 0..8", layers, all)
	}

	// The run config must not alias the source config.
	cfg.Eval.Classes[0] = "mutated"
	cfg.Checkpoint.LayerIdxs["text"][0] = 42
	if rc.Labels[0] != "neutral" {
		t.Errorf("Labels[0] = %s after mutating config", rc.Labels[0])
	}
	if layers, _ := rc.Adapters.Layers(modality.Text); layers[0] != 0 {
		t.Errorf("adapter layers aliased config: %v", layers)
	}
}

func TestResolveHHARDescriptions(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Eval.Preset = PresetHHAR
	if err := cfg.ApplyPreset(); err != nil {
		t.Fatalf("ApplyPreset() error = %v", err)
	}

	rc, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if rc.Descriptions[0] != "a human is biking." {
		t.Errorf("Descriptions[0] = %q", rc.Descriptions[0])
	}
	if rc.Descriptions[5] != "a human is walking downstairs." {
		t.Errorf("Descriptions[5] = %q", rc.Descriptions[5])
	}
	if rc.Labels[5] != "WALKING DOWNSTAIRS" {
		t.Errorf("Labels[5] = %q", rc.Labels[5])
	}
	if _, all := rc.Adapters.Layers(modality.IMU); !all {
		t.Error("hhar adapts every imu layer")
	}
}

func TestResolveLinearProbingHasNoAdapters(t *testing.T) {
	cfg := validConfig()
	cfg.Eval.LoRA = false
	cfg.Eval.LinearProbing = true

	rc, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rc.Mode != ModeLinearProbing {
		t.Errorf("Mode = %s", rc.Mode)
	}
	if len(rc.Adapters.Modalities) != 0 {
		t.Errorf("Adapters = %+v, want empty", rc.Adapters)
	}
	if rc.Scale != 1 {
		t.Errorf("Scale = %v, want 1", rc.Scale)
	}
}

func TestPresetNames(t *testing.T) {
	names := PresetNames()
	if len(names) != 2 || names[0] != PresetHHAR || names[1] != PresetIEMOCAP {
		t.Errorf("PresetNames() = %v", names)
	}
}

func TestLoadWithOverridesBeforeValidation(t *testing.T) {
	// Switching modes on the command line must not trip the both-modes check.
	cfg, err := LoadWith("", PresetHHAR, func(c *Config) {
		c.Eval.LoRA = false
		c.Eval.LinearProbing = true
		c.Eval.BatchSize = 8
	})
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if !cfg.Eval.LinearProbing || cfg.Eval.LoRA {
		t.Errorf("modes = lora %v linear %v", cfg.Eval.LoRA, cfg.Eval.LinearProbing)
	}
	if cfg.Eval.BatchSize != 8 {
		t.Errorf("BatchSize = %d, want 8", cfg.Eval.BatchSize)
	}

	_, err = LoadWith("", PresetHHAR, func(c *Config) { c.Eval.BatchSize = -1 })
	if err == nil {
		t.Fatal("LoadWith(invalid override) error = nil")
	}
}
