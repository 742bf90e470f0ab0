package main

import (
	"testing"

	"github.com/ricesearch/zeroshot-eval/internal/config"
)

func TestFlagOverrides(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantLoRA  bool
		wantLP    bool
		wantHeads bool
	}{
		{"defaults", nil, true, false, true},
		{"linear probing alone turns lora off", []string{"--linear-probing"}, false, true, true},
		{"explicit lora is kept", []string{"--lora", "--linear-probing"}, true, true, true},
		{"lora without heads", []string{"--heads=false"}, true, false, false},
		{"pretrained", []string{"--lora=false"}, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := runCmd()
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("ParseFlags() error = %v", err)
			}

			cfg := &config.Config{Eval: config.EvalConfig{LoRA: true, LoadHeadPostProcFinetuned: true}}
			flagOverrides(cmd)(cfg)

			if cfg.Eval.LoRA != tt.wantLoRA {
				t.Errorf("LoRA = %v, want %v", cfg.Eval.LoRA, tt.wantLoRA)
			}
			if cfg.Eval.LinearProbing != tt.wantLP {
				t.Errorf("LinearProbing = %v, want %v", cfg.Eval.LinearProbing, tt.wantLP)
			}
			if cfg.Eval.LoadHeadPostProcFinetuned != tt.wantHeads {
				t.Errorf("LoadHeadPostProcFinetuned = %v, want %v", cfg.Eval.LoadHeadPostProcFinetuned, tt.wantHeads)
			}
		})
	}
}

func TestLoadConfigLinearProbingFlag(t *testing.T) {
	root := newRootCmd()
	cmd, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatalf("Find(run) error = %v", err)
	}
	args := []string{"--preset", "hhar", "--linear-probing", "--batch-size", "8", "--device", "cuda:1", "--verbose"}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	cfg, err := loadConfig(cmd, flagOverrides(cmd))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Eval.LoRA || !cfg.Eval.LinearProbing {
		t.Errorf("LoRA = %v, LinearProbing = %v, want false, true", cfg.Eval.LoRA, cfg.Eval.LinearProbing)
	}
	if cfg.Eval.Preset != config.PresetHHAR {
		t.Errorf("Preset = %q, want hhar", cfg.Eval.Preset)
	}
	if cfg.Eval.BatchSize != 8 {
		t.Errorf("BatchSize = %d, want 8", cfg.Eval.BatchSize)
	}
	if cfg.ML.Device != "cuda:1" {
		t.Errorf("Device = %q, want cuda:1", cfg.ML.Device)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadConfigRejectsBothModes(t *testing.T) {
	root := newRootCmd()
	cmd, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatalf("Find(run) error = %v", err)
	}
	if err := cmd.ParseFlags([]string{"--preset", "hhar", "--lora", "--linear-probing"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	if _, err := loadConfig(cmd, flagOverrides(cmd)); err == nil {
		t.Error("loadConfig() error = nil with --lora and --linear-probing")
	}
}
