// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ricesearch/zeroshot-eval/internal/modality"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// Config holds all application configuration.
type Config struct {
	// Evaluation protocol
	Eval EvalConfig `yaml:"eval"`

	// Adapter and head checkpoints
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Held-out split
	Dataset DatasetConfig `yaml:"dataset"`

	// Model backend
	ML MLConfig `yaml:"ml"`

	// Run history persistence
	Results ResultsConfig `yaml:"results"`

	// Run event publishing
	Events EventsConfig `yaml:"events"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Metrics export
	Metrics MetricsConfig `yaml:"metrics"`
}

// EvalConfig selects the fine-tuning mode and scoring parameters.
type EvalConfig struct {
	Preset                    string   `envconfig:"ZS_PRESET" yaml:"preset"`
	LoRA                      bool     `envconfig:"ZS_LORA" yaml:"lora"`
	LinearProbing             bool     `envconfig:"ZS_LINEAR_PROBING" yaml:"linear_probing"`
	LoadHeadPostProcFinetuned bool     `envconfig:"ZS_LOAD_HEAD_POSTPROC" yaml:"load_head_post_proc_finetuned"`
	BatchSize                 int      `envconfig:"ZS_BATCH_SIZE" yaml:"batch_size"`
	TrainBatchSize            int      `envconfig:"ZS_TRAIN_BATCH_SIZE" yaml:"train_batch_size"`
	Temperature               float64  `envconfig:"ZS_TEMPERATURE" yaml:"temperature"`
	Workers                   int      `envconfig:"ZS_WORKERS" yaml:"workers"`
	Classes                   []string `envconfig:"ZS_CLASSES" yaml:"classes"`
	ClassTemplate             string   `envconfig:"ZS_CLASS_TEMPLATE" yaml:"class_template"` // "{}" is replaced by the class name
	LowercaseClasses          bool     `envconfig:"ZS_LOWERCASE_CLASSES" yaml:"lowercase_classes"`
}

// CheckpointConfig locates previously trained weights.
type CheckpointConfig struct {
	Dir               string   `envconfig:"ZS_CHECKPOINT_DIR" yaml:"dir"`
	HeadsDir          string   `envconfig:"ZS_HEADS_DIR" yaml:"heads_dir"` // defaults to Dir
	Postfix           string   `envconfig:"ZS_CHECKPOINT_POSTFIX" yaml:"postfix"`
	AdapterModalities []string `envconfig:"ZS_ADAPTER_MODALITIES" yaml:"adapter_modalities"`
	Rank              int      `envconfig:"ZS_LORA_RANK" yaml:"rank"`
	// LayerIdxs maps modality name to adapted layers; absent means all layers.
	LayerIdxs map[string][]int `ignored:"true" yaml:"layer_idxs"`
}

// DatasetConfig describes the held-out split.
type DatasetConfig struct {
	Format   string  `envconfig:"ZS_DATASET_FORMAT" yaml:"format"`
	Path     string  `envconfig:"ZS_DATASET_PATH" yaml:"path"`
	Modality string  `envconfig:"ZS_DATASET_MODALITY" yaml:"modality"`
	Sessions []int64 `envconfig:"ZS_DATASET_SESSIONS" yaml:"sessions"`
	Shape    []int64 `envconfig:"ZS_DATASET_SHAPE" yaml:"shape"` // per-sample shape for csv rows
}

// MLConfig holds model backend settings.
type MLConfig struct {
	Backend       string        `envconfig:"ZS_ML_BACKEND" yaml:"backend"`
	Device        string        `envconfig:"ZS_ML_DEVICE" yaml:"device"`
	CUDADevice    int           `envconfig:"ZS_ML_CUDA_DEVICE" yaml:"cuda_device"`
	ModelsDir     string        `envconfig:"ZS_MODELS_DIR" yaml:"models_dir"`
	LibraryPath   string        `envconfig:"ZS_ORT_LIBRARY" yaml:"library_path"`
	EmbedDim      int           `envconfig:"ZS_EMBED_DIM" yaml:"embed_dim"`
	URL           string        `envconfig:"ZS_ML_URL" yaml:"url"`
	RateLimit     float64       `envconfig:"ZS_ML_RATE_LIMIT" yaml:"rate_limit"` // requests/s, 0 = unlimited
	Timeout       time.Duration `envconfig:"ZS_ML_TIMEOUT" yaml:"timeout"`
	TextCacheSize int           `envconfig:"ZS_TEXT_CACHE_SIZE" yaml:"text_cache_size"`
}

// ResultsConfig holds run history settings.
type ResultsConfig struct {
	Store      string `envconfig:"ZS_RESULTS_STORE" yaml:"store"`
	SQLitePath string `envconfig:"ZS_RESULTS_SQLITE" yaml:"sqlite_path"`
	RedisURL   string `envconfig:"ZS_RESULTS_REDIS_URL" yaml:"redis_url"`
}

// EventsConfig holds event publishing settings.
type EventsConfig struct {
	Type         string `envconfig:"ZS_EVENTS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"ZS_KAFKA_BROKERS" yaml:"kafka_brokers"`
	Topic        string `envconfig:"ZS_EVENTS_TOPIC" yaml:"topic"`
	LogPath      string `envconfig:"ZS_EVENTS_LOG" yaml:"log_path"` // JSON lines journal, empty = off
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"ZS_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"ZS_LOG_FORMAT" yaml:"format"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	File string `envconfig:"ZS_METRICS_FILE" yaml:"file"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	return LoadWithPreset(configPath, "")
}

// LoadWithPreset is Load with an explicit preset that takes precedence over
// the one named in the file or environment. Presets only fill fields the
// file and environment left empty.
func LoadWithPreset(configPath, preset string) (*Config, error) {
	return LoadWith(configPath, preset)
}

// LoadWith is LoadWithPreset with overrides applied after presets and
// before validation. Command line flags use it.
func LoadWith(configPath, preset string, overrides ...func(*Config)) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if preset != "" {
		cfg.Eval.Preset = preset
	}
	if err := cfg.ApplyPreset(); err != nil {
		return nil, err
	}

	for _, override := range overrides {
		override(cfg)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Eval = EvalConfig{
		Preset:                    PresetIEMOCAP,
		LoRA:                      true,
		LinearProbing:             false,
		LoadHeadPostProcFinetuned: true,
		BatchSize:                 64,
		TrainBatchSize:            12,
		Temperature:               0.07,
		Workers:                   4,
	}

	cfg.Checkpoint = CheckpointConfig{
		Rank: 4,
	}

	cfg.Dataset = DatasetConfig{
		Format: "safetensors",
	}

	cfg.ML = MLConfig{
		Backend:       "onnx",
		Device:        "auto",
		ModelsDir:     "./models",
		EmbedDim:      1024,
		Timeout:       60 * time.Second,
		TextCacheSize: 1024,
	}

	cfg.Results = ResultsConfig{
		Store:      "none",
		SQLitePath: "./zeroshot-results.db",
		RedisURL:   "redis://localhost:6379",
	}

	cfg.Events = EventsConfig{
		Type:  "none",
		Topic: "zeroshot.eval",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Both modes at once is reported on its own so it is never buried in a list.
	if c.Eval.LoRA && c.Eval.LinearProbing {
		return errors.ConfigError("linear probing is a subset of the LoRA training procedure; " +
			"lora and linear_probing cannot both be enabled")
	}

	var errs []string

	// Eval validation
	if c.Eval.BatchSize < 1 {
		errs = append(errs, "batch_size must be positive")
	}
	if c.Eval.TrainBatchSize < 1 {
		errs = append(errs, "train_batch_size must be positive")
	}
	if c.Eval.Temperature <= 0 {
		errs = append(errs, "temperature must be positive")
	}
	if c.Eval.Workers < 0 {
		errs = append(errs, "workers must not be negative")
	}
	if len(c.Eval.Classes) == 0 {
		errs = append(errs, "at least one class description is required")
	}
	for i, cl := range c.Eval.Classes {
		if strings.TrimSpace(cl) == "" {
			errs = append(errs, fmt.Sprintf("class %d is empty", i))
		}
	}
	if c.Eval.ClassTemplate != "" && !strings.Contains(c.Eval.ClassTemplate, "{}") {
		errs = append(errs, "class_template must contain {}")
	}

	// Checkpoint validation
	if (c.Eval.LoRA || c.Eval.LinearProbing) && c.Checkpoint.Dir == "" {
		errs = append(errs, "checkpoint dir is required for lora and linear probing")
	}
	if c.Eval.LoRA {
		if c.Checkpoint.Rank < 1 {
			errs = append(errs, "lora rank must be positive")
		}
		if len(c.Checkpoint.AdapterModalities) == 0 {
			errs = append(errs, "lora requires at least one adapter modality")
		}
		for _, m := range c.Checkpoint.AdapterModalities {
			if _, err := modality.Parse(m); err != nil {
				errs = append(errs, err.Error())
			}
		}
		for m := range c.Checkpoint.LayerIdxs {
			if _, err := modality.Parse(m); err != nil {
				errs = append(errs, fmt.Sprintf("layer_idxs: %v", err))
			}
		}
	}

	// Dataset validation
	validFormats := map[string]bool{"safetensors": true, "csv": true}
	if !validFormats[c.Dataset.Format] {
		errs = append(errs, fmt.Sprintf("invalid dataset format: %s (must be safetensors or csv)", c.Dataset.Format))
	}
	if c.Dataset.Path == "" {
		errs = append(errs, "dataset path is required")
	}
	if m, err := modality.Parse(c.Dataset.Modality); err != nil {
		errs = append(errs, fmt.Sprintf("dataset modality: %v", err))
	} else if !m.IsSensor() {
		errs = append(errs, "dataset modality must be a sensor modality, not text")
	}
	if c.Dataset.Format == "csv" && len(c.Dataset.Shape) == 0 {
		errs = append(errs, "csv datasets need a per-sample shape")
	}

	// ML validation
	validBackends := map[string]bool{"onnx": true, "http": true}
	if !validBackends[c.ML.Backend] {
		errs = append(errs, fmt.Sprintf("invalid ML backend: %s (must be onnx or http)", c.ML.Backend))
	}
	validDevices := map[string]bool{"auto": true, "cpu": true, "cuda": true}
	if !validDevices[c.ML.Device] && !validCUDAOrdinal(c.ML.Device) {
		errs = append(errs, fmt.Sprintf("invalid ML device: %s (must be auto, cpu, cuda, or cuda:N)", c.ML.Device))
	}
	if c.ML.Backend == "http" && c.ML.URL == "" {
		errs = append(errs, "http backend requires ml url")
	}
	if c.ML.EmbedDim < 1 {
		errs = append(errs, "embed_dim must be positive")
	}
	if c.ML.RateLimit < 0 {
		errs = append(errs, "rate_limit must not be negative")
	}

	// Results validation
	validStores := map[string]bool{"none": true, "sqlite": true, "redis": true}
	if !validStores[c.Results.Store] {
		errs = append(errs, fmt.Sprintf("invalid results store: %s (must be none, sqlite, or redis)", c.Results.Store))
	}

	// Events validation
	validEvents := map[string]bool{"none": true, "memory": true, "kafka": true}
	if !validEvents[c.Events.Type] {
		errs = append(errs, fmt.Sprintf("invalid events type: %s (must be none, memory, or kafka)", c.Events.Type))
	}
	if c.Events.Type == "kafka" && c.Events.KafkaBrokers == "" {
		errs = append(errs, "kafka events require kafka_brokers")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.ConfigError(fmt.Sprintf("config validation failed:\n  - %s", strings.Join(errs, "\n  - ")))
	}

	return nil
}

func validCUDAOrdinal(device string) bool {
	n, ok := strings.CutPrefix(device, "cuda:")
	if !ok {
		return false
	}
	i, err := strconv.Atoi(n)
	return err == nil && i >= 0
}

// CompensationFactor returns the scale applied to similarity scores.
//
// Adapters trained without persisting heads and postprocessors lose the
// logit scale; multiplying by train batch size over temperature restores the
// training-time score range. This is an empirical constant, not derived.
func (c *Config) CompensationFactor() float64 {
	if c.Eval.LoRA && !c.Eval.LoadHeadPostProcFinetuned {
		return float64(c.Eval.TrainBatchSize) / c.Eval.Temperature
	}
	return 1
}
