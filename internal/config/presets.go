package config

import (
	"fmt"
	"sort"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// Built-in presets.
const (
	PresetIEMOCAP = "iemocap"
	PresetHHAR    = "hhar"
)

// Preset bundles the per-dataset choices of a published evaluation.
type Preset struct {
	Name              string
	Description       string
	Modality          string
	Classes           []string
	ClassTemplate     string
	LowercaseClasses  bool
	CheckpointDir     string
	Postfix           string
	AdapterModalities []string
	LayerIdxs         map[string][]int
	DatasetPath       string
	Sessions          []int64
}

var presets = map[string]Preset{
	PresetIEMOCAP: {
		Name:              PresetIEMOCAP,
		Description:       "speech emotion recognition on IEMOCAP session 5 (audio)",
		Modality:          "audio",
		Classes:           []string{"neutral", "happy", "angry", "sadness", "excited", "frustrated"},
		CheckpointDir:     ".checkpoints/lora/90_speech",
		Postfix:           "_last",
		AdapterModalities: []string{"text", "vision"},
		LayerIdxs: map[string][]int{
			"text":   {0, 1, 2, 3, 4, 5, 6, 7, 8},
			"vision": {0, 1, 2, 3, 4, 5, 6, 7, 8},
		},
		DatasetPath: ".datasets/iemocap/val.safetensors",
		Sessions:    []int64{5},
	},
	PresetHHAR: {
		Name:              PresetHHAR,
		Description:       "human activity recognition on the HHAR test split (imu)",
		Modality:          "imu",
		Classes:           []string{"Biking", "Sitting", "Standing", "Walking", "WALKING UPSTAIRS", "WALKING DOWNSTAIRS"},
		ClassTemplate:     "a human is {}.",
		LowercaseClasses:  true,
		CheckpointDir:     ".checkpoints/lora/500_hhar",
		AdapterModalities: []string{"imu", "text"},
		DatasetPath:       ".datasets/hhar/test.safetensors",
	},
}

// LookupPreset returns a built-in preset by name.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

// PresetNames lists built-in presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset fills empty fields from the preset named in Eval.Preset.
// An empty preset name leaves the config untouched.
func (c *Config) ApplyPreset() error {
	if c.Eval.Preset == "" {
		return nil
	}
	p, ok := presets[c.Eval.Preset]
	if !ok {
		return errors.ConfigError(fmt.Sprintf("unknown preset %q (known: %v)", c.Eval.Preset, PresetNames()))
	}

	if len(c.Eval.Classes) == 0 {
		c.Eval.Classes = append([]string(nil), p.Classes...)
		// Template and casing belong to the preset's class list.
		if c.Eval.ClassTemplate == "" {
			c.Eval.ClassTemplate = p.ClassTemplate
			c.Eval.LowercaseClasses = c.Eval.LowercaseClasses || p.LowercaseClasses
		}
	}
	if c.Dataset.Modality == "" {
		c.Dataset.Modality = p.Modality
	}
	if c.Dataset.Path == "" {
		c.Dataset.Path = p.DatasetPath
	}
	if c.Dataset.Sessions == nil && p.Sessions != nil {
		c.Dataset.Sessions = append([]int64(nil), p.Sessions...)
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = p.CheckpointDir
		if c.Checkpoint.Postfix == "" {
			c.Checkpoint.Postfix = p.Postfix
		}
	}
	if len(c.Checkpoint.AdapterModalities) == 0 {
		c.Checkpoint.AdapterModalities = append([]string(nil), p.AdapterModalities...)
		if c.Checkpoint.LayerIdxs == nil && p.LayerIdxs != nil {
			c.Checkpoint.LayerIdxs = make(map[string][]int, len(p.LayerIdxs))
			for m, idxs := range p.LayerIdxs {
				c.Checkpoint.LayerIdxs[m] = append([]int(nil), idxs...)
			}
		}
	}
	return nil
}
