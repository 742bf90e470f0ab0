package config

import (
	"strings"

	"github.com/ricesearch/zeroshot-eval/internal/lora"
	"github.com/ricesearch/zeroshot-eval/internal/modality"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// Mode is the fine-tuning mode a run evaluates.
type Mode string

const (
	ModeNone          Mode = "none"
	ModeLinearProbing Mode = "linear_probing"
	ModeLoRA          Mode = "lora"
)

// RunConfig is the resolved, self-contained input of one evaluation run.
// Resolve hands out fresh copies of every slice and map, so runs never
// share state with each other or with the Config they came from.
type RunConfig struct {
	Preset           string
	Mode             Mode
	LoadHeadPostProc bool
	Scale            float64
	Labels           []string // class names, index = dataset label
	Descriptions     []string // text fed to the text trunk, same order as Labels
	Modality         modality.Type
	BatchSize        int
	Workers          int
	Device           string
	CheckpointDir    string
	HeadsDir         string
	Postfix          string
	Adapters         lora.Plan
}

// Resolve validates the config and derives the run configuration.
func (c *Config) Resolve() (RunConfig, error) {
	if err := c.Validate(); err != nil {
		return RunConfig{}, err
	}

	mode := ModeNone
	switch {
	case c.Eval.LoRA:
		mode = ModeLoRA
	case c.Eval.LinearProbing:
		mode = ModeLinearProbing
	}

	sensor, err := modality.Parse(c.Dataset.Modality)
	if err != nil {
		return RunConfig{}, errors.ConfigError(err.Error())
	}

	rc := RunConfig{
		Preset:           c.Eval.Preset,
		Mode:             mode,
		LoadHeadPostProc: c.Eval.LoadHeadPostProcFinetuned,
		Scale:            c.CompensationFactor(),
		Labels:           append([]string(nil), c.Eval.Classes...),
		Descriptions:     c.Descriptions(),
		Modality:         sensor,
		BatchSize:        c.Eval.BatchSize,
		Workers:          c.Eval.Workers,
		Device:           c.ML.Device,
		CheckpointDir:    c.Checkpoint.Dir,
		HeadsDir:         c.Checkpoint.HeadsDir,
		Postfix:          c.Checkpoint.Postfix,
	}
	if rc.HeadsDir == "" {
		rc.HeadsDir = rc.CheckpointDir
	}

	if mode == ModeLoRA {
		plan, err := c.plan()
		if err != nil {
			return RunConfig{}, err
		}
		rc.Adapters = plan
	}

	return rc, nil
}

// Descriptions renders the class list through the template.
func (c *Config) Descriptions() []string {
	out := make([]string, len(c.Eval.Classes))
	for i, cl := range c.Eval.Classes {
		if c.Eval.LowercaseClasses {
			cl = strings.ToLower(cl)
		}
		if c.Eval.ClassTemplate != "" {
			cl = strings.ReplaceAll(c.Eval.ClassTemplate, "{}", cl)
		}
		out[i] = cl
	}
	return out
}

func (c *Config) plan() (lora.Plan, error) {
	mods := make([]modality.Type, 0, len(c.Checkpoint.AdapterModalities))
	for _, name := range c.Checkpoint.AdapterModalities {
		m, err := modality.Parse(name)
		if err != nil {
			return lora.Plan{}, errors.ConfigError(err.Error())
		}
		mods = append(mods, m)
	}

	var idxs map[modality.Type][]int
	if c.Checkpoint.LayerIdxs != nil {
		idxs = make(map[modality.Type][]int, len(c.Checkpoint.LayerIdxs))
		for name, layers := range c.Checkpoint.LayerIdxs {
			m, err := modality.Parse(name)
			if err != nil {
				return lora.Plan{}, errors.ConfigError(err.Error())
			}
			idxs[m] = append([]int(nil), layers...)
		}
	}

	plan := lora.Plan{Rank: c.Checkpoint.Rank, LayerIdxs: idxs, Modalities: mods}
	if err := plan.Validate(); err != nil {
		return lora.Plan{}, errors.ConfigError(err.Error())
	}
	return plan, nil
}

// Clone returns a deep copy of rc.
func (rc RunConfig) Clone() RunConfig {
	out := rc
	out.Labels = append([]string(nil), rc.Labels...)
	out.Descriptions = append([]string(nil), rc.Descriptions...)
	out.Adapters = rc.Adapters.Clone()
	return out
}

// NumClasses returns the number of target classes.
func (rc RunConfig) NumClasses() int {
	return len(rc.Labels)
}
