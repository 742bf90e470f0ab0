package main

import (
	"context"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/zeroshot-eval/internal/checkpoint"
	"github.com/ricesearch/zeroshot-eval/internal/config"
	"github.com/ricesearch/zeroshot-eval/internal/dataset"
	"github.com/ricesearch/zeroshot-eval/internal/evaluation"
	"github.com/ricesearch/zeroshot-eval/internal/events"
	"github.com/ricesearch/zeroshot-eval/internal/metrics"
	"github.com/ricesearch/zeroshot-eval/internal/model"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/logger"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/security"
	"github.com/ricesearch/zeroshot-eval/internal/results"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a checkpoint on the held-out split",
		Long: `Assemble the model for the selected fine-tuning mode, score every batch of
the held-out split against the class descriptions and print the top-1
accuracy.

Modes:
  --lora (default)        LoRA adapters, plus heads and postprocessors
                          unless --heads=false
  --linear-probing        linear-probing heads only
  --lora=false            the pretrained model as is

Configuration is read from defaults, the preset, the config file and ZS_*
environment variables, in that order; flags override all of them.`,
		RunE: runEval,
	}

	cmd.Flags().Bool("lora", true, "evaluate LoRA adapters")
	cmd.Flags().Bool("linear-probing", false, "evaluate linear-probing heads")
	cmd.Flags().Bool("heads", true, "load fine-tuned heads and postprocessors with LoRA")
	cmd.Flags().String("checkpoint-dir", "", "checkpoint directory (overrides config)")
	cmd.Flags().String("heads-dir", "", "heads and postprocessors directory (defaults to checkpoint dir)")
	cmd.Flags().String("dataset", "", "held-out split path (overrides config)")
	cmd.Flags().Int("batch-size", 0, "evaluation batch size (overrides config)")
	cmd.Flags().String("device", "", "device: auto, cpu, cuda, cuda:N (overrides config)")
	cmd.Flags().String("metrics-file", "", "write Prometheus metrics to this file after the run")
	cmd.Flags().Bool("save", true, "store the run in the configured results store")

	return cmd
}

// flagOverrides maps changed flags onto the config.
func flagOverrides(cmd *cobra.Command) func(*config.Config) {
	flags := cmd.Flags()
	return func(c *config.Config) {
		if flags.Changed("lora") {
			c.Eval.LoRA, _ = flags.GetBool("lora")
		}
		if flags.Changed("linear-probing") {
			c.Eval.LinearProbing, _ = flags.GetBool("linear-probing")
			// Selecting linear probing alone implies the LoRA default is off.
			if c.Eval.LinearProbing && !flags.Changed("lora") {
				c.Eval.LoRA = false
			}
		}
		if flags.Changed("heads") {
			c.Eval.LoadHeadPostProcFinetuned, _ = flags.GetBool("heads")
		}
		if v, _ := flags.GetString("checkpoint-dir"); v != "" {
			c.Checkpoint.Dir = v
		}
		if v, _ := flags.GetString("heads-dir"); v != "" {
			c.Checkpoint.HeadsDir = v
		}
		if v, _ := flags.GetString("dataset"); v != "" {
			c.Dataset.Path = v
		}
		if v, _ := flags.GetInt("batch-size"); flags.Changed("batch-size") {
			c.Eval.BatchSize = v
		}
		if v, _ := flags.GetString("device"); v != "" {
			c.ML.Device = v
		}
		if v, _ := flags.GetString("metrics-file"); v != "" {
			c.Metrics.File = v
		}
		if v, _ := flags.GetBool("verbose"); v {
			c.Log.Level = "debug"
		}
	}
}

func loadConfig(cmd *cobra.Command, overrides ...func(*config.Config)) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	preset, _ := cmd.Flags().GetString("preset")
	return config.LoadWith(configPath, preset, overrides...)
}

func runEval(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, flagOverrides(cmd))
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	rc, err := cfg.Resolve()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	m := metrics.New()
	defer func() {
		if cfg.Metrics.File == "" {
			return
		}
		if err := m.WriteFile(cfg.Metrics.File); err != nil {
			log.Warn("failed to write metrics", "path", cfg.Metrics.File, "error", err.Error())
		}
	}()

	log.Info("starting evaluation",
		"version", version,
		"preset", rc.Preset,
		"mode", string(rc.Mode),
		"heads", rc.LoadHeadPostProc,
		"scale", rc.Scale,
		"backend", cfg.ML.Backend,
		"ml_url", security.MaskURL(cfg.ML.URL),
		"results", cfg.Results.Store,
		"events", cfg.Events.Type,
	)

	mdl, err := assemble(ctx, cfg, rc, m, log)
	if err != nil {
		return err
	}
	defer mdl.Close()

	ds, err := dataset.Open(dataset.Options{
		Format:   cfg.Dataset.Format,
		Path:     cfg.Dataset.Path,
		Sessions: cfg.Dataset.Sessions,
		Shape:    cfg.Dataset.Shape,
	})
	if err != nil {
		return err
	}
	batches, err := dataset.NewLoader(ds, rc.BatchSize, rc.Workers)
	if err != nil {
		return err
	}

	pub, err := events.NewPublisher(cfg.Events, log)
	if err != nil {
		return err
	}
	pub = events.NewInstrumentedPublisher(pub, m)
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("failed to close event publisher", "error", err.Error())
		}
	}()

	ev, err := evaluation.New(rc, mdl, batches,
		evaluation.WithLogger(log),
		evaluation.WithPublisher(pub, cfg.Events.Topic),
		evaluation.WithMetrics(m),
		evaluation.WithDevice(mdl.Device()),
	)
	if err != nil {
		return err
	}

	res, err := ev.Run(ctx)
	if err != nil {
		return err
	}
	cache := mdl.Cache().Stats()
	log.Debug("text cache", "size", cache.Size, "max_size", cache.MaxSize)

	if save, _ := cmd.Flags().GetBool("save"); save {
		saveResult(cfg.Results, results.NewRecord(res, rc.CheckpointDir), log)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Model Performance: %v\n", res.Accuracy)
	return nil
}

func assemble(ctx context.Context, cfg *config.Config, rc config.RunConfig, m *metrics.Metrics, log *logger.Logger) (*model.Model, error) {
	backend, err := model.NewBackend(cfg.ML)
	if err != nil {
		return nil, err
	}

	var loader checkpoint.Loader
	if rc.Mode != config.ModeNone {
		loader = checkpoint.NewFileStore(rc.CheckpointDir, rc.Postfix, checkpoint.WithModuleDir(rc.HeadsDir))
	}

	cache := model.NewTextCache(cfg.ML.TextCacheSize)
	cache.SetMetrics(m)

	mdl, err := model.Assemble(ctx, rc, backend, loader, log, model.WithTextCache(cache))
	if err != nil {
		backend.Close()
		return nil, err
	}
	return mdl, nil
}

// saveResult stores a finished run. Storage failures are logged, the
// accuracy is still reported.
func saveResult(cfg config.ResultsConfig, rec results.Record, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := results.Open(ctx, cfg)
	if err != nil {
		log.Warn("results store unavailable",
			"store", cfg.Store,
			"redis_url", security.MaskURL(cfg.RedisURL),
			"error", err.Error(),
		)
		return
	}
	defer store.Close()

	if err := store.Save(ctx, rec); err != nil {
		log.Warn("failed to save run", "run_id", rec.RunID, "error", err.Error())
		return
	}
	log.Debug("saved run", "run_id", rec.RunID, "store", cfg.Store)
}
