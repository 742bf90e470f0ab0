package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/zeroshot-eval/internal/config"
	"github.com/ricesearch/zeroshot-eval/internal/events"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/logger"
	"github.com/ricesearch/zeroshot-eval/internal/results"
)

func presetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List built-in evaluation presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMODALITY\tCLASSES\tCHECKPOINTS\tDESCRIPTION")
			for _, name := range config.PresetNames() {
				p, _ := config.LookupPreset(name)
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", p.Name, p.Modality, len(p.Classes), p.CheckpointDir, p.Description)
			}
			return w.Flush()
		},
	}
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored evaluation runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Results.Store == "none" {
				return errors.ConfigError("no results store configured (set results.store or ZS_RESULTS_STORE)")
			}

			store, err := results.Open(cmd.Context(), cfg.Results)
			if err != nil {
				return err
			}
			defer store.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")
			preset := ""
			if !all {
				preset = cfg.Eval.Preset
			}

			recs, err := store.List(cmd.Context(), preset, limit)
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tPRESET\tMODE\tACCURACY\tCORRECT/TOTAL\tMACRO F1\tRUN")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.3f%%\t%d/%d\t%.3f\t%s\n",
					r.StartedAt.Local().Format(time.DateTime), r.Preset, r.Mode,
					r.Accuracy*100, r.Correct, r.Total, r.MacroF1, r.RunID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int("limit", 20, "maximum number of runs")
	cmd.Flags().Bool("all", false, "list runs of every preset")
	cmd.Flags().Bool("json", false, "print records as JSON")
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect or replay the run event journal",
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print journaled events",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := journalPath(cmd)
			if err != nil {
				return err
			}
			since, _ := cmd.Flags().GetDuration("since")
			runID, _ := cmd.Flags().GetString("run")
			limit, _ := cmd.Flags().GetInt("limit")

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			entries, err := events.ReadJournal(path, from, runID, limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	tail.Flags().Duration("since", 0, "only events newer than this")
	tail.Flags().String("run", "", "only events of this run ID")
	tail.Flags().Int("limit", 0, "stop after N events")

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Republish journaled events to the configured publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, err := journalPath(cmd)
			if err != nil {
				return err
			}
			since, _ := cmd.Flags().GetDuration("since")

			// Replaying into a journaled publisher would append to the file being read.
			target := cfg.Events
			target.LogPath = ""
			if strings.EqualFold(target.Type, "none") || target.Type == "" {
				return errors.ConfigError("replay needs an events type (memory or kafka)")
			}

			log := logger.New(cfg.Log.Level, cfg.Log.Format)
			pub, err := events.NewPublisher(target, log)
			if err != nil {
				return err
			}
			defer pub.Close()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			return events.Replay(cmd.Context(), path, pub, from)
		},
	}
	replay.Flags().Duration("since", 0, "only events newer than this")

	cmd.PersistentFlags().String("journal", "", "journal path (defaults to events.log_path)")
	cmd.AddCommand(tail, replay)
	return cmd
}

func journalPath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("journal"); p != "" {
		return p, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Events.LogPath == "" {
		return "", errors.ConfigError("no event journal configured (use --journal or events.log_path)")
	}
	return cfg.Events.LogPath, nil
}
