package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(errors.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zeroshot-eval",
		Short: "Zero-shot evaluation of ImageBind LoRA checkpoints",
		Long: `zeroshot-eval measures top-1 zero-shot classification accuracy of an
ImageBind model specialised with LoRA adapters, linear-probing heads or
neither, on a held-out sensor split.

Every class name is embedded as a text description; each sample is
assigned the description whose embedding is most similar to its own.

Examples:
  zeroshot-eval run --preset hhar                      # LoRA + heads, HHAR test split
  zeroshot-eval run --preset iemocap --heads=false     # LoRA only, scaled scores
  zeroshot-eval run --lora=false --linear-probing      # linear-probing heads
  zeroshot-eval history --preset hhar --limit 5        # past runs`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("preset", "p", "", "evaluation preset (iemocap, hhar)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		runCmd(),
		presetsCmd(),
		historyCmd(),
		eventsCmd(),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zeroshot-eval %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}
