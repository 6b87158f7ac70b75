// Package cli implements the cartstream command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/logging"
)

var (
	chdir        string
	noColor      bool
	logLevel     string
	stateFile    string
	pipelineVars map[string]string
)

var rootCmd = &cobra.Command{
	Use:   "cartstream",
	Short: "Declarative AWS data pipelines for e-commerce events",
	Long: `CartStream provisions and manages an AWS event pipeline from a single
typed Pkl declaration: Kinesis ingestion, Firehose delivery, an S3 event
archive, a Redshift warehouse, and the KMS, IAM, and CloudWatch plumbing
around them.

Declare the pipeline in pipeline.pkl, then:

  cartstream plan     preview the changes
  cartstream apply    converge the cloud to the declaration
  cartstream destroy  tear everything down`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if chdir != "" {
			if err := os.Chdir(chdir); err != nil {
				return fmt.Errorf("failed to change directory to %s: %w", chdir, err)
			}
		}
		logging.Init(logLevel)
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&chdir, "chdir", "", "Switch to this directory before running the command")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable ANSI color output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state-file", "", "Override the state file location")
	rootCmd.PersistentFlags().StringToStringVar(&pipelineVars, "var", nil, "Set a pipeline property (format: key=value), repeatable")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(taintCmd)
	rootCmd.AddCommand(untaintCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(fmtCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(sandboxCmd)
	rootCmd.AddCommand(forceUnlockCmd)
	rootCmd.AddCommand(versionCmd)
}
