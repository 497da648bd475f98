// Package cmd implements the bisync command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/config.yaml"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "bisync",
		Short: "Bidirectional sync between a local folder and an S3 bucket",
		Long: `bisync keeps a local folder and an S3-compatible bucket in step.
Each pass walks both sides, compares them with the journal of the last
successful sync, and propagates new files, edits, deletions and folder
renames in both directions. Conflicting edits keep both versions.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config.yaml")

	root.AddCommand(
		newRunCmd(opts),
		newOnceCmd(opts),
		newJournalCmd(opts),
	)
	return root
}

// Execute 运行命令行
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
