package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "treefmt-mirror",
		Short: "Mirror treefmt releases to PyPI as platform wheels",
		Long: `treefmt-mirror watches numtide/treefmt for new releases, repackages each
release binary as a Python wheel per platform, publishes the wheels to the
package index and records the release as a tag in the mirroring repository.

A release is recorded only after every platform was published.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default mirror.yaml when present)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newPendingCmd(),
		newBuildCmd(),
		newStatusCmd(),
		newVerifyCmd(),
	)

	return rootCmd
}
