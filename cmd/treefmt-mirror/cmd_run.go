package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// errRunFailed signals a run that finished with at least one failed release
var errRunFailed = errors.New("run finished with failed releases")

func newRunCmd() *cobra.Command {
	var (
		dryRun     bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Mirror every pending upstream release",
		Long: `Lists upstream releases newer than the baseline that have not been mirrored,
then builds, publishes and records each of them, oldest first.

A release whose platforms do not all build is not published at all. A release
that fails after publishing stays claimable and is resumed by the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if !dryRun {
				if err := a.cfg.ValidateForPublish(); err != nil {
					return err
				}
			}

			store, err := a.newStore()
			if err != nil {
				return err
			}
			pipeline, err := a.newPipeline(store)
			if err != nil {
				return err
			}

			if dryRun {
				return printPending(cmd, a, pipeline, jsonOutput)
			}

			report, runErr := pipeline.Run(cmd.Context())

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), renderReport(report))
			}

			if runErr != nil {
				return runErr
			}
			if report.Failed() {
				return errRunFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List what would be mirrored without building or publishing")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the run report as JSON")

	return cmd
}
