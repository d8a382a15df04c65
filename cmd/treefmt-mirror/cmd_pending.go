package main

import (
	"fmt"

	"github.com/spf13/cobra"

	orchestrators "github.com/ochairo/treefmt-mirror/internal/domain-orchestrators"
)

func newPendingCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List upstream releases that are not mirrored yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			store, err := a.newStore()
			if err != nil {
				return err
			}
			pipeline, err := a.newPipeline(store)
			if err != nil {
				return err
			}
			return printPending(cmd, a, pipeline, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	return cmd
}

func printPending(cmd *cobra.Command, a *app, pipeline *orchestrators.PipelineOrchestrator, jsonOutput bool) error {
	releases, err := pipeline.Plan(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), toPending(releases))
	}

	baseline, _ := a.cfg.Baseline()
	fmt.Fprint(cmd.OutOrStdout(), renderPending(releases, baseline))
	return nil
}
