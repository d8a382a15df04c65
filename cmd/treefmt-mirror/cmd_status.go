package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
)

func newStatusCmd() *cobra.Command {
	var (
		jsonOutput bool
		history    string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show mirrored releases and in-flight claims",
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
			ctx := cmd.Context()

			if history != "" {
				version := strings.TrimPrefix(history, "v")
				entries, err := store.Journal(ctx, version)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderJournal(version, entries))
				return nil
			}

			records, err := store.List(ctx)
			if err != nil {
				return err
			}
			claims, err := store.Claims(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), struct {
					Records []*entities.MirrorRecord `json:"records"`
					Claims  []*entities.Claim        `json:"claims"`
				}{records, claims})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(records, claims, time.Now()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().StringVar(&history, "history", "", "Show the attempt history of one version")

	return cmd
}
