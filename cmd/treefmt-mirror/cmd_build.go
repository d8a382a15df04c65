package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
)

func newBuildCmd() *cobra.Command {
	var (
		platforms    []string
		allPlatforms bool
		outputDir    string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "build <version>",
		Short: "Build wheels for one upstream release without publishing",
		Long: `Downloads the upstream asset of a release, verifies its checksum and packages
the binary as a wheel. Nothing is published or recorded.

Platforms: linux-x86_64, linux-aarch64, macos-x86_64, macos-arm64, or "current".`,
		Example: `  treefmt-mirror build 2.1.0
  treefmt-mirror build v2.1.0 --platform linux-aarch64
  treefmt-mirror build 2.1.0 --all-platforms --output-dir wheels`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if allPlatforms && len(platforms) > 0 {
				return fmt.Errorf("--platform and --all-platforms are mutually exclusive")
			}
			targets, err := resolvePlatforms(platforms, allPlatforms)
			if err != nil {
				return err
			}

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}

			version := strings.TrimPrefix(args[0], "v")
			release, err := a.newObserver().FindRelease(cmd.Context(), version)
			if err != nil {
				return err
			}

			builder := a.newBuilder(outputDir)
			var (
				artifacts []*entities.BuiltArtifact
				errs      []error
			)
			for _, target := range targets {
				artifact, err := builder.Build(cmd.Context(), release, target)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				artifacts = append(artifacts, artifact)
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), toBuilt(artifacts)); err != nil {
					return err
				}
			} else {
				for _, artifact := range artifacts {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %-14s %s\n",
						okStyle.Render("✓"), artifact.Target, artifact.Path)
				}
			}

			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringSliceVarP(&platforms, "platform", "p", nil, "Target platform (repeatable, default current)")
	cmd.Flags().BoolVar(&allPlatforms, "all-platforms", false, "Build every supported platform")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for built wheels (default build.output_dir)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output built artifacts as JSON")

	return cmd
}

// builtWheel is the JSON form of a built artifact
type builtWheel struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
}

func toBuilt(artifacts []*entities.BuiltArtifact) []builtWheel {
	out := make([]builtWheel, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, builtWheel{
			Platform: a.Target.String(),
			Version:  a.PackageVersion,
			Filename: a.Filename,
			Path:     a.Path,
			SHA256:   a.SHA256,
			Size:     a.Size,
		})
	}
	return out
}
