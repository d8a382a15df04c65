package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	adapters "github.com/ochairo/treefmt-mirror/internal/domain-adapters/gateways"
	orchestrators "github.com/ochairo/treefmt-mirror/internal/domain-orchestrators"
	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces/gateways"
)

func newVerifyCmd() *cobra.Command {
	var (
		keyPath  string
		wheelDir string
	)

	cmd := &cobra.Command{
		Use:   "verify <version>",
		Short: "Verify the signed manifest of a mirrored release",
		Long: `Downloads SHA256SUMS and SHA256SUMS.asc from the mirror release of a version,
checks the signature against a public key and compares the manifest with the
local mirror record and, when given, a directory of wheels.`,
		Example: `  treefmt-mirror verify 2.1.0 --key mirror-signing.pub.asc
  treefmt-mirror verify 2.1.0 --key mirror-signing.pub.asc --wheels dist`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if a.cfg.MirrorOwner() == "" || a.cfg.MirrorRepo() == "" {
				return fmt.Errorf("mirror.owner and mirror.repo must be set")
			}
			version := strings.TrimPrefix(args[0], "v")
			return executeVerify(cmd.Context(), cmd.OutOrStdout(), a, version, keyPath, wheelDir)
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "Armored or binary public key of the mirror signer")
	cmd.Flags().StringVar(&wheelDir, "wheels", "", "Directory of wheels to check against the manifest")

	return cmd
}

func executeVerify(ctx context.Context, out io.Writer, a *app, version, keyPath, wheelDir string) error {
	verified := 0
	failed := 0
	check := func(name string, err error) {
		if err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", failStyle.Render("x"), name, err)
			failed++
			return
		}
		fmt.Fprintf(out, "%s %s\n", okStyle.Render("✓"), name)
		verified++
	}

	fmt.Fprintln(out, titleStyle.Render("Verifying mirror release v"+version))

	manifest, signature, err := fetchManifest(ctx, a, version)
	if err != nil {
		return err
	}

	if keyPath != "" {
		check("manifest signature", verifySignature(manifest, signature, keyPath))
	} else {
		fmt.Fprintln(out, mutedStyle.Render("- signature not checked (no --key)"))
	}

	entries, err := parseManifest(manifest)
	check("manifest format", err)
	if err != nil {
		return fmt.Errorf("%d verification checks failed", failed)
	}

	store, err := a.newStore()
	if err != nil {
		return err
	}
	record, err := store.Get(ctx, version)
	switch {
	case errors.Is(err, entities.ErrNotFound):
		fmt.Fprintln(out, mutedStyle.Render("- no local mirror record"))
	case err != nil:
		return err
	default:
		check("mirror record matches manifest", compareRecord(record, entries))
	}

	if wheelDir != "" {
		wheels, err := adapters.NewArtifactFinder().FindWheels(wheelDir, a.cfg.Package().Name, version)
		if err != nil {
			return err
		}
		local := make(map[string]string, len(wheels))
		for _, path := range wheels {
			local[filepath.Base(path)] = path
		}

		verifier := adapters.NewChecksumVerifier()
		for _, name := range sortedKeys(entries) {
			path, ok := local[name]
			if !ok {
				check(name, fmt.Errorf("not found in %s", wheelDir))
				continue
			}
			check(name, verifier.VerifyChecksum(ctx, path, entries[name]))
			delete(local, name)
		}
		for _, name := range sortedKeys(local) {
			check(name, fmt.Errorf("not listed in %s", orchestrators.ManifestAssetName))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d verification checks failed", failed)
	}
	if verified == 0 {
		return fmt.Errorf("no verification checks performed")
	}
	return nil
}

// fetchManifest downloads SHA256SUMS and its signature, if any, from the mirror release
func fetchManifest(ctx context.Context, a *app, version string) ([]byte, []byte, error) {
	owner, repo := a.cfg.MirrorOwner(), a.cfg.MirrorRepo()

	rel, err := a.github.GetRelease(ctx, owner, repo, "v"+version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get mirror release v%s: %w", version, err)
	}
	assets, err := a.github.ListReleaseAssets(ctx, owner, repo, rel.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list mirror release assets: %w", err)
	}

	var manifestAsset, signatureAsset *gateways.GitHubAsset
	for _, asset := range assets {
		switch asset.Name {
		case orchestrators.ManifestAssetName:
			manifestAsset = asset
		case orchestrators.SignatureAssetName:
			signatureAsset = asset
		}
	}
	if manifestAsset == nil {
		return nil, nil, fmt.Errorf("mirror release v%s has no %s", version, orchestrators.ManifestAssetName)
	}

	manifest, err := a.github.DownloadAsset(ctx, manifestAsset.BrowserDownloadURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download %s: %w", manifestAsset.Name, err)
	}
	if signatureAsset == nil {
		return manifest, nil, nil
	}
	signature, err := a.github.DownloadAsset(ctx, signatureAsset.BrowserDownloadURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download %s: %w", signatureAsset.Name, err)
	}
	return manifest, signature, nil
}

func verifySignature(manifest, signature []byte, keyPath string) error {
	verifier, err := adapters.NewGPGVerifier(keyPath)
	if err != nil {
		return err
	}
	_, err = verifier.VerifyManifest(manifest, signature)
	return err
}

// parseManifest reads "<sha256>  <filename>" lines into filename -> digest
func parseManifest(data []byte) (map[string]string, error) {
	entries := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 || len(fields[0]) != 64 {
			return nil, fmt.Errorf("line %d: malformed entry %q", line, text)
		}
		name := strings.TrimPrefix(fields[1], "*")
		if _, dup := entries[name]; dup {
			return nil, fmt.Errorf("line %d: duplicate entry for %s", line, name)
		}
		entries[name] = strings.ToLower(fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest is empty")
	}
	return entries, nil
}

func compareRecord(record *entities.MirrorRecord, entries map[string]string) error {
	if len(record.Artifacts) != len(entries) {
		return fmt.Errorf("record lists %d wheels, manifest %d", len(record.Artifacts), len(entries))
	}
	for _, artifact := range record.Artifacts {
		digest, ok := entries[artifact.Filename]
		if !ok {
			return fmt.Errorf("%s missing from manifest", artifact.Filename)
		}
		if !strings.EqualFold(digest, artifact.SHA256) {
			return fmt.Errorf("%s digest differs from record", artifact.Filename)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
