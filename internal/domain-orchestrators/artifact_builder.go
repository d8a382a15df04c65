// Package orchestrators coordinates complex workflows across multiple domain services.
package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces/gateways"
	"github.com/ochairo/treefmt-mirror/internal/domain/services"
)

// Downloader fetches an upstream archive into a local file
type Downloader interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

// ChecksumVerifier checks a file against its declared SHA-256
type ChecksumVerifier interface {
	VerifyChecksum(ctx context.Context, filePath, expectedSum string) error
}

// BinaryExtractor pulls the named executable out of an archive
type BinaryExtractor interface {
	ExtractBinary(archivePath string, format entities.ArchiveFormat, binaryName, destPath string) error
}

// BinaryInspector checks an extracted executable was built for its target
type BinaryInspector interface {
	InspectBinary(ctx context.Context, binaryPath string, target entities.PlatformTarget) error
}

// WheelPackager lays out a wheel around an executable
type WheelPackager interface {
	PackageWheel(ctx context.Context, binaryPath string, spec entities.WheelSpec, outputDir string) (*entities.BuiltArtifact, error)
}

// ArtifactBuilderConfig holds configuration for the builder
type ArtifactBuilderConfig struct {
	Platforms    []entities.PlatformSpec
	Package      entities.PackageSpec
	BinaryName   string
	OutputDir    string
	WorkspaceDir string // parent of per-build scratch directories; empty uses the OS temp dir
	Retry        services.RetryPolicy
	Inspector    BinaryInspector // optional
}

// ArtifactBuilder turns one upstream release asset into one platform wheel.
// It holds no state between builds.
type ArtifactBuilder struct {
	downloader Downloader
	verifier   ChecksumVerifier
	extractor  BinaryExtractor
	packager   WheelPackager
	cfg        ArtifactBuilderConfig
	logger     interfaces.Logger
}

// NewArtifactBuilder creates a new artifact builder
func NewArtifactBuilder(
	downloader Downloader,
	verifier ChecksumVerifier,
	extractor BinaryExtractor,
	packager WheelPackager,
	cfg ArtifactBuilderConfig,
	logger interfaces.Logger,
) *ArtifactBuilder {
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = entities.DefaultPlatformSpecs()
	}
	if cfg.BinaryName == "" {
		cfg.BinaryName = "treefmt"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "dist"
	}

	return &ArtifactBuilder{
		downloader: downloader,
		verifier:   verifier,
		extractor:  extractor,
		packager:   packager,
		cfg:        cfg,
		logger:     interfaces.OrNoOp(logger),
	}
}

// Build downloads, verifies and repackages the release asset for target.
// The scratch workspace is removed on every exit path.
func (b *ArtifactBuilder) Build(ctx context.Context, release *entities.UpstreamRelease, target entities.PlatformTarget) (*entities.BuiltArtifact, error) {
	version := release.Version
	platform := target.String()
	start := time.Now()

	// Step 1: Resolve the build strategy and the declared asset
	spec, ok := entities.LookupPlatformSpec(b.cfg.Platforms, target)
	if !ok {
		return nil, buildError(version, platform, fmt.Errorf("no build strategy for platform"))
	}
	asset, ok := release.Asset(target)
	if !ok {
		return nil, buildError(version, platform, fmt.Errorf("release has no asset for platform"))
	}
	if asset.SHA256 == "" {
		return nil, entities.NewIntegrityMismatch(version, platform,
			fmt.Errorf("no declared checksum for %s", asset.Name))
	}

	workspace, err := os.MkdirTemp(b.cfg.WorkspaceDir, fmt.Sprintf("build-%s-%s-*", version, platform))
	if err != nil {
		return nil, buildError(version, platform, fmt.Errorf("failed to create workspace: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			b.logger.Warn("Failed to remove build workspace",
				interfaces.F("path", workspace),
				interfaces.F("error", err.Error()))
		}
	}()

	// Step 2: Download with retry; integrity is checked afterwards and never retried
	archivePath := filepath.Join(workspace, filepath.Base(asset.Name))
	err = services.Retry(ctx, b.cfg.Retry, func(ctx context.Context) error {
		if _, err := b.downloader.Download(ctx, asset.DownloadURL, archivePath); err != nil {
			return fetchError(version, platform, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Step 3: Verify the archive against the declared checksum
	if err := b.verifier.VerifyChecksum(ctx, archivePath, asset.SHA256); err != nil {
		b.logger.Error("Upstream archive failed integrity check",
			interfaces.F("version", version),
			interfaces.F("platform", platform),
			interfaces.F("asset", asset.Name),
			interfaces.F("error", err.Error()))
		return nil, entities.NewIntegrityMismatch(version, platform, err)
	}

	// Step 4: Extract the executable
	format := spec.Format
	if format == "" {
		format = entities.DetectArchiveFormat(asset.Name)
	}
	binaryPath := filepath.Join(workspace, "bin", b.cfg.BinaryName)
	if err := os.MkdirAll(filepath.Dir(binaryPath), 0750); err != nil {
		return nil, buildError(version, platform, fmt.Errorf("failed to create binary directory: %w", err))
	}
	if err := b.extractor.ExtractBinary(archivePath, format, b.cfg.BinaryName, binaryPath); err != nil {
		return nil, buildError(version, platform, fmt.Errorf("failed to extract binary: %w", err))
	}

	if b.cfg.Inspector != nil {
		if err := b.cfg.Inspector.InspectBinary(ctx, binaryPath, target); err != nil {
			return nil, buildError(version, platform, fmt.Errorf("extracted binary does not match %s: %w", platform, err))
		}
	}

	// Step 5: Package the wheel
	wheel := entities.WheelSpec{
		Package:     b.cfg.Package,
		Version:     services.PackageVersion(version, b.cfg.Package.Revision),
		PlatformTag: spec.WheelTag,
		BinaryName:  b.cfg.BinaryName,
	}
	artifact, err := b.packager.PackageWheel(ctx, binaryPath, wheel, b.cfg.OutputDir)
	if err != nil {
		return nil, buildError(version, platform, fmt.Errorf("packaging failed: %w", err))
	}

	artifact.Version = version
	artifact.Target = target
	artifact.SourceSHA256 = asset.SHA256

	b.logger.Info("Built artifact",
		interfaces.F("version", version),
		interfaces.F("platform", platform),
		interfaces.F("filename", artifact.Filename),
		interfaces.F("sha256", artifact.SHA256),
		interfaces.F("duration", time.Since(start).String()))

	return artifact, nil
}

func buildError(version, platform string, err error) error {
	var me *entities.MirrorError
	if errors.As(err, &me) {
		return err
	}
	return &entities.MirrorError{Kind: entities.KindBuildFailed, Version: version, Platform: platform, Err: err}
}

// fetchError classifies a download failure for the retry policy
func fetchError(version, platform string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if gateways.IsTemporary(err) {
		return &entities.MirrorError{
			Kind:      entities.KindUpstreamUnavailable,
			Version:   version,
			Platform:  platform,
			Transient: true,
			Err:       err,
		}
	}
	return buildError(version, platform, fmt.Errorf("download failed: %w", err))
}
