package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ochairo/treefmt-mirror/internal/config"
	adapters "github.com/ochairo/treefmt-mirror/internal/domain-adapters/gateways"
	orchestrators "github.com/ochairo/treefmt-mirror/internal/domain-orchestrators"
	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces"
	"github.com/ochairo/treefmt-mirror/internal/domain/services"
	"github.com/ochairo/treefmt-mirror/internal/external-adapters/gpg"
	logadapter "github.com/ochairo/treefmt-mirror/internal/external-adapters/logrus"
	"github.com/ochairo/treefmt-mirror/internal/external-adapters/yaml"
)

// app holds the loaded configuration and the adapters shared by commands
type app struct {
	cfg    *config.Config
	logger *logadapter.Logger
	github *adapters.HTTPGitHubGateway
	retry  services.RetryPolicy
}

func loadApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := logadapter.New(logrus.StandardLogger())
	return &app{
		cfg:    cfg,
		logger: logger,
		github: adapters.NewHTTPGitHubGateway(cfg.GitHubToken(), cfg.GitHubAPIURL(), logger),
		retry:  cfg.RetryPolicy(),
	}, nil
}

func (a *app) newObserver() *adapters.ReleaseObserver {
	return adapters.NewReleaseObserver(a.github, adapters.ObserverConfig{
		Owner:              a.cfg.UpstreamOwner(),
		Repo:               a.cfg.UpstreamRepo(),
		AssetTemplate:      a.cfg.AssetTemplate(),
		Platforms:          entities.DefaultPlatformSpecs(),
		IncludePrereleases: a.cfg.IncludePrereleases(),
		Retry:              a.retry,
	}, a.logger)
}

func (a *app) newBuilder(outputDir string) *orchestrators.ArtifactBuilder {
	if outputDir == "" {
		outputDir = a.cfg.OutputDir()
	}
	return orchestrators.NewArtifactBuilder(
		adapters.NewDownloader(a.logger),
		adapters.NewChecksumVerifier(),
		adapters.NewBinaryExtractor(),
		adapters.NewPackager(),
		orchestrators.ArtifactBuilderConfig{
			Platforms:    entities.DefaultPlatformSpecs(),
			Package:      a.cfg.Package(),
			BinaryName:   a.cfg.BinaryName(),
			OutputDir:    outputDir,
			WorkspaceDir: a.cfg.WorkspaceDir(),
			Retry:        a.retry,
			Inspector:    adapters.NewBinaryAnalyzerGateway(),
		},
		a.logger,
	)
}

func (a *app) newStore() (*yaml.MirrorStore, error) {
	store, err := yaml.NewMirrorStore(a.cfg.StateDir(), a.cfg.ClaimTTL())
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror state: %w", err)
	}
	return store, nil
}

// newSigner returns nil when no signing key is configured
func (a *app) newSigner() (orchestrators.ManifestSigner, error) {
	keyPath := a.cfg.SigningKeyPath()
	if keyPath == "" {
		a.logger.Warn("No signing key configured, SHA256SUMS will not be signed")
		return nil, nil
	}
	signer, err := gpg.NewSigner(keyPath, a.cfg.SigningPassphrase())
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	a.logger.Info("Loaded signing key", interfaces.F("fingerprint", signer.Fingerprint()))
	return signer, nil
}

func (a *app) newPipeline(store *yaml.MirrorStore) (*orchestrators.PipelineOrchestrator, error) {
	baseline, err := a.cfg.Baseline()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve baseline version: %w", err)
	}

	signer, err := a.newSigner()
	if err != nil {
		return nil, err
	}

	index := adapters.NewPyPIIndex(adapters.PyPIConfig{
		UploadURL:  a.cfg.IndexUploadURL(),
		JSONURL:    a.cfg.IndexJSONURL(),
		ProjectURL: a.cfg.IndexProjectURL(),
		Username:   a.cfg.IndexUsername(),
		Password:   a.cfg.IndexPassword(),
	})
	platforms := entities.SupportedPlatforms()

	recorder := orchestrators.NewMirrorRecorder(
		a.github,
		services.NewCoverageService(platforms),
		signer,
		orchestrators.RecorderConfig{
			Owner:  a.cfg.MirrorOwner(),
			Repo:   a.cfg.MirrorRepo(),
			Branch: a.cfg.MirrorBranch(),
			Retry:  a.retry,
		},
		a.logger,
	)

	return orchestrators.NewPipelineOrchestrator(
		a.newObserver(),
		a.newBuilder(""),
		orchestrators.NewPublisher(index, a.cfg.Package().Name, a.retry, a.logger),
		recorder,
		store,
		orchestrators.PipelineConfig{
			Baseline:  baseline,
			Platforms: platforms,
		},
		a.logger,
	), nil
}
