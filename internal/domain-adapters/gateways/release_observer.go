package gateways

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces/gateways"
	"github.com/ochairo/treefmt-mirror/internal/domain/services"
)

// DefaultAssetTemplate is the upstream goreleaser archive naming
const DefaultAssetTemplate = "treefmt_{version}_{os}_{arch}.tar.gz"

// ObserverConfig configures the upstream release observer
type ObserverConfig struct {
	Owner              string
	Repo               string
	AssetTemplate      string
	Platforms          []entities.PlatformSpec
	IncludePrereleases bool
	Retry              services.RetryPolicy
}

// ReleaseObserver lists upstream releases that are candidates for mirroring.
// It is read-only.
type ReleaseObserver struct {
	github gateways.GitHubGateway
	cfg    ObserverConfig
	logger interfaces.Logger
}

// NewReleaseObserver creates an observer over the given GitHub gateway
func NewReleaseObserver(github gateways.GitHubGateway, cfg ObserverConfig, logger interfaces.Logger) *ReleaseObserver {
	if cfg.AssetTemplate == "" {
		cfg.AssetTemplate = DefaultAssetTemplate
	}
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = entities.DefaultPlatformSpecs()
	}
	return &ReleaseObserver{
		github: github,
		cfg:    cfg,
		logger: interfaces.OrNoOp(logger),
	}
}

// ListUnmirroredReleases returns releases strictly newer than lastKnownVersion,
// oldest first. An empty lastKnownVersion lists every release. A wrapper
// revision on lastKnownVersion is ignored.
func (o *ReleaseObserver) ListUnmirroredReleases(ctx context.Context, lastKnownVersion string) ([]*entities.UpstreamRelease, error) {
	var floor *services.Version
	if lastKnownVersion != "" {
		upstream, err := services.UpstreamVersion(lastKnownVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid last known version: %w", err)
		}
		v, err := services.ParseVersion(upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid last known version: %w", err)
		}
		floor = &v
	}

	raw, err := services.RetryValue(ctx, o.cfg.Retry, func(ctx context.Context) ([]*gateways.GitHubRelease, error) {
		releases, err := o.github.ListReleases(ctx, o.cfg.Owner, o.cfg.Repo)
		if err != nil {
			return nil, upstreamError(err)
		}
		return releases, nil
	})
	if err != nil {
		return nil, err
	}

	type candidate struct {
		version services.Version
		gh      *gateways.GitHubRelease
	}
	var candidates []candidate
	for _, gh := range raw {
		if gh.Draft {
			continue
		}
		v, err := services.ParseVersion(gh.TagName)
		if err != nil {
			o.logger.Warn("Skipping unparseable upstream tag",
				interfaces.F("tag", gh.TagName),
				interfaces.F("error", err.Error()))
			continue
		}
		if (gh.Prerelease || v.Prerelease != "") && !o.cfg.IncludePrereleases {
			continue
		}
		if floor != nil && v.Compare(*floor) <= 0 {
			continue
		}
		candidates = append(candidates, candidate{version: v, gh: gh})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].version.Compare(candidates[j].version) < 0
	})

	releases := make([]*entities.UpstreamRelease, 0, len(candidates))
	for _, c := range candidates {
		rel, err := o.toRelease(ctx, c.version, c.gh)
		if err != nil {
			return nil, err
		}
		releases = append(releases, rel)
	}

	o.logger.Debug("Listed upstream releases",
		interfaces.F("total", len(raw)),
		interfaces.F("candidates", len(releases)),
		interfaces.F("floor", lastKnownVersion))

	return releases, nil
}

// FindRelease returns one upstream release by version, drafts included
func (o *ReleaseObserver) FindRelease(ctx context.Context, version string) (*entities.UpstreamRelease, error) {
	v, err := services.ParseVersion(version)
	if err != nil {
		return nil, err
	}

	tag := "v" + v.String()
	gh, err := services.RetryValue(ctx, o.cfg.Retry, func(ctx context.Context) (*gateways.GitHubRelease, error) {
		rel, err := o.github.GetRelease(ctx, o.cfg.Owner, o.cfg.Repo, tag)
		if err != nil {
			if errors.Is(err, entities.ErrNotFound) {
				return nil, fmt.Errorf("upstream release %s: %w", tag, entities.ErrNotFound)
			}
			return nil, upstreamError(err)
		}
		return rel, nil
	})
	if err != nil {
		return nil, err
	}

	return o.toRelease(ctx, v, gh)
}

// toRelease maps a GitHub release onto the platform strategy table and
// resolves each asset's declared checksum.
func (o *ReleaseObserver) toRelease(ctx context.Context, v services.Version, gh *gateways.GitHubRelease) (*entities.UpstreamRelease, error) {
	rel := &entities.UpstreamRelease{
		Version:    v.String(),
		Tag:        gh.TagName,
		Draft:      gh.Draft,
		Prerelease: gh.Prerelease || v.Prerelease != "",
		Assets:     make(map[entities.PlatformTarget]entities.UpstreamAsset),
	}
	if gh.PublishedAt != "" {
		if t, err := time.Parse(time.RFC3339, gh.PublishedAt); err == nil {
			rel.PublishedAt = t
		}
	}

	byName := make(map[string]*gateways.GitHubAsset, len(gh.Assets))
	var checksumAsset *gateways.GitHubAsset
	for _, a := range gh.Assets {
		byName[a.Name] = a
		if strings.HasSuffix(a.Name, "checksums.txt") {
			checksumAsset = a
		}
	}

	var sums map[string]string
	for _, spec := range o.cfg.Platforms {
		name := spec.AssetName(o.cfg.AssetTemplate, rel.Version)
		a, ok := byName[name]
		if !ok {
			o.logger.Warn("Upstream release has no asset for platform",
				interfaces.F("version", rel.Version),
				interfaces.F("platform", spec.Target.String()),
				interfaces.F("asset", name))
			continue
		}

		digest := NormalizeDigest(a.Digest)
		if digest == "" && checksumAsset != nil {
			if sums == nil {
				var err error
				sums, err = o.fetchChecksums(ctx, checksumAsset)
				if err != nil {
					return nil, err
				}
			}
			digest = sums[name]
		}

		rel.Assets[spec.Target] = entities.UpstreamAsset{
			Name:        a.Name,
			DownloadURL: a.BrowserDownloadURL,
			SHA256:      digest,
			Size:        a.Size,
		}
	}

	return rel, nil
}

func (o *ReleaseObserver) fetchChecksums(ctx context.Context, asset *gateways.GitHubAsset) (map[string]string, error) {
	data, err := services.RetryValue(ctx, o.cfg.Retry, func(ctx context.Context) ([]byte, error) {
		data, err := o.github.DownloadAsset(ctx, asset.BrowserDownloadURL)
		if err != nil {
			return nil, upstreamError(err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	sums, err := ParseChecksums(bytes.NewReader(data))
	if err != nil {
		o.logger.Warn("Ignoring malformed upstream checksums file",
			interfaces.F("asset", asset.Name),
			interfaces.F("error", err.Error()))
		return map[string]string{}, nil
	}
	return sums, nil
}

// upstreamError classifies a GitHub failure; only temporary failures are retryable
func upstreamError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &entities.MirrorError{
		Kind:      entities.KindUpstreamUnavailable,
		Transient: gateways.IsTemporary(err),
		Err:       err,
	}
}
