package orchestrators

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces/gateways"
	"github.com/ochairo/treefmt-mirror/internal/domain/services"
	"github.com/ochairo/treefmt-mirror/internal/external-adapters/toml"
)

// Release asset names written next to every mirrored release
const (
	ManifestAssetName  = "SHA256SUMS"
	SignatureAssetName = "SHA256SUMS.asc"
)

// ManifestSigner produces an armored detached signature
type ManifestSigner interface {
	SignDetached(data []byte) ([]byte, error)
}

// RecorderConfig holds configuration for the mirror recorder
type RecorderConfig struct {
	Owner  string
	Repo   string
	Branch string
	Retry  services.RetryPolicy
}

// MirrorRecorder creates the tag and release in the mirroring repository
type MirrorRecorder struct {
	github   gateways.GitHubGateway
	coverage *services.CoverageService
	signer   ManifestSigner
	cfg      RecorderConfig
	logger   interfaces.Logger
}

// NewMirrorRecorder creates a recorder; signer may be nil to skip SHA256SUMS.asc
func NewMirrorRecorder(
	github gateways.GitHubGateway,
	coverage *services.CoverageService,
	signer ManifestSigner,
	cfg RecorderConfig,
	logger interfaces.Logger,
) *MirrorRecorder {
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	return &MirrorRecorder{
		github:   github,
		coverage: coverage,
		signer:   signer,
		cfg:      cfg,
		logger:   interfaces.OrNoOp(logger),
	}
}

// RecordMirrored tags the mirror repository and creates its release.
// It refuses to record anything unless every required platform was published.
// Every step tolerates a previous partial attempt.
func (r *MirrorRecorder) RecordMirrored(ctx context.Context, release *entities.UpstreamRelease, results []*entities.PublishResult) error {
	version := release.Version

	artifacts := make([]*entities.BuiltArtifact, 0, len(results))
	for _, res := range results {
		if res != nil && res.Artifact != nil {
			artifacts = append(artifacts, res.Artifact)
		}
	}
	report := r.coverage.Validate(version, artifacts)
	if !report.IsComplete() {
		if report.Status == services.CoveragePartial || report.Status == services.CoverageEmpty {
			return entities.NewPartialCoverage(version, report.Missing())
		}
		return recordError(version, fmt.Errorf("%s", report.ErrorMessage()))
	}

	tag := release.MirrorTag()

	ghRelease, err := r.ensureRelease(ctx, release, tag, results)
	if err != nil {
		return err
	}

	if err := r.ensureManifest(ctx, version, ghRelease, results); err != nil {
		return err
	}

	r.logger.Info("Recorded mirrored release",
		interfaces.F("version", version),
		interfaces.F("tag", tag),
		interfaces.F("url", ghRelease.HTMLURL))
	return nil
}

// ensureRelease returns the release for tag, creating the tag and release when missing
func (r *MirrorRecorder) ensureRelease(ctx context.Context, release *entities.UpstreamRelease, tag string, results []*entities.PublishResult) (*gateways.GitHubRelease, error) {
	version := release.Version

	existing, err := services.RetryValue(ctx, r.cfg.Retry, func(ctx context.Context) (*gateways.GitHubRelease, error) {
		rel, err := r.github.GetRelease(ctx, r.cfg.Owner, r.cfg.Repo, tag)
		if errors.Is(err, entities.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, r.classify(version, fmt.Errorf("failed to look up release %s: %w", tag, err))
		}
		return rel, nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		r.logger.Debug("Mirror release already exists", interfaces.F("tag", tag))
		return existing, nil
	}

	if err := r.ensureTag(ctx, release, tag, results); err != nil {
		return nil, err
	}

	return services.RetryValue(ctx, r.cfg.Retry, func(ctx context.Context) (*gateways.GitHubRelease, error) {
		rel, err := r.github.CreateRelease(ctx, r.cfg.Owner, r.cfg.Repo, &gateways.GitHubRelease{
			TagName:    tag,
			Name:       tag,
			Body:       ReleaseBody(release, results),
			Prerelease: release.Prerelease,
		})
		if err != nil {
			return nil, r.classify(version, fmt.Errorf("failed to create release %s: %w", tag, err))
		}
		return rel, nil
	})
}

// ensureTag tags the mirror commit of the release; an existing tag is kept
func (r *MirrorRecorder) ensureTag(ctx context.Context, release *entities.UpstreamRelease, tag string, results []*entities.PublishResult) error {
	version := release.Version
	return services.Retry(ctx, r.cfg.Retry, func(ctx context.Context) error {
		_, err := r.github.GetRef(ctx, r.cfg.Owner, r.cfg.Repo, "tags/"+tag)
		if err == nil {
			r.logger.Debug("Mirror tag already exists", interfaces.F("tag", tag))
			return nil
		}
		if !errors.Is(err, entities.ErrNotFound) {
			return r.classify(version, fmt.Errorf("failed to look up tag %s: %w", tag, err))
		}

		sha, err := r.commitVersion(ctx, release, tag, results)
		if err != nil {
			return err
		}

		err = r.github.CreateRef(ctx, r.cfg.Owner, r.cfg.Repo, "refs/tags/"+tag, sha)
		if errors.Is(err, entities.ErrAlreadyExists) {
			r.logger.Debug("Mirror tag already exists", interfaces.F("tag", tag))
			return nil
		}
		if err != nil {
			return r.classify(version, fmt.Errorf("failed to create tag %s: %w", tag, err))
		}
		return nil
	})
}

// versionBump rewrites one file of the mirror repository for a release
type versionBump struct {
	path  string
	apply func(content []byte) ([]byte, error)
}

// commitVersion writes the "Mirror: <version>" commit that pins pyproject.toml
// and the README to the release and returns the SHA to tag. The branch only
// moves forward: a release older than the branch gets a commit off the branch.
// When the branch already carries the release, its head is tagged.
func (r *MirrorRecorder) commitVersion(ctx context.Context, release *entities.UpstreamRelease, tag string, results []*entities.PublishResult) (string, error) {
	version := release.Version
	branchRef := "heads/" + r.cfg.Branch

	head, err := r.github.GetRef(ctx, r.cfg.Owner, r.cfg.Repo, branchRef)
	if err != nil {
		return "", r.classify(version, fmt.Errorf("failed to resolve branch %s: %w", r.cfg.Branch, err))
	}

	packageVersion := packageVersionOf(release, results)
	branchVersion := ""
	bumps := []versionBump{
		{path: services.PyProjectPath, apply: func(content []byte) ([]byte, error) {
			if p, err := toml.ParsePyProject(content); err == nil {
				branchVersion = p.Project.Version
			}
			return services.BumpPyProject(content, packageVersion)
		}},
		{path: services.ReadmePath, apply: func(content []byte) ([]byte, error) {
			return services.BumpReadme(content, tag, version), nil
		}},
	}

	files := make(map[string][]byte, len(bumps))
	for _, bump := range bumps {
		current, err := r.github.GetFileContent(ctx, r.cfg.Owner, r.cfg.Repo, bump.path, head)
		if errors.Is(err, entities.ErrNotFound) {
			r.logger.Warn("Mirror file missing, not bumped", interfaces.F("path", bump.path))
			continue
		}
		if err != nil {
			return "", r.classify(version, fmt.Errorf("failed to read %s: %w", bump.path, err))
		}
		updated, err := bump.apply(current)
		if err != nil {
			return "", recordError(version, err)
		}
		if !bytes.Equal(updated, current) {
			files[bump.path] = updated
		}
	}

	if len(files) == 0 {
		r.logger.Debug("Mirror branch already carries version", interfaces.F("version", version))
		return head, nil
	}

	sha, err := r.github.CreateCommit(ctx, r.cfg.Owner, r.cfg.Repo, &gateways.GitCommit{
		Parent:  head,
		Message: "Mirror: " + version,
		Files:   files,
	})
	if err != nil {
		return "", r.classify(version, fmt.Errorf("failed to commit version bump: %w", err))
	}

	if branchVersion != "" && services.CompareVersions(upstreamOf(branchVersion), version) > 0 {
		r.logger.Info("Branch is ahead of release, tagging commit off the branch",
			interfaces.F("version", version),
			interfaces.F("branch_version", branchVersion))
		return sha, nil
	}
	if err := r.github.UpdateRef(ctx, r.cfg.Owner, r.cfg.Repo, branchRef, sha); err != nil {
		return "", r.classify(version, fmt.Errorf("failed to advance %s: %w", r.cfg.Branch, err))
	}

	r.logger.Info("Committed version bump",
		interfaces.F("version", version),
		interfaces.F("commit", sha))
	return sha, nil
}

// packageVersionOf is the wheel version written into pyproject.toml
func packageVersionOf(release *entities.UpstreamRelease, results []*entities.PublishResult) string {
	for _, res := range results {
		if res != nil && res.Artifact != nil && res.Artifact.PackageVersion != "" {
			return res.Artifact.PackageVersion
		}
	}
	return release.Version
}

func upstreamOf(packageVersion string) string {
	if v, err := services.UpstreamVersion(packageVersion); err == nil {
		return v
	}
	return packageVersion
}

// ensureManifest uploads SHA256SUMS and its signature unless already attached
func (r *MirrorRecorder) ensureManifest(ctx context.Context, version string, release *gateways.GitHubRelease, results []*entities.PublishResult) error {
	assets, err := services.RetryValue(ctx, r.cfg.Retry, func(ctx context.Context) ([]*gateways.GitHubAsset, error) {
		assets, err := r.github.ListReleaseAssets(ctx, r.cfg.Owner, r.cfg.Repo, release.ID)
		if err != nil {
			return nil, r.classify(version, fmt.Errorf("failed to list release assets: %w", err))
		}
		return assets, nil
	})
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(assets))
	for _, a := range assets {
		present[a.Name] = true
	}

	manifest := Manifest(results)
	uploads := []manifestUpload{
		{name: ManifestAssetName, data: func() ([]byte, error) { return manifest, nil }},
	}
	if r.signer != nil {
		uploads = append(uploads, manifestUpload{
			name: SignatureAssetName,
			data: func() ([]byte, error) { return r.signer.SignDetached(manifest) },
		})
	}

	for _, u := range uploads {
		if present[u.name] {
			continue
		}
		data, err := u.data()
		if err != nil {
			return recordError(version, fmt.Errorf("failed to prepare %s: %w", u.name, err))
		}
		err = services.Retry(ctx, r.cfg.Retry, func(ctx context.Context) error {
			_, err := r.github.UploadAsset(ctx, release.UploadURL, u.name, bytes.NewReader(data))
			if errors.Is(err, entities.ErrAlreadyExists) {
				return nil
			}
			if err != nil {
				return r.classify(version, fmt.Errorf("failed to upload %s: %w", u.name, err))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type manifestUpload struct {
	name string
	data func() ([]byte, error)
}

func (r *MirrorRecorder) classify(version string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &entities.MirrorError{
		Kind:      entities.KindRecordFailed,
		Version:   version,
		Transient: gateways.IsTemporary(err) || errors.Is(err, gateways.ErrNotFastForward),
		Err:       err,
	}
}

func recordError(version string, err error) error {
	return &entities.MirrorError{Kind: entities.KindRecordFailed, Version: version, Err: err}
}

// Manifest renders SHA256SUMS: "<sha256>  <filename>" lines sorted by filename
func Manifest(results []*entities.PublishResult) []byte {
	artifacts := make([]*entities.BuiltArtifact, 0, len(results))
	for _, res := range results {
		if res != nil && res.Artifact != nil {
			artifacts = append(artifacts, res.Artifact)
		}
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Filename < artifacts[j].Filename
	})

	var b bytes.Buffer
	for _, a := range artifacts {
		fmt.Fprintf(&b, "%s  %s\n", a.SHA256, a.Filename)
	}
	return b.Bytes()
}

// ReleaseBody renders the markdown body of a mirror release
func ReleaseBody(release *entities.UpstreamRelease, results []*entities.PublishResult) string {
	sorted := make([]*entities.PublishResult, 0, len(results))
	for _, res := range results {
		if res != nil && res.Artifact != nil {
			sorted = append(sorted, res)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Artifact.Target.String() < sorted[j].Artifact.Target.String()
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Mirror of upstream treefmt %s.\n\n", release.Tag)
	b.WriteString("| Platform | File | SHA-256 |\n")
	b.WriteString("|---|---|---|\n")
	for _, res := range sorted {
		name := res.Artifact.Filename
		if res.URL != "" {
			name = fmt.Sprintf("[%s](%s)", name, res.URL)
		}
		fmt.Fprintf(&b, "| %s | %s | `%s` |\n", res.Artifact.Target, name, res.Artifact.SHA256)
	}
	return b.String()
}
