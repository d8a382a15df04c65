package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces/gateways"
	"github.com/ochairo/treefmt-mirror/internal/domain/services"
)

// ProjectURLer is implemented by indexes that can link a published version
type ProjectURLer interface {
	ProjectURL(project, version string) string
}

// Publisher uploads built artifacts to the package index.
// Publishing the same (version, platform) twice is a no-op success.
type Publisher struct {
	index   gateways.PackageIndex
	project string
	retry   services.RetryPolicy
	logger  interfaces.Logger
}

// NewPublisher creates a publisher for the given index project
func NewPublisher(index gateways.PackageIndex, project string, retry services.RetryPolicy, logger interfaces.Logger) *Publisher {
	return &Publisher{
		index:   index,
		project: project,
		retry:   retry,
		logger:  interfaces.OrNoOp(logger),
	}
}

// Publish uploads artifact unless the index already has a file with its name
func (p *Publisher) Publish(ctx context.Context, artifact *entities.BuiltArtifact) (*entities.PublishResult, error) {
	version := artifact.PackageVersion
	platform := artifact.Target.String()

	existing, err := p.findExisting(ctx, artifact)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.SHA256 != "" && existing.SHA256 != artifact.SHA256 {
			p.logger.Warn("Index holds a different build of this file",
				interfaces.F("filename", artifact.Filename),
				interfaces.F("index_sha256", existing.SHA256),
				interfaces.F("local_sha256", artifact.SHA256))
		}
		p.logger.Info("Artifact already published",
			interfaces.F("version", version),
			interfaces.F("platform", platform),
			interfaces.F("filename", artifact.Filename))
		return &entities.PublishResult{Artifact: artifact, URL: p.fileURL(existing, version), AlreadyExisted: true}, nil
	}

	var alreadyExisted bool
	file, err := services.RetryValue(ctx, p.retry, func(ctx context.Context) (*gateways.IndexFile, error) {
		//nolint:gosec // G304: artifact path is produced by the packager
		content, err := os.Open(artifact.Path)
		if err != nil {
			return nil, entities.NewPublishRejected(version, platform, false, fmt.Errorf("failed to open artifact: %w", err))
		}
		//nolint:errcheck // Defer close on artifact file
		defer content.Close()

		file, err := p.index.Upload(ctx, gateways.UploadRequest{
			Project:  p.project,
			Version:  version,
			Filename: artifact.Filename,
			SHA256:   artifact.SHA256,
			Content:  content,
		})
		if errors.Is(err, entities.ErrAlreadyExists) {
			alreadyExisted = true
			return &gateways.IndexFile{Filename: artifact.Filename, SHA256: artifact.SHA256}, nil
		}
		if err != nil {
			return nil, p.classify(version, platform, err)
		}
		return file, nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("Published artifact",
		interfaces.F("version", version),
		interfaces.F("platform", platform),
		interfaces.F("filename", artifact.Filename),
		interfaces.F("already_existed", alreadyExisted))

	return &entities.PublishResult{Artifact: artifact, URL: p.fileURL(file, version), AlreadyExisted: alreadyExisted}, nil
}

func (p *Publisher) findExisting(ctx context.Context, artifact *entities.BuiltArtifact) (*gateways.IndexFile, error) {
	version := artifact.PackageVersion
	platform := artifact.Target.String()

	files, err := services.RetryValue(ctx, p.retry, func(ctx context.Context) ([]gateways.IndexFile, error) {
		files, err := p.index.ListFiles(ctx, p.project, version)
		if err != nil {
			return nil, p.classify(version, platform, err)
		}
		return files, nil
	})
	if err != nil {
		return nil, err
	}

	for i := range files {
		if files[i].Filename == artifact.Filename {
			return &files[i], nil
		}
	}
	return nil, nil
}

// classify maps an index failure onto PublishRejected; 401/403 is never retried
func (p *Publisher) classify(version, platform string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if gateways.IsUnauthorized(err) {
		return entities.NewPublishRejected(version, platform, false, fmt.Errorf("credentials rejected: %w", err))
	}
	return entities.NewPublishRejected(version, platform, gateways.IsTemporary(err), err)
}

func (p *Publisher) fileURL(file *gateways.IndexFile, version string) string {
	if file != nil && file.URL != "" {
		return file.URL
	}
	if u, ok := p.index.(ProjectURLer); ok {
		return u.ProjectURL(p.project, version)
	}
	return ""
}
