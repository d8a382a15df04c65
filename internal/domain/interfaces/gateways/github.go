// Package gateways defines interfaces for external service adapters.
package gateways

import (
	"context"
	"errors"
	"io"
)

// GitHubRelease represents a GitHub release
type GitHubRelease struct {
	ID              int64
	TagName         string
	TargetCommitish string
	Name            string
	Body            string
	Draft           bool
	Prerelease      bool
	CreatedAt       string
	PublishedAt     string
	HTMLURL         string
	UploadURL       string
	Assets          []*GitHubAsset
}

// GitHubAsset represents an uploaded release asset
type GitHubAsset struct {
	ID                 int64
	Name               string
	Label              string
	State              string
	Size               int64
	Digest             string // "sha256:<hex>" when GitHub computed it
	DownloadCount      int
	BrowserDownloadURL string
}

// GitCommit is a commit to create on top of Parent, replacing whole files
type GitCommit struct {
	Parent  string
	Message string
	Files   map[string][]byte // repository path -> new content
}

// ErrNotFastForward is returned by UpdateRef when the ref moved since it was read
var ErrNotFastForward = errors.New("ref update is not a fast-forward")

// GitHubGateway defines operations for GitHub API interactions.
// Implementations make a single attempt per call; callers own retries.
type GitHubGateway interface {
	// ListReleases lists every release of a repository, newest first
	ListReleases(ctx context.Context, owner, repo string) ([]*GitHubRelease, error)

	// GetRelease retrieves a release by tag name; entities.ErrNotFound if absent
	GetRelease(ctx context.Context, owner, repo, tag string) (*GitHubRelease, error)

	// CreateRelease creates a new GitHub release
	CreateRelease(ctx context.Context, owner, repo string, release *GitHubRelease) (*GitHubRelease, error)

	// UploadAsset uploads a file to a release
	UploadAsset(ctx context.Context, uploadURL, filename string, content io.Reader) (*GitHubAsset, error)

	// ListReleaseAssets lists all assets for a release
	ListReleaseAssets(ctx context.Context, owner, repo string, releaseID int64) ([]*GitHubAsset, error)

	// DownloadAsset fetches a small asset (such as a checksums file) into memory
	DownloadAsset(ctx context.Context, url string) ([]byte, error)

	// GetRef resolves a git ref such as "heads/main" to a commit SHA
	GetRef(ctx context.Context, owner, repo, ref string) (string, error)

	// CreateRef creates a git ref; entities.ErrAlreadyExists if it exists
	CreateRef(ctx context.Context, owner, repo, ref, sha string) error

	// UpdateRef moves a ref such as "heads/main" to sha without forcing; ErrNotFastForward if it moved
	UpdateRef(ctx context.Context, owner, repo, ref, sha string) error

	// GetFileContent returns a file as of ref; entities.ErrNotFound if absent
	GetFileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, error)

	// CreateCommit writes a commit object and returns its SHA; no ref is moved
	CreateCommit(ctx context.Context, owner, repo string, commit *GitCommit) (string, error)
}

// TemporaryError is implemented by transport errors that may succeed on retry
type TemporaryError interface {
	Temporary() bool
}

// IsTemporary reports whether err, or anything it wraps, is a temporary transport error
func IsTemporary(err error) bool {
	var te TemporaryError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

// AuthError is implemented by transport errors caused by rejected credentials
type AuthError interface {
	Unauthorized() bool
}

// IsUnauthorized reports whether err was caused by rejected credentials
func IsUnauthorized(err error) bool {
	var ae AuthError
	if errors.As(err, &ae) {
		return ae.Unauthorized()
	}
	return false
}
