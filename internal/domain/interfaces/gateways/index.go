package gateways

import (
	"context"
	"io"
)

// IndexFile is a file already present on the package index
type IndexFile struct {
	Filename string
	URL      string
	SHA256   string
}

// UploadRequest describes one package upload
type UploadRequest struct {
	Project  string
	Version  string
	Filename string
	SHA256   string
	Content  io.Reader
}

// PackageIndex defines operations against a package index
type PackageIndex interface {
	// ListFiles lists files published for project/version; empty when the version is unknown
	ListFiles(ctx context.Context, project, version string) ([]IndexFile, error)

	// Upload publishes a file; entities.ErrAlreadyExists if the index already has it
	Upload(ctx context.Context, req UploadRequest) (*IndexFile, error)
}
