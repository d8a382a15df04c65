// Package entities defines core domain models and data structures.
package entities

// BuiltArtifact is one installable package produced for a release/platform pair.
// It is created by the builder and never mutated afterwards.
type BuiltArtifact struct {
	Version        string // upstream version, e.g. "2.4.0"
	PackageVersion string // version written into the package metadata
	Target         PlatformTarget
	Filename       string
	Path           string
	SHA256         string // hash of the package file itself
	SourceSHA256   string // verified hash of the upstream archive
	BinarySHA256   string // hash of the embedded executable
	Size           int64
}

// PublishResult is the outcome of a successful publish call
type PublishResult struct {
	Artifact       *BuiltArtifact
	URL            string
	AlreadyExisted bool
}

// PublishedArtifact is the persisted summary of a published package
type PublishedArtifact struct {
	Platform string `yaml:"platform" json:"platform"`
	Filename string `yaml:"filename" json:"filename"`
	SHA256   string `yaml:"sha256" json:"sha256"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Summary converts a publish result into its persisted form
func (r *PublishResult) Summary() PublishedArtifact {
	return PublishedArtifact{
		Platform: r.Artifact.Target.String(),
		Filename: r.Artifact.Filename,
		SHA256:   r.Artifact.SHA256,
		URL:      r.URL,
	}
}
