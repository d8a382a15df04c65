package entities

import "time"

// UpstreamAsset is one downloadable binary archive of an upstream release
type UpstreamAsset struct {
	Name        string
	DownloadURL string
	SHA256      string // checksum declared by the upstream release; empty when unknown
	Size        int64
}

// UpstreamRelease is an immutable upstream release, identified by its version
type UpstreamRelease struct {
	Version     string // normalised, without the "v" prefix
	Tag         string // tag as published upstream
	PublishedAt time.Time
	Draft       bool
	Prerelease  bool
	Assets      map[PlatformTarget]UpstreamAsset
}

// Asset returns the declared asset for a platform
func (r *UpstreamRelease) Asset(target PlatformTarget) (UpstreamAsset, bool) {
	if r == nil || r.Assets == nil {
		return UpstreamAsset{}, false
	}
	asset, ok := r.Assets[target]
	return asset, ok
}

// MirrorTag is the tag created in the mirroring repository
func (r *UpstreamRelease) MirrorTag() string {
	return "v" + r.Version
}
