package entities

import (
	"fmt"
	"strings"
)

// PlatformTarget is a supported (operating system, CPU architecture) pair
type PlatformTarget struct {
	OS   string
	Arch string
}

// Supported platform targets
var (
	PlatformLinuxX8664   = PlatformTarget{OS: "linux", Arch: "x86_64"}
	PlatformLinuxAArch64 = PlatformTarget{OS: "linux", Arch: "aarch64"}
	PlatformMacOSX8664   = PlatformTarget{OS: "macos", Arch: "x86_64"}
	PlatformMacOSARM64   = PlatformTarget{OS: "macos", Arch: "arm64"}
)

// String returns the canonical "os-arch" form
func (p PlatformTarget) String() string {
	return p.OS + "-" + p.Arch
}

// ParsePlatformTarget parses "os-arch" into a supported target
func ParsePlatformTarget(s string) (PlatformTarget, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, spec := range DefaultPlatformSpecs() {
		if spec.Target.String() == s {
			return spec.Target, nil
		}
	}
	return PlatformTarget{}, fmt.Errorf("unsupported platform %q", s)
}

// SupportedPlatforms returns every required target in a stable order
func SupportedPlatforms() []PlatformTarget {
	specs := DefaultPlatformSpecs()
	targets := make([]PlatformTarget, len(specs))
	for i, spec := range specs {
		targets[i] = spec.Target
	}
	return targets
}

// PlatformSpec is the build strategy for one target: which upstream asset to
// fetch and which wheel platform tag to emit.
type PlatformSpec struct {
	Target       PlatformTarget
	UpstreamOS   string // os token used in upstream asset names
	UpstreamArch string // arch token used in upstream asset names
	WheelTag     string
	Format       ArchiveFormat // empty means detect from the asset name
}

// ArchiveFormat is the container format of an upstream asset
type ArchiveFormat string

// Archive formats
const (
	FormatTarGz  ArchiveFormat = "tar.gz"
	FormatTarXz  ArchiveFormat = "tar.xz"
	FormatTarZst ArchiveFormat = "tar.zst"
	FormatZip    ArchiveFormat = "zip"
	FormatRaw    ArchiveFormat = "raw"
)

// DetectArchiveFormat infers the format from a file name
func DetectArchiveFormat(name string) ArchiveFormat {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return FormatTarXz
	case strings.HasSuffix(lower, ".tar.zst"):
		return FormatTarZst
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	default:
		return FormatRaw
	}
}

// DefaultPlatformSpecs is the static strategy table
func DefaultPlatformSpecs() []PlatformSpec {
	return []PlatformSpec{
		{Target: PlatformLinuxX8664, UpstreamOS: "linux", UpstreamArch: "amd64", WheelTag: "manylinux_2_17_x86_64"},
		{Target: PlatformLinuxAArch64, UpstreamOS: "linux", UpstreamArch: "arm64", WheelTag: "manylinux_2_17_aarch64"},
		{Target: PlatformMacOSX8664, UpstreamOS: "darwin", UpstreamArch: "amd64", WheelTag: "macosx_10_9_x86_64"},
		{Target: PlatformMacOSARM64, UpstreamOS: "darwin", UpstreamArch: "arm64", WheelTag: "macosx_11_0_arm64"},
	}
}

// LookupPlatformSpec finds the strategy for a target
func LookupPlatformSpec(specs []PlatformSpec, target PlatformTarget) (PlatformSpec, bool) {
	for _, spec := range specs {
		if spec.Target == target {
			return spec, true
		}
	}
	return PlatformSpec{}, false
}

// AssetName expands an upstream asset template such as
// "treefmt_{version}_{os}_{arch}.tar.gz" for this platform.
func (s PlatformSpec) AssetName(template, version string) string {
	name := strings.ReplaceAll(template, "{version}", version)
	name = strings.ReplaceAll(name, "{os}", s.UpstreamOS)
	name = strings.ReplaceAll(name, "{arch}", s.UpstreamArch)
	return name
}
