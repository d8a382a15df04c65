// Package services contains pure domain logic shared by the orchestrators.
package services

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed semantic version
type Version struct {
	Major      int
	Minor      int
	Patch      int
	Prerelease string
	Original   string
}

// ParseVersion parses "X.Y.Z", "vX.Y.Z" and "X.Y.Z-pre" (build metadata is ignored)
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	v := Version{Original: raw}

	core := strings.TrimPrefix(strings.TrimPrefix(raw, "v"), "V")
	if i := strings.IndexByte(core, '+'); i >= 0 {
		core = core[:i]
	}
	if i := strings.IndexByte(core, '-'); i >= 0 {
		v.Prerelease = core[i+1:]
		core = core[:i]
		if v.Prerelease == "" {
			return Version{}, fmt.Errorf("invalid version %q: empty prerelease", s)
		}
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q: want MAJOR.MINOR.PATCH", s)
	}

	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || part == "" {
			return Version{}, fmt.Errorf("invalid version %q: component %q is not a number", s, part)
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]

	return v, nil
}

// String returns the normalised form without a "v" prefix
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

// Compare returns 1 if v > o, -1 if v < o, 0 if equal.
// A prerelease sorts before its release.
func (v Version) Compare(o Version) int {
	for _, d := range []int{v.Major - o.Major, v.Minor - o.Minor, v.Patch - o.Patch} {
		if d > 0 {
			return 1
		}
		if d < 0 {
			return -1
		}
	}

	switch {
	case v.Prerelease == o.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case o.Prerelease == "":
		return -1
	case v.Prerelease > o.Prerelease:
		return 1
	default:
		return -1
	}
}

// CompareVersions compares two version strings. Unparseable strings sort first.
func CompareVersions(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// PackageVersion is the version written into the wheel: the upstream version,
// with the wrapper revision appended as a fourth component when non-zero.
func PackageVersion(upstream string, revision int) string {
	v := strings.TrimPrefix(upstream, "v")
	if revision > 0 {
		return fmt.Sprintf("%s.%d", v, revision)
	}
	return v
}

// UpstreamVersion maps a package version back to the upstream version it wraps,
// dropping a wrapper revision: "2.4.0.4" and "v2.4.0" both give "2.4.0".
func UpstreamVersion(packageVersion string) (string, error) {
	v, err := ParseVersion(packageVersion)
	if err == nil {
		return v.String(), nil
	}

	raw := strings.TrimSpace(packageVersion)
	i := strings.LastIndexByte(raw, '.')
	if i < 0 {
		return "", err
	}
	if rev, convErr := strconv.Atoi(raw[i+1:]); convErr != nil || rev < 0 {
		return "", err
	}
	v, revErr := ParseVersion(raw[:i])
	if revErr != nil {
		return "", err
	}
	return v.String(), nil
}
