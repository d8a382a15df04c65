package gateways

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ArtifactFinder locates built wheels on disk
type ArtifactFinder struct{}

// NewArtifactFinder creates a new artifact finder
func NewArtifactFinder() *ArtifactFinder {
	return &ArtifactFinder{}
}

// FindWheels returns the wheels of one package version in dir, sorted by name.
// The version may carry a "v" prefix and matches wrapper revisions too.
func (f *ArtifactFinder) FindWheels(dir, packageName, version string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("artifacts directory does not exist: %s", dir)
	}

	versionClean := strings.TrimPrefix(version, "v")
	patterns := []string{
		fmt.Sprintf("%s-%s-*.whl", DistName(packageName), versionClean),
		fmt.Sprintf("%s-%s.*-*.whl", DistName(packageName), versionClean),
	}

	var wheels []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}
		wheels = append(wheels, matches...)
	}

	sort.Strings(wheels)
	return wheels, nil
}
