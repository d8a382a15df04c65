package main

import (
	"fmt"
	"runtime"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
)

// detectPlatform maps the host to a supported target
func detectPlatform() (entities.PlatformTarget, error) {
	return platformFor(runtime.GOOS, runtime.GOARCH)
}

func platformFor(goos, goarch string) (entities.PlatformTarget, error) {
	osMap := map[string]string{
		"linux":  "linux",
		"darwin": "macos",
	}
	archMap := map[string]map[string]string{
		"linux": {"amd64": "x86_64", "arm64": "aarch64"},
		"macos": {"amd64": "x86_64", "arm64": "arm64"},
	}

	name, ok := osMap[goos]
	if !ok {
		return entities.PlatformTarget{}, fmt.Errorf("unsupported host platform %s/%s", goos, goarch)
	}
	arch, ok := archMap[name][goarch]
	if !ok {
		return entities.PlatformTarget{}, fmt.Errorf("unsupported host platform %s/%s", goos, goarch)
	}
	return entities.ParsePlatformTarget(name + "-" + arch)
}

// resolvePlatforms turns --platform values into targets; "current" is the host
func resolvePlatforms(names []string, all bool) ([]entities.PlatformTarget, error) {
	if all {
		return entities.SupportedPlatforms(), nil
	}
	if len(names) == 0 {
		names = []string{"current"}
	}

	targets := make([]entities.PlatformTarget, 0, len(names))
	seen := make(map[entities.PlatformTarget]bool)
	for _, name := range names {
		var (
			target entities.PlatformTarget
			err    error
		)
		if name == "current" {
			target, err = detectPlatform()
		} else {
			target, err = entities.ParsePlatformTarget(name)
		}
		if err != nil {
			return nil, err
		}
		if !seen[target] {
			seen[target] = true
			targets = append(targets, target)
		}
	}
	return targets, nil
}
