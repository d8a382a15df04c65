// Package toml reads the wrapper package's pyproject.toml.
package toml

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// PyProject is the subset of pyproject.toml the mirror reads
type PyProject struct {
	Project struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Description string `toml:"description"`
	} `toml:"project"`
}

// LoadPyProject parses a pyproject.toml file
func LoadPyProject(path string) (*PyProject, error) {
	//nolint:gosec // G304: path is the configured baseline file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pyproject load failed (%s): %w", path, err)
	}
	p, err := ParsePyProject(data)
	if err != nil {
		return nil, fmt.Errorf("pyproject parse failed (%s): %w", path, err)
	}
	return p, nil
}

// ParsePyProject decodes pyproject.toml content
func ParsePyProject(data []byte) (*PyProject, error) {
	var p PyProject
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// BaselineVersion returns [project].version, the last version already published
func BaselineVersion(path string) (string, error) {
	p, err := LoadPyProject(path)
	if err != nil {
		return "", err
	}
	if p.Project.Version == "" {
		return "", fmt.Errorf("pyproject %s has no [project].version", path)
	}
	return p.Project.Version, nil
}
