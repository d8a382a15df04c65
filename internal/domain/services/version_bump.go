package services

import (
	"bytes"
	"fmt"
	"regexp"
)

// Files rewritten by the per-version mirror commit
const (
	PyProjectPath = "pyproject.toml"
	ReadmePath    = "README.md"
)

var (
	projectTablePattern  = regexp.MustCompile(`(?m)^\[project\][ \t]*$`)
	tableHeaderPattern   = regexp.MustCompile(`(?m)^\[`)
	projectVersionLine   = regexp.MustCompile(`(?m)^(version[ \t]*=[ \t]*)"[^"\n]*"`)
	readmeRevPattern     = regexp.MustCompile(`rev: v\d+\.\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z.]+)?`)
	readmeUpstreamMarker = regexp.MustCompile(`treefmt/\d+\.\d+\.\d+`)
)

// BumpPyProject sets the version assignment of the [project] table, keeping
// the rest of the file byte for byte. Without a [project] header the first
// top-level-looking assignment is used.
func BumpPyProject(content []byte, packageVersion string) ([]byte, error) {
	start := 0
	if loc := projectTablePattern.FindIndex(content); loc != nil {
		start = loc[1]
	}
	end := len(content)
	if loc := tableHeaderPattern.FindIndex(content[start:]); loc != nil {
		end = start + loc[0]
	}

	loc := projectVersionLine.FindSubmatchIndex(content[start:end])
	if loc == nil {
		return nil, fmt.Errorf("%s has no [project] version", PyProjectPath)
	}

	var out bytes.Buffer
	out.Write(content[:start+loc[3]])
	fmt.Fprintf(&out, "%q", packageVersion)
	out.Write(content[start+loc[1]:])
	return out.Bytes(), nil
}

// BumpReadme points the pre-commit "rev:" examples at tag and the
// treefmt/X.Y.Z references at the upstream version.
func BumpReadme(content []byte, tag, upstreamVersion string) []byte {
	content = readmeRevPattern.ReplaceAllLiteral(content, []byte("rev: "+tag))
	return readmeUpstreamMarker.ReplaceAllLiteral(content, []byte("treefmt/"+upstreamVersion))
}
