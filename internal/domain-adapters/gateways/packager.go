package gateways

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
)

// wheelEpoch is the fixed mtime of every wheel member so builds are reproducible
var wheelEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

var distNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9.]+`)

// Packager packages an upstream binary into a platform wheel
type Packager struct {
	generator string
}

// NewPackager creates a new packager
func NewPackager() *Packager {
	return &Packager{generator: "treefmt-mirror (1.0)"}
}

// DistName returns the wheel-escaped distribution name, e.g. "treefmt_pre_commit"
func DistName(name string) string {
	return distNameUnsafe.ReplaceAllString(name, "_")
}

// WheelFilename returns "<dist>-<version>-py3-none-<platformtag>.whl"
func WheelFilename(spec entities.WheelSpec) string {
	return fmt.Sprintf("%s-%s-py3-none-%s.whl", DistName(spec.Package.Name), spec.Version, spec.PlatformTag)
}

// PackageWheel writes a wheel installing binaryPath as an executable script.
// The wheel is written to a temp file in outputDir and renamed into place.
// The returned artifact carries the file facts; release and platform fields are left to the caller.
func (p *Packager) PackageWheel(ctx context.Context, binaryPath string, spec entities.WheelSpec, outputDir string) (*entities.BuiltArtifact, error) {
	if err := validateWheelSpec(spec); err != nil {
		return nil, err
	}

	//nolint:gosec // G304: binary path is the extractor's workspace file
	binary, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := p.writeWheel(&buf, binary, spec); err != nil {
		return nil, fmt.Errorf("failed to write wheel: %w", err)
	}

	if outputDir == "" {
		outputDir = "dist"
	}
	if err := os.MkdirAll(outputDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	filename := WheelFilename(spec)
	finalPath := filepath.Join(outputDir, filename)

	tmp, err := os.CreateTemp(outputDir, "."+filename+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write wheel: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close wheel: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to move wheel into place: %w", err)
	}

	wheelSum := sha256.Sum256(buf.Bytes())
	binSum := sha256.Sum256(binary)

	return &entities.BuiltArtifact{
		PackageVersion: spec.Version,
		Filename:       filename,
		Path:           finalPath,
		SHA256:         hex.EncodeToString(wheelSum[:]),
		Size:           int64(buf.Len()),
		BinarySHA256:   hex.EncodeToString(binSum[:]),
	}, nil
}

func validateWheelSpec(spec entities.WheelSpec) error {
	switch {
	case spec.Package.Name == "":
		return fmt.Errorf("wheel spec missing package name")
	case spec.Version == "":
		return fmt.Errorf("wheel spec missing version")
	case spec.PlatformTag == "":
		return fmt.Errorf("wheel spec missing platform tag")
	case spec.BinaryName == "" || strings.ContainsAny(spec.BinaryName, `/\`):
		return fmt.Errorf("invalid binary name %q", spec.BinaryName)
	}
	return nil
}

type wheelMember struct {
	name string
	mode os.FileMode
	data []byte
}

func (p *Packager) writeWheel(w io.Writer, binary []byte, spec entities.WheelSpec) error {
	dist := DistName(spec.Package.Name)
	dataDir := fmt.Sprintf("%s-%s.data", dist, spec.Version)
	infoDir := fmt.Sprintf("%s-%s.dist-info", dist, spec.Version)

	members := []wheelMember{
		{name: dataDir + "/scripts/" + spec.BinaryName, mode: 0755, data: binary},
		{name: infoDir + "/METADATA", mode: 0644, data: []byte(wheelMetadata(spec))},
		{name: infoDir + "/WHEEL", mode: 0644, data: []byte(p.wheelInfo(spec))},
	}

	var record strings.Builder
	for _, m := range members {
		fmt.Fprintf(&record, "%s,%s,%d\n", m.name, recordDigest(m.data), len(m.data))
	}
	recordName := infoDir + "/RECORD"
	fmt.Fprintf(&record, "%s,,\n", recordName)
	members = append(members, wheelMember{name: recordName, mode: 0644, data: []byte(record.String())})

	zw := zip.NewWriter(w)
	for _, m := range members {
		header := &zip.FileHeader{
			Name:     m.name,
			Method:   zip.Deflate,
			Modified: wheelEpoch,
		}
		header.SetMode(m.mode)

		fw, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", m.name, err)
		}
		if _, err := fw.Write(m.data); err != nil {
			return fmt.Errorf("failed to write %s: %w", m.name, err)
		}
	}
	return zw.Close()
}

// recordDigest is the RECORD hash form: sha256=<urlsafe base64, unpadded>
func recordDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256=" + base64.RawURLEncoding.EncodeToString(sum[:])
}

func wheelMetadata(spec entities.WheelSpec) string {
	var b strings.Builder
	b.WriteString("Metadata-Version: 2.1\n")
	fmt.Fprintf(&b, "Name: %s\n", spec.Package.Name)
	fmt.Fprintf(&b, "Version: %s\n", spec.Version)
	if spec.Package.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", spec.Package.Summary)
	}
	if spec.Package.HomePage != "" {
		fmt.Fprintf(&b, "Home-page: %s\n", spec.Package.HomePage)
	}
	if spec.Package.License != "" {
		fmt.Fprintf(&b, "License: %s\n", spec.Package.License)
	}
	return b.String()
}

func (p *Packager) wheelInfo(spec entities.WheelSpec) string {
	return fmt.Sprintf("Wheel-Version: 1.0\nGenerator: %s\nRoot-Is-Purelib: false\nTag: py3-none-%s\n",
		p.generator, spec.PlatformTag)
}
