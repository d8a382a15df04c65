package gateways

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
)

// maxBinarySize caps an extracted binary (1GB max to prevent decompression bombs)
const maxBinarySize = 1 << 30

// ErrBinaryNotFound is returned when an archive holds no member with the binary's name
var ErrBinaryNotFound = errors.New("binary not found in archive")

// BinaryExtractor pulls a single executable out of an upstream archive
type BinaryExtractor struct{}

// NewBinaryExtractor creates a new extractor
func NewBinaryExtractor() *BinaryExtractor {
	return &BinaryExtractor{}
}

// ExtractBinary finds the regular file named binaryName in the archive and
// writes it to destPath with mode 0755. FormatRaw copies the file as is.
func (e *BinaryExtractor) ExtractBinary(archivePath string, format entities.ArchiveFormat, binaryName, destPath string) error {
	if format == "" {
		format = entities.DetectArchiveFormat(archivePath)
	}

	switch format {
	case entities.FormatRaw:
		//nolint:gosec // G304: archive path is the downloader's workspace file
		f, err := os.Open(archivePath)
		if err != nil {
			return fmt.Errorf("failed to open binary: %w", err)
		}
		//nolint:errcheck // Defer close on read-only file
		defer f.Close()
		return writeExecutable(destPath, f)
	case entities.FormatZip:
		return e.extractZip(archivePath, binaryName, destPath)
	case entities.FormatTarGz, entities.FormatTarXz, entities.FormatTarZst:
		return e.extractTar(archivePath, format, binaryName, destPath)
	default:
		return fmt.Errorf("unsupported archive format: %s", format)
	}
}

func (e *BinaryExtractor) extractTar(archivePath string, format entities.ArchiveFormat, binaryName, destPath string) error {
	//nolint:gosec // G304: archive path is the downloader's workspace file
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	//nolint:errcheck // Defer close on read-only file
	defer f.Close()

	var r io.Reader
	switch format {
	case entities.FormatTarGz:
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		//nolint:errcheck // Defer close on gzip reader
		defer gzr.Close()
		r = gzr
	case entities.FormatTarXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader: %w", err)
		}
		r = xr
	case entities.FormatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}
		if header.Typeflag != tar.TypeReg || path.Base(header.Name) != binaryName {
			continue
		}
		if header.Size > maxBinarySize {
			return fmt.Errorf("binary %s exceeds %d bytes", header.Name, int64(maxBinarySize))
		}
		return writeExecutable(destPath, tr)
	}

	return fmt.Errorf("%s in %s: %w", binaryName, filepath.Base(archivePath), ErrBinaryNotFound)
}

func (e *BinaryExtractor) extractZip(archivePath, binaryName, destPath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	//nolint:errcheck // Defer close on zip reader
	defer zr.Close()

	for _, file := range zr.File {
		if file.FileInfo().IsDir() || path.Base(file.Name) != binaryName {
			continue
		}
		if file.UncompressedSize64 > maxBinarySize {
			return fmt.Errorf("binary %s exceeds %d bytes", file.Name, int64(maxBinarySize))
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", file.Name, err)
		}
		//nolint:errcheck // Defer close on zip member
		defer rc.Close()
		return writeExecutable(destPath, rc)
	}

	return fmt.Errorf("%s in %s: %w", binaryName, filepath.Base(archivePath), ErrBinaryNotFound)
}

// writeExecutable copies r to destPath with mode 0755
func writeExecutable(destPath string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	//nolint:gosec // G302: the extracted file is an executable
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	n, err := io.Copy(out, io.LimitReader(r, maxBinarySize+1))
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if n > maxBinarySize {
		_ = os.Remove(destPath)
		return fmt.Errorf("binary exceeds %d bytes", int64(maxBinarySize))
	}

	// umask may have stripped bits from OpenFile's mode
	return os.Chmod(destPath, 0755) //nolint:gosec // G302: executable
}
