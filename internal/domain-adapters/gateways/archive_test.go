package gateways

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
)

var testBinary = []byte("\x7fELF fake treefmt")

func tarBytes(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, data := range members {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func compress(t *testing.T, format entities.ArchiveFormat, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case entities.FormatTarGz:
		w = gzip.NewWriter(&buf)
	case entities.FormatTarXz:
		w, err = xz.NewWriter(&buf)
	case entities.FormatTarZst:
		w, err = zstd.NewWriter(&buf)
	default:
		t.Fatalf("unsupported format %s", format)
	}
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, err := w.Write(raw); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("compress close: %v", err)
	}
	return buf.Bytes()
}

func TestBinaryExtractor_TarFormats(t *testing.T) {
	members := map[string][]byte{
		"README.md":       []byte("docs"),
		"LICENSE":         []byte("MIT"),
		"treefmt":         testBinary,
		"completions/foo": []byte("x"),
	}

	for _, format := range []entities.ArchiveFormat{entities.FormatTarGz, entities.FormatTarXz, entities.FormatTarZst} {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "treefmt."+string(format))
			if err := os.WriteFile(archive, compress(t, format, tarBytes(t, members)), 0600); err != nil {
				t.Fatal(err)
			}

			dest := filepath.Join(dir, "out", "treefmt")
			if err := NewBinaryExtractor().ExtractBinary(archive, "", "treefmt", dest); err != nil {
				t.Fatalf("ExtractBinary() error = %v", err)
			}
			assertExecutable(t, dest)
		})
	}
}

func TestBinaryExtractor_NestedMember(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "treefmt.tar.gz")
	data := compress(t, entities.FormatTarGz, tarBytes(t, map[string][]byte{"treefmt-2.4.0/bin/treefmt": testBinary}))
	if err := os.WriteFile(archive, data, 0600); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "treefmt")
	if err := NewBinaryExtractor().ExtractBinary(archive, entities.FormatTarGz, "treefmt", dest); err != nil {
		t.Fatalf("ExtractBinary() error = %v", err)
	}
	assertExecutable(t, dest)
}

func TestBinaryExtractor_Zip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "treefmt.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("treefmt")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(testBinary)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(archive, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "bin", "treefmt")
	if err := NewBinaryExtractor().ExtractBinary(archive, "", "treefmt", dest); err != nil {
		t.Fatalf("ExtractBinary() error = %v", err)
	}
	assertExecutable(t, dest)
}

func TestBinaryExtractor_Raw(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "treefmt-x86_64-linux")
	if err := os.WriteFile(src, testBinary, 0600); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "out", "treefmt")
	if err := NewBinaryExtractor().ExtractBinary(src, entities.FormatRaw, "treefmt", dest); err != nil {
		t.Fatalf("ExtractBinary() error = %v", err)
	}
	assertExecutable(t, dest)
}

func TestBinaryExtractor_Missing(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "treefmt.tar.gz")
	data := compress(t, entities.FormatTarGz, tarBytes(t, map[string][]byte{"README.md": []byte("docs")}))
	if err := os.WriteFile(archive, data, 0600); err != nil {
		t.Fatal(err)
	}

	err := NewBinaryExtractor().ExtractBinary(archive, "", "treefmt", filepath.Join(dir, "treefmt"))
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("ExtractBinary() error = %v, want ErrBinaryNotFound", err)
	}
}

func assertExecutable(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
	//nolint:gosec // G304: test path
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, testBinary) {
		t.Errorf("content = %q, %v", got, err)
	}
}
