package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Pack serializes an exported bundle directory into a gzipped tarball for
// archival. Paths inside the archive are relative to the bundle root.
func Pack(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		payload, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		header := &tar.Header{
			Name: filepath.ToSlash(rel),
			Mode: 0o644,
			Size: int64(len(payload)),
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		_, err = tw.Write(payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bundle: pack: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("bundle: pack: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("bundle: pack: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack extracts a packed bundle into dir. Entries that would escape dir
// are rejected.
func Unpack(data []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("bundle: unpack: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("bundle: unpack: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Clean(filepath.FromSlash(header.Name))
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("bundle: unpack: unsafe path %q", header.Name)
		}
		target := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("bundle: unpack: %w", err)
		}
		payload, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("bundle: unpack %s: %w", header.Name, err)
		}
		if err := os.WriteFile(target, payload, 0o644); err != nil {
			return fmt.Errorf("bundle: unpack %s: %w", header.Name, err)
		}
	}
}
