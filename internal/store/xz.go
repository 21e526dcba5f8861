package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

const xzSuffix = ".xz"

// Compress writes an xz copy of the store next to it and returns its path
func Compress(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst := path + xzSuffix
	err = writeAtomic(dst, func(w io.Writer) error {
		xw, err := xz.NewWriter(w)
		if err != nil {
			return fmt.Errorf("create xz writer: %w", err)
		}
		if _, err := io.Copy(xw, src); err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		return xw.Close()
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

// Decompress expands an xz store artifact to dst
func Decompress(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open compressed store: %w", err)
	}
	defer func() { _ = f.Close() }()

	return writeAtomic(dst, func(w io.Writer) error {
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("read xz header: %w", err)
		}
		if _, err := io.Copy(w, xr); err != nil {
			return fmt.Errorf("decompress %s: %w", src, err)
		}
		return nil
	})
}

// writeAtomic streams into a temporary file renamed to path on success
func writeAtomic(path string, fill func(w io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
