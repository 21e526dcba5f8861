package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DirSource serves members from a directory of extracted payload files
type DirSource struct {
	dir string
}

// NewDirSource creates a source over dir
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Members lists the payload files of the directory
func (s *DirSource) Members(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return sortedMembers(names), nil
}

// Open opens one member file
func (s *DirSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, baseName(name)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, name)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// Close is a no-op
func (s *DirSource) Close() error {
	return nil
}
