package remote

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
)

// zipIndex resolves member names against a ZIP central directory
type zipIndex struct {
	files map[string]*zip.File
	names []string
}

func newZipIndex(r *zip.Reader) *zipIndex {
	idx := &zipIndex{files: make(map[string]*zip.File, len(r.File))}
	raw := make([]string, 0, len(r.File))
	for _, f := range r.File {
		if !isMemberName(f.Name) {
			continue
		}
		idx.files[f.Name] = f
		// Members are also addressable by bare file name
		if base := baseName(f.Name); base != f.Name {
			if _, taken := idx.files[base]; !taken {
				idx.files[base] = f
			}
		}
		raw = append(raw, f.Name)
	}
	idx.names = sortedMembers(raw)
	return idx
}

func (z *zipIndex) open(name string) (io.ReadCloser, error) {
	f, ok := z.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open member %s: %w", name, err)
	}
	return rc, nil
}

// ZipSource serves members from a local copy of the archive ZIP
type ZipSource struct {
	zr    *zip.ReadCloser
	index *zipIndex
}

// OpenZipSource reads the central directory of the archive at path
func OpenZipSource(path string) (*ZipSource, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &ZipSource{zr: zr, index: newZipIndex(&zr.Reader)}, nil
}

// Members returns the payload entries of the archive
func (s *ZipSource) Members(ctx context.Context) ([]string, error) {
	out := make([]string, len(s.index.names))
	copy(out, s.index.names)
	return out, nil
}

// Open decompresses one member
func (s *ZipSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := s.index.open(name)
	if err != nil {
		return nil, err
	}
	return readCloser{Reader: ctxReader{ctx: ctx, r: rc}, close: rc.Close}, nil
}

// Close releases the archive file
func (s *ZipSource) Close() error {
	return s.zr.Close()
}
