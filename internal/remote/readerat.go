package remote

import (
	"errors"
	"io"
	"sync"
)

// maxSkip bounds how far a forward read discards bytes from the open
// transfer instead of starting a new one
const maxSkip = 256 << 10

// streamReaderAt implements io.ReaderAt over ranged transfers of a remote
// file. The current transfer is kept open while reads move forward, so a
// sequential consumer costs a single transfer.
type streamReaderAt struct {
	openAt func(off int64) (io.ReadCloser, error)
	size   int64

	mu        sync.Mutex
	cur       io.ReadCloser
	pos       int64
	transfers int
}

func newStreamReaderAt(size int64, openAt func(off int64) (io.ReadCloser, error)) *streamReaderAt {
	return &streamReaderAt{openAt: openAt, size: size}
}

// ReadAt reads len(p) bytes at off
func (r *streamReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= r.size {
		return 0, io.EOF
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	want := p
	if remain := r.size - off; int64(len(want)) > remain {
		want = want[:remain]
	}

	if err := r.seek(off); err != nil {
		return 0, err
	}

	n, err := io.ReadFull(r.cur, want)
	r.pos += int64(n)
	if err != nil {
		r.drop()
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	}
	if len(want) < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// seek positions the current transfer at off, starting a new one if needed
func (r *streamReaderAt) seek(off int64) error {
	if r.cur != nil && off == r.pos {
		return nil
	}
	if r.cur != nil && off > r.pos && off-r.pos <= maxSkip {
		skipped, err := io.CopyN(io.Discard, r.cur, off-r.pos)
		r.pos += skipped
		if err == nil {
			return nil
		}
	}
	r.drop()

	rc, err := r.openAt(off)
	if err != nil {
		return err
	}
	r.cur = rc
	r.pos = off
	r.transfers++
	return nil
}

func (r *streamReaderAt) drop() {
	if r.cur != nil {
		// Aborting a transfer midway usually yields a 426 reply
		_ = r.cur.Close()
		r.cur = nil
	}
}

// Close ends the current transfer
func (r *streamReaderAt) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop()
	return nil
}

// Transfers returns how many ranged transfers were started
func (r *streamReaderAt) Transfers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers
}
