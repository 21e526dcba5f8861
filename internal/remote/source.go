// Package remote resolves archive members by name and materializes them in
// the local member cache.
package remote

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"path"
	"sort"
	"strings"
	"syscall"

	"google.golang.org/api/googleapi"

	"github.com/sirenrich/sirenrich/internal/retry"
)

// ErrMemberNotFound is returned when the archive has no member with the requested name
var ErrMemberNotFound = errors.New("archive member not found")

// errAttemptTimeout marks an attempt that ran past its wall-clock bound
var errAttemptTimeout = errors.New("fetch attempt timed out")

// Source lists and opens archive members
type Source interface {
	// Members returns member names in archive order
	Members(ctx context.Context) ([]string, error)
	// Open streams the payload of one member
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Close() error
}

// isMemberName reports whether an archive entry is a filing payload
func isMemberName(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json") && !strings.HasSuffix(name, "/")
}

// sortedMembers keeps payload entries and orders them by name
func sortedMembers(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if isMemberName(n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// baseName strips any directory component from a member name
func baseName(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}

// Classify sorts fetch errors into transient (retried) and fatal failures
func Classify(err error) retry.Class {
	switch {
	case err == nil:
		return retry.Transient
	case errors.Is(err, ErrMemberNotFound), errors.Is(err, context.Canceled):
		return retry.Fatal
	case errors.Is(err, errAttemptTimeout), errors.Is(err, context.DeadlineExceeded):
		return retry.Transient
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case 421, 425, 426, 450, 451, 452:
			return retry.Transient
		}
		if protoErr.Code >= 500 {
			return retry.Fatal
		}
		return retry.Transient
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return retry.Transient
		}
		return retry.Fatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Transient
	}

	switch {
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, zip.ErrChecksum),
		errors.Is(err, zip.ErrFormat):
		return retry.Transient
	}

	return retry.Fatal
}

// ctxReader stops a long transfer once its context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// readCloser pairs a reader with a close function
type readCloser struct {
	io.Reader
	close func() error
}

func (rc readCloser) Close() error {
	return rc.close()
}
