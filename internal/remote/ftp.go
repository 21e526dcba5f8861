package remote

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"
)

// archiveConn is the part of an FTP control connection the source needs
type archiveConn interface {
	NameList(path string) ([]string, error)
	FileSize(path string) (int64, error)
	RetrFrom(path string, offset uint64) (io.ReadCloser, error)
	Quit() error
}

// serverConn adapts *ftp.ServerConn to archiveConn
type serverConn struct {
	conn     *ftp.ServerConn
	deadline time.Time
}

func (c serverConn) NameList(path string) ([]string, error) {
	return c.conn.NameList(path)
}

func (c serverConn) FileSize(path string) (int64, error) {
	return c.conn.FileSize(path)
}

func (c serverConn) RetrFrom(path string, offset uint64) (io.ReadCloser, error) {
	resp, err := c.conn.RetrFrom(path, offset)
	if err != nil {
		return nil, err
	}
	if !c.deadline.IsZero() {
		if err := resp.SetDeadline(c.deadline); err != nil {
			_ = resp.Close()
			return nil, err
		}
	}
	return resp, nil
}

func (c serverConn) Quit() error {
	return c.conn.Quit()
}

// FTPOptions configures FTPSource
type FTPOptions struct {
	Host     string
	User     string
	Password string
	ZipName  string        // Empty selects the latest comptes_annuels archive
	Timeout  time.Duration // Dial timeout
	DialFunc func(network, address string) (net.Conn, error)
	Logger   *zap.Logger
}

// FTPSource reads members straight out of the archive ZIP on an FTP server.
// Only the central directory and the requested member are transferred, using
// REST offsets. Every call uses its own connection, closed afterwards.
type FTPSource struct {
	opts FTPOptions
	dial func(ctx context.Context) (archiveConn, error)
	log  *zap.Logger

	mu      sync.Mutex
	archive string
}

// NewFTPSource creates an FTP member source
func NewFTPSource(opts FTPOptions) *FTPSource {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &FTPSource{opts: opts, log: log}
	s.dial = s.dialServer
	return s
}

func (s *FTPSource) dialServer(ctx context.Context) (archiveConn, error) {
	if s.opts.User == "" {
		return nil, errors.New("ftp credentials not configured (set FTP_USER and FTP_PASSWORD)")
	}

	options := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if s.opts.Timeout > 0 {
		options = append(options, ftp.DialWithTimeout(s.opts.Timeout))
	}
	if s.opts.DialFunc != nil {
		options = append(options, ftp.DialWithDialFunc(s.opts.DialFunc))
	}

	c, err := ftp.Dial(s.opts.Host, options...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.opts.Host, err)
	}
	if err := c.Login(s.opts.User, s.opts.Password); err != nil {
		_ = c.Quit()
		return nil, fmt.Errorf("login to %s: %w", s.opts.Host, err)
	}

	conn := serverConn{conn: c}
	if dl, ok := ctx.Deadline(); ok {
		conn.deadline = dl
	}
	return conn, nil
}

// resolveArchive returns the configured archive name or discovers the latest one
func (s *FTPSource) resolveArchive(conn archiveConn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.archive != "" {
		return s.archive, nil
	}
	if s.opts.ZipName != "" {
		s.archive = s.opts.ZipName
		return s.archive, nil
	}

	names, err := conn.NameList(".")
	if err != nil {
		return "", fmt.Errorf("list archives: %w", err)
	}

	var latest string
	for _, n := range names {
		b := strings.ToLower(baseName(n))
		if !strings.Contains(b, "comptes_annuels") || !strings.HasSuffix(b, ".zip") {
			continue
		}
		if latest == "" || b > strings.ToLower(baseName(latest)) {
			latest = n
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no comptes_annuels archive on %s", s.opts.Host)
	}

	s.log.Info("archive selected", zap.String("archive", latest))
	s.archive = latest
	return latest, nil
}

type remoteArchive struct {
	conn   archiveConn
	reader *streamReaderAt
	index  *zipIndex
}

func (a *remoteArchive) close() error {
	_ = a.reader.Close()
	return a.conn.Quit()
}

func (s *FTPSource) openArchive(ctx context.Context) (*remoteArchive, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	archive, err := s.resolveArchive(conn)
	if err != nil {
		_ = conn.Quit()
		return nil, err
	}

	size, err := conn.FileSize(archive)
	if err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("size of %s: %w", archive, err)
	}

	ra := newStreamReaderAt(size, func(off int64) (io.ReadCloser, error) {
		return conn.RetrFrom(archive, uint64(off))
	})
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		_ = ra.Close()
		_ = conn.Quit()
		return nil, fmt.Errorf("read central directory of %s: %w", archive, err)
	}

	return &remoteArchive{conn: conn, reader: ra, index: newZipIndex(zr)}, nil
}

// Members lists the payload entries of the remote archive
func (s *FTPSource) Members(ctx context.Context) ([]string, error) {
	a, err := s.openArchive(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.close() }()

	out := make([]string, len(a.index.names))
	copy(out, a.index.names)
	return out, nil
}

// Open streams one member; closing the reader closes the connection
func (s *FTPSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	a, err := s.openArchive(ctx)
	if err != nil {
		return nil, err
	}

	rc, err := a.index.open(name)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	s.log.Debug("member transfer started", zap.String("member", name))
	return readCloser{
		Reader: ctxReader{ctx: ctx, r: rc},
		close: func() error {
			err := rc.Close()
			s.log.Debug("member transfer closed",
				zap.String("member", name),
				zap.Int("transfers", a.reader.Transfers()))
			_ = a.close()
			return err
		},
	}, nil
}

// Close is a no-op; connections are per call
func (s *FTPSource) Close() error {
	return nil
}
