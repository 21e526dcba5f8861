package remote

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/textproto"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"

	"google.golang.org/api/googleapi"

	"github.com/sirenrich/sirenrich/internal/retry"
)

// buildZip returns an archive holding members in the given order
func buildZip(t *testing.T, members map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(members[name]); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func noise(seed uint64, n int) []byte {
	r := rand.New(rand.NewPCG(seed, seed))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + r.IntN(26))
	}
	return out
}

// countingReader counts bytes handed out by a transfer
type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// fakeConn emulates an FTP server holding whole files in memory
type fakeConn struct {
	files       map[string][]byte
	transferred atomic.Int64
	retrs       atomic.Int32
	quits       atomic.Int32
}

func (c *fakeConn) NameList(path string) ([]string, error) {
	var names []string
	for n := range c.files {
		names = append(names, n)
	}
	return names, nil
}

func (c *fakeConn) FileSize(path string) (int64, error) {
	data, ok := c.files[path]
	if !ok {
		return 0, &textproto.Error{Code: 550, Msg: "No such file"}
	}
	return int64(len(data)), nil
}

func (c *fakeConn) RetrFrom(path string, offset uint64) (io.ReadCloser, error) {
	data, ok := c.files[path]
	if !ok {
		return nil, &textproto.Error{Code: 550, Msg: "No such file"}
	}
	c.retrs.Add(1)
	return io.NopCloser(countingReader{r: bytes.NewReader(data[offset:]), n: &c.transferred}), nil
}

func (c *fakeConn) Quit() error {
	c.quits.Add(1)
	return nil
}

func newFakeFTP(conn *fakeConn, zipName string) *FTPSource {
	s := NewFTPSource(FTPOptions{Host: "ftp.test:21", User: "u", Password: "p", ZipName: zipName})
	s.dial = func(ctx context.Context) (archiveConn, error) {
		return conn, nil
	}
	return s
}

func testMembers(t *testing.T) (map[string][]byte, []string) {
	t.Helper()
	members := map[string][]byte{
		"stock/stock_000001.json": noise(1, 200_000),
		"stock/stock_000002.json": noise(2, 200_000),
		"stock/stock_000003.json": noise(3, 200_000),
	}
	order := []string{"stock/stock_000001.json", "stock/stock_000002.json", "stock/stock_000003.json"}
	return members, order
}

func TestFTPSource_OpenTransfersOnlyTheMember(t *testing.T) {
	members, order := testMembers(t)
	archive := buildZip(t, members, order)
	conn := &fakeConn{files: map[string][]byte{"stock_RNE_comptes_annuels_20250926_1000_v2.zip": archive}}
	src := newFakeFTP(conn, "")

	rc, err := src.Open(context.Background(), "stock/stock_000002.json")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !bytes.Equal(data, members["stock/stock_000002.json"]) {
		t.Fatal("Member content mismatch")
	}

	member := int64(len(members["stock/stock_000002.json"]))
	if got := conn.transferred.Load(); got > member+64<<10 {
		t.Errorf("Transferred %d bytes for a %d byte member in a %d byte archive", got, member, len(archive))
	}
	if conn.quits.Load() != 1 {
		t.Errorf("Expected connection to be closed once, got %d", conn.quits.Load())
	}
}

func TestFTPSource_BareMemberName(t *testing.T) {
	members, order := testMembers(t)
	conn := &fakeConn{files: map[string][]byte{"archive.zip": buildZip(t, members, order)}}
	src := newFakeFTP(conn, "archive.zip")

	rc, err := src.Open(context.Background(), "stock_000003.json")
	if err != nil {
		t.Fatalf("Open by bare name failed: %v", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, members["stock/stock_000003.json"]) {
		t.Error("Member content mismatch")
	}
}

func TestFTPSource_MemberNotFound(t *testing.T) {
	members, order := testMembers(t)
	conn := &fakeConn{files: map[string][]byte{"archive.zip": buildZip(t, members, order)}}
	src := newFakeFTP(conn, "archive.zip")

	_, err := src.Open(context.Background(), "stock_999999.json")
	if !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("Expected ErrMemberNotFound, got %v", err)
	}
	if Classify(err) != retry.Fatal {
		t.Error("Member not found must be fatal")
	}
	if conn.quits.Load() != 1 {
		t.Errorf("Expected connection to be closed, got %d quits", conn.quits.Load())
	}
}

func TestFTPSource_Members(t *testing.T) {
	members, order := testMembers(t)
	conn := &fakeConn{files: map[string][]byte{"archive.zip": buildZip(t, members, order)}}
	src := newFakeFTP(conn, "archive.zip")

	names, err := src.Members(context.Background())
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(names) != 3 || names[0] != "stock/stock_000001.json" || names[2] != "stock/stock_000003.json" {
		t.Errorf("Unexpected members: %v", names)
	}
}

func TestFTPSource_SelectsLatestArchive(t *testing.T) {
	members, order := testMembers(t)
	archive := buildZip(t, members, order)
	conn := &fakeConn{files: map[string][]byte{
		"stock_RNE_comptes_annuels_20250314_1000_v2.zip": {},
		"stock_RNE_comptes_annuels_20250926_1000_v2.zip": archive,
		"stock_RNE_actes_20251001.zip":                   {},
		"README.txt":                                     {},
	}}
	src := newFakeFTP(conn, "")

	if _, err := src.Members(context.Background()); err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if src.archive != "stock_RNE_comptes_annuels_20250926_1000_v2.zip" {
		t.Errorf("Selected %q", src.archive)
	}
}

func TestStreamReaderAt_SequentialReadsShareTransfer(t *testing.T) {
	data := noise(7, 10_000)
	var opens int
	ra := newStreamReaderAt(int64(len(data)), func(off int64) (io.ReadCloser, error) {
		opens++
		return io.NopCloser(bytes.NewReader(data[off:])), nil
	})

	buf := make([]byte, 1000)
	for off := int64(0); off < 5000; off += 1000 {
		if _, err := ra.ReadAt(buf, off); err != nil {
			t.Fatalf("ReadAt(%d) failed: %v", off, err)
		}
		if !bytes.Equal(buf, data[off:off+1000]) {
			t.Fatalf("ReadAt(%d) content mismatch", off)
		}
	}
	if opens != 1 {
		t.Errorf("Expected 1 transfer for sequential reads, got %d", opens)
	}

	// Forward jump within the skip window reuses the transfer
	if _, err := ra.ReadAt(buf[:10], 6000); err != nil {
		t.Fatal(err)
	}
	if opens != 1 {
		t.Errorf("Expected skip-ahead to reuse the transfer, got %d", opens)
	}

	// Backward jump needs a new transfer
	if _, err := ra.ReadAt(buf[:10], 100); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:10], data[100:110]) {
		t.Error("content mismatch after backward seek")
	}
	if opens != 2 {
		t.Errorf("Expected 2 transfers, got %d", opens)
	}

	// Reading past the end returns the tail and io.EOF
	n, err := ra.ReadAt(buf, int64(len(data))-10)
	if n != 10 || err != io.EOF {
		t.Errorf("ReadAt at tail = (%d, %v), want (10, EOF)", n, err)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"stock_000002.json", "stock_000001.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	src := NewDirSource(dir)

	names, err := src.Members(context.Background())
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(names) != 2 || names[0] != "stock_000001.json" {
		t.Errorf("Unexpected members: %v", names)
	}

	rc, err := src.Open(context.Background(), "stock/stock_000002.json")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "stock_000002.json" {
		t.Errorf("Unexpected content: %s", data)
	}

	if _, err := src.Open(context.Background(), "stock_000009.json"); !errors.Is(err, ErrMemberNotFound) {
		t.Errorf("Expected ErrMemberNotFound, got %v", err)
	}
}

func TestZipSource(t *testing.T) {
	members, order := testMembers(t)
	path := filepath.Join(t.TempDir(), "archive.zip")
	if err := os.WriteFile(path, buildZip(t, members, order), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenZipSource(path)
	if err != nil {
		t.Fatalf("OpenZipSource failed: %v", err)
	}
	defer func() { _ = src.Close() }()

	names, _ := src.Members(context.Background())
	if len(names) != 3 {
		t.Errorf("Expected 3 members, got %v", names)
	}

	rc, err := src.Open(context.Background(), "stock/stock_000001.json")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(data, members["stock/stock_000001.json"]) {
		t.Error("Member content mismatch")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Class
	}{
		{"not found", fmt.Errorf("open: %w", ErrMemberNotFound), retry.Fatal},
		{"cancelled", context.Canceled, retry.Fatal},
		{"attempt timeout", fmt.Errorf("%w: slow", errAttemptTimeout), retry.Transient},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), retry.Transient},
		{"truncated", io.ErrUnexpectedEOF, retry.Transient},
		{"too many users", &textproto.Error{Code: 421, Msg: "Too many connections"}, retry.Transient},
		{"transfer aborted", &textproto.Error{Code: 426, Msg: "Connection closed"}, retry.Transient},
		{"login refused", &textproto.Error{Code: 530, Msg: "Login incorrect"}, retry.Fatal},
		{"no such file", &textproto.Error{Code: 550, Msg: "No such file"}, retry.Fatal},
		{"rate limited", &googleapi.Error{Code: 429}, retry.Transient},
		{"server error", &googleapi.Error{Code: 503}, retry.Transient},
		{"forbidden", &googleapi.Error{Code: 403}, retry.Fatal},
		{"unknown", errors.New("something else"), retry.Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
