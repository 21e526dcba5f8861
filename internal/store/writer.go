package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sirenrich/sirenrich/internal/model"
)

// DefaultBatchSize is the number of rows inserted per transaction
const DefaultBatchSize = 10000

const buildingSuffix = ".building"

const insertSQL = `INSERT INTO bilans (siren, date_cloture, date_depot, type_bilan, ` + figureColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// CreateOptions configures a store build
type CreateOptions struct {
	Rebuild   bool // Replace an existing store on Commit
	BatchSize int
}

// Writer bulk-loads filings into a store under construction. Rows go to
// path + ".building" which only becomes the store on Commit.
type Writer struct {
	db        *sql.DB
	path      string
	tmp       string
	batchSize int
	pending   []model.Filing
	rows      int64
	buildID   string
	started   time.Time
	done      bool
}

// Create starts a build targeting path. It fails with ErrStoreExists when a
// store is already there, unless opts.Rebuild is set.
func Create(path string, opts CreateOptions) (*Writer, error) {
	if !opts.Rebuild {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%w: %s (use rebuild to replace it)", ErrStoreExists, path)
		}
	}

	tmp := path + buildingSuffix
	if err := removeDatabase(tmp); err != nil {
		return nil, fmt.Errorf("remove stale build: %w", err)
	}

	db, err := sql.Open("sqlite3", tmp+"?_journal_mode=OFF&_synchronous=OFF")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps the journal-less build on one handle
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		_ = removeDatabase(tmp)
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	return &Writer{
		db:        db,
		path:      path,
		tmp:       tmp,
		batchSize: batch,
		pending:   make([]model.Filing, 0, batch),
		buildID:   uuid.NewString(),
		started:   time.Now().UTC(),
	}, nil
}

// BuildID identifies this build
func (w *Writer) BuildID() string {
	return w.buildID
}

// Rows returns the number of rows written or buffered so far
func (w *Writer) Rows() int64 {
	return w.rows + int64(len(w.pending))
}

// Add buffers a filing, flushing when the batch is full
func (w *Writer) Add(ctx context.Context, f model.Filing) error {
	w.pending = append(w.pending, f)
	if len(w.pending) >= w.batchSize {
		return w.Flush(ctx)
	}
	return nil
}

// Flush inserts the buffered filings in one transaction
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, f := range w.pending {
		if _, err := stmt.ExecContext(ctx, filingArgs(f)...); err != nil {
			return fmt.Errorf("insert filing %s %s: %w", f.CompanyID, f.ClosingDate.Format(model.DateLayout), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	w.rows += int64(len(w.pending))
	w.pending = w.pending[:0]
	return nil
}

func filingArgs(f model.Filing) []any {
	args := []any{
		f.CompanyID,
		f.ClosingDate.Format(model.DateLayout),
		nullDate(f.FilingDate),
		nullString(string(f.StatementType)),
	}
	for _, ind := range model.Indicators {
		args = append(args, nullInt(f.Current.Get(ind)))
	}
	for _, ind := range model.Indicators {
		args = append(args, nullInt(f.Previous.Get(ind)))
	}
	return args
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(model.DateLayout)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Commit flushes, records build metadata and publishes the store at its path
func (w *Writer) Commit(ctx context.Context, meta Meta) (Meta, error) {
	if w.done {
		return Meta{}, errors.New("build already finished")
	}
	if err := w.Flush(ctx); err != nil {
		return Meta{}, err
	}

	meta.BuildID = w.buildID
	meta.BuiltAt = time.Now().UTC()
	meta.Rows = w.rows

	values := map[string]string{
		"build_id":        meta.BuildID,
		"built_at":        meta.BuiltAt.Format(time.RFC3339),
		"started_at":      w.started.Format(time.RFC3339),
		"retention_years": strconv.Itoa(meta.RetentionYears),
		"members":         strconv.Itoa(meta.Members),
		"failed_members":  strconv.Itoa(meta.FailedMembers),
		"rows":            strconv.FormatInt(meta.Rows, 10),
	}
	for k, v := range values {
		if _, err := w.db.ExecContext(ctx, `INSERT OR REPLACE INTO build_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return Meta{}, fmt.Errorf("write build metadata: %w", err)
		}
	}

	if err := w.db.Close(); err != nil {
		return Meta{}, fmt.Errorf("close database: %w", err)
	}
	w.done = true

	if err := os.Rename(w.tmp, w.path); err != nil {
		_ = removeDatabase(w.tmp)
		return Meta{}, fmt.Errorf("publish store: %w", err)
	}
	return meta, nil
}

// Abort discards the build; the published store, if any, is untouched
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	closeErr := w.db.Close()
	return errors.Join(closeErr, removeDatabase(w.tmp))
}

// removeDatabase deletes a database file and its sidecars
func removeDatabase(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
