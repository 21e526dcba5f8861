// Package store persists normalized filings in a SQLite database.
//
// The database holds a single bilans table indexed by company and by
// (company, closing date desc). It is written once by a Writer into a
// temporary file that is renamed into place on Commit, then opened read-only
// for lookups. A failed build never replaces the serving file.
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

	_ "github.com/mattn/go-sqlite3"

	"github.com/sirenrich/sirenrich/internal/model"
)

var (
	// ErrStoreExists is returned when building over an existing store without rebuild
	ErrStoreExists = errors.New("store already exists")
	// ErrNotBuilt is returned when opening a store that was never built
	ErrNotBuilt = errors.New("store not built")
)

const schema = `
CREATE TABLE IF NOT EXISTS bilans (
	id INTEGER PRIMARY KEY,
	siren TEXT NOT NULL,
	date_cloture TEXT NOT NULL,
	date_depot TEXT,
	type_bilan TEXT,
	chiffre_affaires INTEGER,
	resultat_net INTEGER,
	resultat_exploitation INTEGER,
	total_actif INTEGER,
	capitaux_propres INTEGER,
	effectif INTEGER,
	ca_precedent INTEGER,
	rn_precedent INTEGER,
	re_precedent INTEGER,
	ta_precedent INTEGER,
	cp_precedent INTEGER,
	eff_precedent INTEGER
);
CREATE INDEX IF NOT EXISTS idx_siren ON bilans(siren);
CREATE INDEX IF NOT EXISTS idx_siren_date ON bilans(siren, date_cloture DESC);
CREATE TABLE IF NOT EXISTS build_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// figureColumns lists the indicator columns in model.Indicators order,
// current year first then previous year
const figureColumns = `chiffre_affaires, resultat_net, resultat_exploitation, total_actif, capitaux_propres, effectif,
	ca_precedent, rn_precedent, re_precedent, ta_precedent, cp_precedent, eff_precedent`

// Meta describes one store build
type Meta struct {
	BuildID        string    `json:"build_id"`
	BuiltAt        time.Time `json:"built_at"`
	RetentionYears int       `json:"retention_years"`
	Members        int       `json:"members"`
	FailedMembers  int       `json:"failed_members"`
	Rows           int64     `json:"rows"`
}

// Populated reports whether the build produced anything worth serving.
// A build where every member failed, or that loaded no rows, is not.
func (m Meta) Populated() bool {
	if m.Rows == 0 {
		return false
	}
	return m.Members == 0 || m.FailedMembers < m.Members
}

// Store is a read-only handle on a built database
type Store struct {
	db   *sql.DB
	path string
	meta Meta
}

// Open opens the store at path read-only. When only a compressed copy
// (path + ".xz") exists it is decompressed first.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if _, xzErr := os.Stat(path + xzSuffix); xzErr != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotBuilt, path)
		}
		if err := Decompress(path+xzSuffix, path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat store: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: path}
	meta, err := readMeta(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.meta = meta
	return s, nil
}

func readMeta(db *sql.DB) (Meta, error) {
	rows, err := db.Query(`SELECT key, value FROM build_meta`)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: read build metadata: %v", ErrNotBuilt, err)
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Meta{}, fmt.Errorf("scan build metadata: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return Meta{}, fmt.Errorf("read build metadata: %w", err)
	}
	if values["build_id"] == "" {
		return Meta{}, fmt.Errorf("%w: build metadata missing", ErrNotBuilt)
	}

	meta := Meta{BuildID: values["build_id"]}
	meta.BuiltAt, _ = time.Parse(time.RFC3339, values["built_at"])
	meta.RetentionYears, _ = strconv.Atoi(values["retention_years"])
	meta.Members, _ = strconv.Atoi(values["members"])
	meta.FailedMembers, _ = strconv.Atoi(values["failed_members"])
	meta.Rows, _ = strconv.ParseInt(values["rows"], 10, 64)
	return meta, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file
func (s *Store) Path() string {
	return s.path
}

// Meta returns the build metadata
func (s *Store) Meta() Meta {
	return s.meta
}

// Age returns how long ago the store was built
func (s *Store) Age(now time.Time) time.Duration {
	if !s.meta.BuiltAt.IsZero() {
		return now.Sub(s.meta.BuiltAt)
	}
	if info, err := os.Stat(s.path); err == nil {
		return now.Sub(info.ModTime())
	}
	return 0
}

// Query returns the filings of a company, most recent closing date first,
// ties broken by most recent filing date. A limit of zero or less returns all.
func (s *Store) Query(ctx context.Context, companyID string, limit int) ([]model.Filing, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT siren, date_cloture, date_depot, type_bilan, `+figureColumns+`
		FROM bilans
		WHERE siren = ?
		ORDER BY date_cloture DESC, date_depot DESC
		LIMIT ?`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query filings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var filings []model.Filing
	for rows.Next() {
		f, err := scanFiling(rows)
		if err != nil {
			return nil, err
		}
		filings = append(filings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filings: %w", err)
	}
	return filings, nil
}

// Count returns the number of stored filings
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bilans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count filings: %w", err)
	}
	return n, nil
}

func scanFiling(rows *sql.Rows) (model.Filing, error) {
	var (
		id, closing    string
		filed, kind    sql.NullString
		current, prior [6]sql.NullInt64
	)
	dest := []any{&id, &closing, &filed, &kind}
	for i := range current {
		dest = append(dest, &current[i])
	}
	for i := range prior {
		dest = append(dest, &prior[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return model.Filing{}, fmt.Errorf("scan filing: %w", err)
	}

	f := model.Filing{
		CompanyID:     id,
		StatementType: model.StatementType(kind.String),
	}
	var err error
	if f.ClosingDate, err = time.Parse(model.DateLayout, closing); err != nil {
		return model.Filing{}, fmt.Errorf("filing %s has bad closing date %q: %w", id, closing, err)
	}
	if filed.Valid {
		f.FilingDate, _ = time.Parse(model.DateLayout, filed.String)
	}
	for i, ind := range model.Indicators {
		if current[i].Valid {
			f.Current.Set(ind, model.Int64(current[i].Int64))
		}
		if prior[i].Valid {
			f.Previous.Set(ind, model.Int64(prior[i].Int64))
		}
	}
	return f, nil
}
