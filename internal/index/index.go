// Package index maps company identifiers to the archive member holding them.
//
// The archive is partitioned into members covering contiguous, globally
// sorted identifier ranges. The index keeps one (member, min, max) entry per
// member and resolves an identifier with a binary search. It is built once,
// persisted as a small JSON table and never mutated afterwards, so a loaded
// Index is safe for concurrent use.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirenrich/sirenrich/internal/model"
)

// FormatVersion identifies the on-disk layout
const FormatVersion = "2.0-ranges"

var (
	// ErrCorrupt reports a violated ordering invariant or an unreadable index
	ErrCorrupt = errors.New("range index corrupt")
	// ErrStale reports an index written in an unsupported format
	ErrStale = errors.New("range index stale")
)

// Stats summarizes the archive scan that produced the index
type Stats struct {
	TotalFiles     int       `json:"total_files"`
	TotalCompanies int       `json:"total_companies"`
	TotalFilings   int       `json:"total_bilans"`
	CreatedAt      time.Time `json:"created_at"`
}

// Index is an immutable sorted table of member ranges
type Index struct {
	entries []model.MemberRange
	stats   Stats
}

type indexFile struct {
	Ranges        []model.MemberRange `json:"ranges"`
	Stats         Stats               `json:"stats"`
	FormatVersion string              `json:"format_version"`
}

// New validates entries and wraps them in an Index.
// Entries must be in ascending order with disjoint intervals.
func New(entries []model.MemberRange, stats Stats) (*Index, error) {
	if err := validate(entries); err != nil {
		return nil, err
	}
	cp := make([]model.MemberRange, len(entries))
	copy(cp, entries)
	return &Index{entries: cp, stats: stats}, nil
}

func validate(entries []model.MemberRange) error {
	for i, e := range entries {
		if !model.IsCompanyID(e.MinID) || !model.IsCompanyID(e.MaxID) {
			return fmt.Errorf("%w: member %s has invalid bounds [%q, %q]", ErrCorrupt, e.Member, e.MinID, e.MaxID)
		}
		if e.MinID > e.MaxID {
			return fmt.Errorf("%w: member %s min %s exceeds max %s", ErrCorrupt, e.Member, e.MinID, e.MaxID)
		}
		if i > 0 && e.MinID <= entries[i-1].MaxID {
			return fmt.Errorf("%w: member %s starts at %s, not after %s ending at %s",
				ErrCorrupt, e.Member, e.MinID, entries[i-1].Member, entries[i-1].MaxID)
		}
	}
	return nil
}

// Lookup returns the member whose interval contains id.
// Identifiers falling in a gap or outside the global range are not found.
func (ix *Index) Lookup(id string) (string, bool) {
	n := len(ix.entries)
	i := sort.Search(n, func(i int) bool {
		return ix.entries[i].MaxID >= id
	})
	if i < n && ix.entries[i].Contains(id) {
		return ix.entries[i].Member, true
	}
	return "", false
}

// Len returns the number of members indexed
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Entries returns a copy of the ranges
func (ix *Index) Entries() []model.MemberRange {
	cp := make([]model.MemberRange, len(ix.entries))
	copy(cp, ix.entries)
	return cp
}

// Stats returns the build statistics
func (ix *Index) Stats() Stats {
	return ix.stats
}

// Load reads and validates a persisted index
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, path, err)
	}
	if f.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: %s has format %q, want %q", ErrStale, path, f.FormatVersion, FormatVersion)
	}
	if len(f.Ranges) == 0 {
		return nil, fmt.Errorf("%w: %s holds no ranges", ErrCorrupt, path)
	}

	return New(f.Ranges, f.Stats)
}

// Save writes the index to path, replacing any previous file atomically
func (ix *Index) Save(path string) error {
	data, err := json.MarshalIndent(indexFile{
		Ranges:        ix.entries,
		Stats:         ix.stats,
		FormatVersion: FormatVersion,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish index: %w", err)
	}
	return nil
}
