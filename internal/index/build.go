package index

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/sirenrich/sirenrich/internal/extract"
	"github.com/sirenrich/sirenrich/internal/model"
)

// MemberOpener streams the payload of one archive member
type MemberOpener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// BuildOptions tunes Build
type BuildOptions struct {
	Logger   *zap.Logger
	Progress func(done, total int, entry model.MemberRange)
}

// Build scans every member in archive order and records its identifier
// bounds. The archive must already be globally sorted: a member whose minimum
// does not exceed the previous member's maximum aborts the build with
// ErrCorrupt. Members without any identifier are left out.
func Build(ctx context.Context, names []string, opener MemberOpener, opts BuildOptions) (*Index, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	entries := make([]model.MemberRange, 0, len(names))
	stats := Stats{CreatedAt: time.Now().UTC()}

	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bounds, err := scanMember(ctx, opener, name)
		if err != nil {
			return nil, fmt.Errorf("scan member %s: %w", name, err)
		}
		if bounds.Empty() {
			log.Warn("member holds no identifiers", zap.String("member", name))
			continue
		}

		entry := model.MemberRange{
			Member:    name,
			MinID:     bounds.MinID,
			MaxID:     bounds.MaxID,
			Companies: bounds.Companies,
			Filings:   bounds.Filings,
		}
		if n := len(entries); n > 0 && entry.MinID <= entries[n-1].MaxID {
			return nil, fmt.Errorf("%w: member %s starts at %s but %s ends at %s; archive is not globally sorted",
				ErrCorrupt, name, entry.MinID, entries[n-1].Member, entries[n-1].MaxID)
		}

		entries = append(entries, entry)
		stats.TotalFiles++
		stats.TotalCompanies += bounds.Companies
		stats.TotalFilings += bounds.Filings

		log.Debug("member indexed",
			zap.String("member", name),
			zap.String("min", entry.MinID),
			zap.String("max", entry.MaxID),
			zap.Int("filings", entry.Filings))

		if opts.Progress != nil {
			opts.Progress(i+1, len(names), entry)
		}
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no member produced a range", ErrCorrupt)
	}

	return New(entries, stats)
}

func scanMember(ctx context.Context, opener MemberOpener, name string) (extract.Bounds, error) {
	rc, err := opener.Open(ctx, name)
	if err != nil {
		return extract.Bounds{}, err
	}
	defer func() { _ = rc.Close() }()
	return extract.ScanBounds(rc)
}
