// Package builder loads archive members into the local filing store.
//
// Members are processed strictly one at a time: a member is streamed
// through the extractor, its retained filings are buffered, and only once the
// whole member decoded cleanly are they handed to the store writer. A member
// that cannot be read is counted as failed and skipped; a store write error
// aborts the build.
package builder

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/sirenrich/sirenrich/internal/extract"
	"github.com/sirenrich/sirenrich/internal/model"
	"github.com/sirenrich/sirenrich/internal/remote"
	"github.com/sirenrich/sirenrich/internal/retry"
	"github.com/sirenrich/sirenrich/internal/store"
)

// MemberOpener streams the payload of one archive member
type MemberOpener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Sink receives the filings of successfully decoded members
type Sink interface {
	Add(ctx context.Context, f model.Filing) error
	Rows() int64
}

var _ Sink = (*store.Writer)(nil)

// Progress is reported after every member
type Progress struct {
	Done   int
	Total  int
	Member string
	Rows   int64 // Rows handed to the sink so far
	Failed int
	Err    error // Non-nil when this member failed
}

// Options configures a build
type Options struct {
	Cutoff   time.Time    // Filings closed before are dropped
	Retry    retry.Policy // Applied per member; zero value means one attempt
	Progress func(Progress)
	Logger   *zap.Logger
}

// Summary reports the outcome of a build
type Summary struct {
	Members       int
	Failed        int
	FailedMembers []string
	Rows          int64
	Extract       extract.Stats
	Elapsed       time.Duration
}

// Build streams members into sink in order
func Build(ctx context.Context, names []string, opener MemberOpener, sink Sink, opts Options) (Summary, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	policy := opts.Retry
	if policy.Classify == nil {
		policy = policy.WithClassifier(remote.Classify)
	}

	extractor := extract.NewFilingExtractor(opts.Cutoff)
	start := time.Now()
	var summary Summary

	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		var (
			filings []model.Filing
			stats   extract.Stats
		)
		err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
			var err error
			filings, stats, err = readMember(ctx, opener, extractor, name)
			return err
		})

		summary.Members++
		if err != nil {
			summary.Failed++
			summary.FailedMembers = append(summary.FailedMembers, name)
			log.Error("member failed", zap.String("member", name), zap.Error(err))
		} else {
			for _, f := range filings {
				if err := sink.Add(ctx, f); err != nil {
					return summary, fmt.Errorf("store member %s: %w", name, err)
				}
			}
			summary.Extract.Add(stats)
			log.Debug("member loaded",
				zap.String("member", name),
				zap.Int("kept", stats.Kept),
				zap.Int("expired", stats.Expired),
				zap.Int("skipped", stats.Skipped),
				zap.Int("bad_values", stats.BadValues))
		}

		summary.Rows = sink.Rows()
		if opts.Progress != nil {
			opts.Progress(Progress{
				Done:   i + 1,
				Total:  len(names),
				Member: name,
				Rows:   summary.Rows,
				Failed: summary.Failed,
				Err:    err,
			})
		}
	}

	summary.Elapsed = time.Since(start)
	return summary, nil
}

// readMember decodes one whole member, keeping its filings only on success
func readMember(ctx context.Context, opener MemberOpener, extractor *extract.FilingExtractor, name string) ([]model.Filing, extract.Stats, error) {
	rc, err := opener.Open(ctx, name)
	if err != nil {
		return nil, extract.Stats{}, err
	}
	defer func() { _ = rc.Close() }()

	var filings []model.Filing
	stats, err := extractor.Extract(rc, func(f model.Filing) error {
		filings = append(filings, f)
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return filings, stats, nil
}
