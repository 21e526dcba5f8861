package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sirenrich/sirenrich/internal/extract"
	"github.com/sirenrich/sirenrich/internal/model"
)

// Resolver maps a company identifier to the archive member holding it
type Resolver interface {
	Lookup(id string) (string, bool)
}

// MemberFetcher materializes archive members
type MemberFetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
	Evict(name string) error
}

// FailurePolicy decides how identifiers of a member that could not be
// fetched are reported
type FailurePolicy string

const (
	FailureMarkFailed   FailurePolicy = "failed"    // fetch_failed, worth retrying later
	FailureMarkNotFound FailurePolicy = "not_found" // treated as absent from the archive
)

// ParseFailurePolicy validates a configured policy; empty selects FailureMarkFailed
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.TrimSpace(s)) {
	case "", FailureMarkFailed:
		return FailureMarkFailed, nil
	case FailureMarkNotFound:
		return FailureMarkNotFound, nil
	}
	return "", fmt.Errorf("unknown failure policy %q (want %q or %q)", s, FailureMarkFailed, FailureMarkNotFound)
}

// ProgressFunc is called after each member group completes
type ProgressFunc func(done, total int, member string)

// GroupJob fetches one member and extracts the filings of its identifiers
type GroupJob struct {
	Member    string
	IDs       []string
	fetcher   MemberFetcher
	extractor *extract.FilingExtractor
	maxYears  int
}

// Execute executes the group job
func (j *GroupJob) Execute(ctx context.Context) Result {
	res := &GroupResult{Member: j.Member, IDs: j.IDs}
	if err := ctx.Err(); err != nil {
		res.Error = err
		return res
	}

	// A started group runs to completion, bounded by the fetcher's attempt
	// timeout and retry budget rather than by the batch context
	defer func() { res.EvictError = j.fetcher.Evict(j.Member) }()
	payload, err := j.fetcher.Fetch(context.WithoutCancel(ctx), j.Member)
	if err != nil {
		res.Error = fmt.Errorf("fetch %s: %w", j.Member, err)
		return res
	}

	filings, stats, err := j.extractor.ForCompanies(j.IDs).ExtractBytes(payload)
	res.Stats = stats
	if err != nil {
		res.Error = fmt.Errorf("extract %s: %w", j.Member, err)
		return res
	}

	res.Filings = make(map[string][]model.Filing, len(j.IDs))
	for _, f := range filings {
		res.Filings[f.CompanyID] = append(res.Filings[f.CompanyID], f)
	}
	for id, list := range res.Filings {
		sort.SliceStable(list, func(a, b int) bool { return list[a].Newer(list[b]) })
		if j.maxYears > 0 && len(list) > j.maxYears {
			list = list[:j.maxYears]
		}
		res.Filings[id] = list
	}
	return res
}

// GroupResult holds the outcome of one member group
type GroupResult struct {
	Member     string
	IDs        []string
	Filings    map[string][]model.Filing
	Stats      extract.Stats
	Error      error
	EvictError error
}

// GetError returns the error from the group result
func (r *GroupResult) GetError() error {
	return r.Error
}

// SchedulerOptions configures a Scheduler
type SchedulerOptions struct {
	Workers       int       // Members fetched concurrently
	MaxYears      int       // Filings kept per identifier, zero keeps all
	Cutoff        time.Time // Retention cutoff applied during extraction
	FailurePolicy FailurePolicy
	Logger        *zap.Logger
}

// Scheduler enriches many identifiers at once. Identifiers are grouped by
// the archive member holding them and each member is fetched once, with at
// most Workers members in flight. Concurrency is bounded by members, never
// by identifiers.
type Scheduler struct {
	resolver  Resolver
	fetcher   MemberFetcher
	extractor *extract.FilingExtractor
	opts      SchedulerOptions
	log       *zap.Logger
}

// NewScheduler creates a batch scheduler
func NewScheduler(resolver Resolver, fetcher MemberFetcher, opts SchedulerOptions) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailureMarkFailed
	}
	return &Scheduler{
		resolver:  resolver,
		fetcher:   fetcher,
		extractor: extract.NewFilingExtractor(opts.Cutoff),
		opts:      opts,
		log:       log,
	}
}

// Plan groups normalized identifiers by member. Identifiers no member
// covers are returned separately.
func (s *Scheduler) Plan(ids []string) (groups map[string][]string, unresolved []string) {
	groups = make(map[string][]string)
	for _, id := range ids {
		member, ok := s.resolver.Lookup(id)
		if !ok {
			unresolved = append(unresolved, id)
			continue
		}
		groups[member] = append(groups[member], id)
	}
	return groups, unresolved
}

// Enrich returns one history per input, keyed by normalized identifier
// (or by the raw input when it is not a valid identifier). It never fails as
// a whole: every input ends up found, not_found, fetch_failed or invalid.
func (s *Scheduler) Enrich(ctx context.Context, inputs []string, progress ProgressFunc) map[string]*model.FinancialHistory {
	results := make(map[string]*model.FinancialHistory, len(inputs))

	var ids []string
	for _, raw := range inputs {
		id, ok := model.NormalizeID(raw)
		if !ok {
			results[raw] = &model.FinancialHistory{
				CompanyID: raw,
				Status:    model.StatusInvalid,
				Error:     "not a SIREN or SIRET",
			}
			continue
		}
		if _, dup := results[id]; dup {
			continue
		}
		// Placeholder so duplicates collapse; every id is overwritten below
		results[id] = &model.FinancialHistory{CompanyID: id, Status: model.StatusNotFound}
		ids = append(ids, id)
	}

	groups, unresolved := s.Plan(ids)
	for _, id := range unresolved {
		results[id] = &model.FinancialHistory{CompanyID: id, Status: model.StatusNotFound}
	}

	members := make([]string, 0, len(groups))
	for m := range groups {
		members = append(members, m)
	}
	sort.Strings(members)

	jobs := make([]Job, 0, len(members))
	for _, m := range members {
		jobs = append(jobs, &GroupJob{
			Member:    m,
			IDs:       groups[m],
			fetcher:   s.fetcher,
			extractor: s.extractor,
			maxYears:  s.opts.MaxYears,
		})
	}

	s.log.Info("batch planned",
		zap.Int("identifiers", len(ids)),
		zap.Int("members", len(members)),
		zap.Int("unresolved", len(unresolved)),
		zap.Int("workers", s.opts.Workers))

	done := 0
	NewPool(s.opts.Workers).Run(ctx, jobs, func(r Result) {
		res := r.(*GroupResult)
		s.collect(res, results)
		done++
		if progress != nil {
			progress(done, len(jobs), res.Member)
		}
	})

	// Groups never queued because ctx ended still get a result
	if done < len(jobs) {
		for _, job := range jobs {
			g := job.(*GroupJob)
			for _, id := range g.IDs {
				if r := results[id]; r.Member == "" {
					s.collect(&GroupResult{Member: g.Member, IDs: []string{id}, Error: ctx.Err()}, results)
				}
			}
		}
	}

	return results
}

// collect turns a group result into per-identifier histories
func (s *Scheduler) collect(res *GroupResult, results map[string]*model.FinancialHistory) {
	if res.EvictError != nil {
		s.log.Warn("evict failed", zap.String("member", res.Member), zap.Error(res.EvictError))
	}

	if res.Error != nil {
		s.log.Warn("member group failed",
			zap.String("member", res.Member),
			zap.Int("identifiers", len(res.IDs)),
			zap.Error(res.Error))

		status := model.StatusFetchFailed
		if s.opts.FailurePolicy == FailureMarkNotFound {
			status = model.StatusNotFound
		}
		for _, id := range res.IDs {
			results[id] = &model.FinancialHistory{
				CompanyID: id,
				Status:    status,
				Member:    res.Member,
				Source:    "archive",
				Error:     res.Error.Error(),
			}
		}
		return
	}

	for _, id := range res.IDs {
		h := &model.FinancialHistory{
			CompanyID: id,
			Status:    model.StatusNotFound,
			Member:    res.Member,
			Source:    "archive",
		}
		if filings := res.Filings[id]; len(filings) > 0 {
			h.Status = model.StatusFound
			h.Filings = filings
		}
		results[id] = h
	}
}

// ReadInputsFromFile reads identifiers or company names from a file (one per line)
func ReadInputsFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var inputs []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !seen[line] {
			seen[line] = true
			inputs = append(inputs, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	return inputs, nil
}
