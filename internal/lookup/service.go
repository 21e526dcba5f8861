// Package lookup serves financial histories, from the local store when one is
// built and from the remote archive otherwise.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sirenrich/sirenrich/internal/cache"
	"github.com/sirenrich/sirenrich/internal/model"
	"github.com/sirenrich/sirenrich/internal/worker"
)

var (
	// ErrInvalidID is returned for input that is neither a SIREN nor a SIRET
	ErrInvalidID = errors.New("invalid company identifier")
	// ErrNoBackend is returned when neither a store nor a scheduler is configured
	ErrNoBackend = errors.New("no local store and no remote archive configured")
)

// FilingStore is the read side of the relational store
type FilingStore interface {
	Query(ctx context.Context, companyID string, limit int) ([]model.Filing, error)
}

// Options configures a Service
type Options struct {
	Store     FilingStore       // Preferred when set
	Scheduler *worker.Scheduler // Remote fallback
	CacheTTL  time.Duration     // Result cache lifetime, zero disables caching
	Logger    *zap.Logger
}

// Service is the query-time facade
type Service struct {
	store     FilingStore
	scheduler *worker.Scheduler
	results   *cache.Memory[*model.FinancialHistory]
	ttl       time.Duration
	log       *zap.Logger
}

// NewService creates a lookup service
func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:     opts.Store,
		scheduler: opts.Scheduler,
		ttl:       opts.CacheTTL,
		log:       log,
	}
	if opts.CacheTTL > 0 {
		s.results = cache.NewMemory[*model.FinancialHistory](opts.CacheTTL, 2*opts.CacheTTL)
	}
	return s
}

// Backend names the data source lookups are served from
func (s *Service) Backend() string {
	switch {
	case s.store != nil:
		return "store"
	case s.scheduler != nil:
		return "archive"
	}
	return "none"
}

// GetFinancials returns the filings of one company, most recent first,
// at most maxYears of them (zero keeps all). A company without filings
// yields a not_found history and no error.
func (s *Service) GetFinancials(ctx context.Context, rawID string, maxYears int) (*model.FinancialHistory, error) {
	id, ok := model.NormalizeID(rawID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, rawID)
	}

	key := cache.Key(id, fmt.Sprint(maxYears))
	if s.results != nil {
		if h, ok := s.results.Get(key); ok {
			return h, nil
		}
	}

	var (
		h   *model.FinancialHistory
		err error
	)
	switch {
	case s.store != nil:
		h, err = s.fromStore(ctx, id, maxYears)
	case s.scheduler != nil:
		h = s.fromArchive(ctx, id, maxYears)
	default:
		return nil, ErrNoBackend
	}
	if err != nil {
		return nil, err
	}

	if s.results != nil && h.Status != model.StatusFetchFailed {
		s.results.Set(key, h, s.ttl)
	}
	return h, nil
}

func (s *Service) fromStore(ctx context.Context, id string, maxYears int) (*model.FinancialHistory, error) {
	filings, err := s.store.Query(ctx, id, maxYears)
	if err != nil {
		return nil, fmt.Errorf("query store: %w", err)
	}
	h := &model.FinancialHistory{CompanyID: id, Status: model.StatusNotFound, Source: "store"}
	if len(filings) > 0 {
		h.Status = model.StatusFound
		h.Filings = filings
	}
	s.log.Debug("store lookup", zap.String("siren", id), zap.Int("filings", len(filings)))
	return h, nil
}

func (s *Service) fromArchive(ctx context.Context, id string, maxYears int) *model.FinancialHistory {
	h := s.scheduler.Enrich(ctx, []string{id}, nil)[id]
	if maxYears > 0 && len(h.Filings) > maxYears {
		h.Filings = h.Filings[:maxYears]
	}
	return h
}

// Enrich resolves many identifiers at once. With a local store each
// identifier is queried directly; otherwise the batch scheduler groups
// them by archive member.
func (s *Service) Enrich(ctx context.Context, ids []string, maxYears int, progress worker.ProgressFunc) (map[string]*model.FinancialHistory, error) {
	switch {
	case s.store != nil:
	case s.scheduler != nil:
		results := s.scheduler.Enrich(ctx, ids, progress)
		for _, h := range results {
			if maxYears > 0 && len(h.Filings) > maxYears {
				h.Filings = h.Filings[:maxYears]
			}
		}
		return results, nil
	default:
		return nil, ErrNoBackend
	}

	results := make(map[string]*model.FinancialHistory, len(ids))
	var valid []string
	for _, raw := range ids {
		id, ok := model.NormalizeID(raw)
		if !ok {
			results[raw] = &model.FinancialHistory{CompanyID: raw, Status: model.StatusInvalid, Error: "not a SIREN or SIRET"}
			continue
		}
		if _, dup := results[id]; !dup {
			results[id] = nil
			valid = append(valid, id)
		}
	}
	sort.Strings(valid)

	for i, id := range valid {
		h, err := s.fromStore(ctx, id, maxYears)
		if err != nil {
			return nil, err
		}
		results[id] = h
		if progress != nil {
			progress(i+1, len(valid), "")
		}
	}
	return results, nil
}
