package lookup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirenrich/sirenrich/internal/builder"
	"github.com/sirenrich/sirenrich/internal/cache"
	"github.com/sirenrich/sirenrich/internal/index"
	"github.com/sirenrich/sirenrich/internal/model"
	"github.com/sirenrich/sirenrich/internal/remote"
	"github.com/sirenrich/sirenrich/internal/retry"
	"github.com/sirenrich/sirenrich/internal/store"
	"github.com/sirenrich/sirenrich/internal/worker"
)

var members = map[string]string{
	"stock_000001.json": `[
		{"siren": "005880596", "dateCloture": "2023-12-31", "dateDepot": "2024-04-01", "typeBilan": "C",
		 "bilanSaisi": {"bilan": {"detail": {"pages": [{"liasses": [
			{"code": "FA", "m1": "000000000150000", "m2": "000000000140000"},
			{"code": "HY", "m1": "000000000000012"}
		 ]}]}}}}
	]`,
	"stock_000002.json": `[
		{"siren": "552100554", "dateCloture": "2021-12-31", "dateDepot": "2022-05-01", "typeBilan": "C",
		 "bilanSaisi": {"bilan": {"detail": {"pages": [{"liasses": [{"code": "FA", "m1": "000000090000000"}]}]}}}},
		{"siren": "552100554", "dateCloture": "2023-12-31", "dateDepot": "2024-05-02", "typeBilan": "C",
		 "bilanSaisi": {"bilan": {"detail": {"pages": [{"liasses": [
			{"code": "FA", "m1": "000000098765400"},
			{"code": "HN", "m1": "-00000000050000"},
			{"code": "GC", "m1": "000000000120000"},
			{"code": "BJ", "m1": "000000012345600"},
			{"code": "DL", "m1": "000000004000000"},
			{"code": "HY", "m1": "000000000000042"}
		 ]}]}}}},
		{"siren": "552100554", "dateCloture": "2022-12-31", "dateDepot": "2023-05-02", "typeBilan": "C",
		 "bilanSaisi": {"bilan": {"detail": {"pages": [{"liasses": [{"code": "FA", "m1": "000000095000000"}]}]}}}},
		{"siren": "552100554", "dateCloture": "2015-12-31", "typeBilan": "C"}
	]`,
}

func cutoff() time.Time {
	return time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)
}

func writeMembers(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, payload := range members {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(payload), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func buildStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	ctx := context.Background()
	src := remote.NewDirSource(dir)
	names, err := src.Members(ctx)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "finances.db")
	w, err := store.Create(path, store.CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sum, err := builder.Build(ctx, names, src, w, builder.Options{Cutoff: cutoff()})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := w.Commit(ctx, store.Meta{Members: sum.Members, Rows: sum.Rows}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fetchCounter struct {
	*remote.Fetcher
	fetches atomic.Int32
}

func (f *fetchCounter) Fetch(ctx context.Context, name string) ([]byte, error) {
	f.fetches.Add(1)
	return f.Fetcher.Fetch(ctx, name)
}

func archiveScheduler(t *testing.T, dir string) (*worker.Scheduler, *fetchCounter) {
	t.Helper()
	ctx := context.Background()
	src := remote.NewDirSource(dir)
	names, err := src.Members(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ix, err := index.Build(ctx, names, src, index.BuildOptions{})
	if err != nil {
		t.Fatalf("index build failed: %v", err)
	}

	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2}
	fetcher := &fetchCounter{Fetcher: remote.NewFetcher(src, cache.NewSlotStore(t.TempDir()), remote.FetcherOptions{Policy: policy})}
	return worker.NewScheduler(ix, fetcher, worker.SchedulerOptions{Workers: 2, Cutoff: cutoff()}), fetcher
}

func TestService_StoreRoundTrip(t *testing.T) {
	svc := NewService(Options{Store: buildStore(t, writeMembers(t))})
	if svc.Backend() != "store" {
		t.Errorf("expected store backend, got %s", svc.Backend())
	}

	h, err := svc.GetFinancials(context.Background(), "552 100 554", 0)
	if err != nil {
		t.Fatalf("GetFinancials failed: %v", err)
	}
	if h.Status != model.StatusFound || h.Source != "store" {
		t.Fatalf("expected found from store, got %s from %q", h.Status, h.Source)
	}
	if len(h.Filings) != 3 {
		t.Fatalf("expected 3 retained filings, got %d", len(h.Filings))
	}

	latest := h.Filings[0]
	if latest.ClosingDate.Format(model.DateLayout) != "2023-12-31" {
		t.Fatalf("expected most recent filing first, got %v", latest.ClosingDate)
	}
	want := map[model.Indicator]int64{
		model.IndicatorRevenue:         987654,
		model.IndicatorNetIncome:       -500,
		model.IndicatorOperatingIncome: 1200,
		model.IndicatorTotalAssets:     123456,
		model.IndicatorEquity:          40000,
		model.IndicatorHeadcount:       42,
	}
	for ind, v := range want {
		got := latest.Current.Get(ind)
		if got == nil || *got != v {
			t.Errorf("%s: expected %d, got %v", ind, v, got)
		}
	}
}

func TestService_StoreMaxYearsAndMiss(t *testing.T) {
	svc := NewService(Options{Store: buildStore(t, writeMembers(t))})
	ctx := context.Background()

	h, err := svc.GetFinancials(ctx, "552100554", 2)
	if err != nil {
		t.Fatalf("GetFinancials failed: %v", err)
	}
	if len(h.Filings) != 2 {
		t.Errorf("expected 2 filings, got %d", len(h.Filings))
	}

	miss, err := svc.GetFinancials(ctx, "999999999", 0)
	if err != nil {
		t.Fatalf("a miss is not an error: %v", err)
	}
	if miss.Status != model.StatusNotFound || len(miss.Filings) != 0 {
		t.Errorf("expected empty not_found, got %+v", miss)
	}

	if _, err := svc.GetFinancials(ctx, "12ab", 0); !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

func TestService_ArchiveFallback(t *testing.T) {
	scheduler, fetcher := archiveScheduler(t, writeMembers(t))
	svc := NewService(Options{Scheduler: scheduler, CacheTTL: time.Minute})
	if svc.Backend() != "archive" {
		t.Errorf("expected archive backend, got %s", svc.Backend())
	}
	ctx := context.Background()

	h, err := svc.GetFinancials(ctx, "55210055400013", 0)
	if err != nil {
		t.Fatalf("GetFinancials failed: %v", err)
	}
	if h.Status != model.StatusFound || h.Source != "archive" || h.Member != "stock_000002.json" {
		t.Fatalf("unexpected result: %s from %q member %q", h.Status, h.Source, h.Member)
	}
	if len(h.Filings) != 3 {
		t.Fatalf("expected 3 filings, got %d", len(h.Filings))
	}
	if h.Filings[0].ClosingDate.Format(model.DateLayout) != "2023-12-31" {
		t.Errorf("expected most recent filing first, got %v", h.Filings[0].ClosingDate)
	}

	// Served from the result cache
	if _, err := svc.GetFinancials(ctx, "552100554", 0); err != nil {
		t.Fatal(err)
	}
	if n := fetcher.fetches.Load(); n != 1 {
		t.Errorf("expected 1 member fetch, got %d", n)
	}

	// Outside every member range: no fetch
	miss, err := svc.GetFinancials(ctx, "999999999", 0)
	if err != nil {
		t.Fatal(err)
	}
	if miss.Status != model.StatusNotFound {
		t.Errorf("expected not_found, got %s", miss.Status)
	}
	if n := fetcher.fetches.Load(); n != 1 {
		t.Errorf("expected no fetch for an unresolvable identifier, got %d fetches", n)
	}
}

func TestService_StoreAndArchiveAgree(t *testing.T) {
	dir := writeMembers(t)
	local := NewService(Options{Store: buildStore(t, dir)})
	scheduler, _ := archiveScheduler(t, dir)
	remoteSvc := NewService(Options{Scheduler: scheduler})
	ctx := context.Background()

	for _, id := range []string{"005880596", "552100554"} {
		a, err := local.GetFinancials(ctx, id, 0)
		if err != nil {
			t.Fatal(err)
		}
		b, err := remoteSvc.GetFinancials(ctx, id, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(a.Filings) != len(b.Filings) {
			t.Fatalf("%s: store has %d filings, archive %d", id, len(a.Filings), len(b.Filings))
		}
		for i := range a.Filings {
			for _, ind := range model.Indicators {
				x, y := a.Filings[i].Current.Get(ind), b.Filings[i].Current.Get(ind)
				if (x == nil) != (y == nil) || (x != nil && *x != *y) {
					t.Errorf("%s filing %d %s: store %v archive %v", id, i, ind, x, y)
				}
			}
		}
	}
}

func TestService_EnrichFromStore(t *testing.T) {
	svc := NewService(Options{Store: buildStore(t, writeMembers(t))})

	var calls int
	results, err := svc.Enrich(context.Background(), []string{"552100554", "005880596", "999999999", "bad", "552100554"}, 0,
		func(done, total int, member string) {
			calls++
			if total != 3 {
				t.Errorf("expected total 3, got %d", total)
			}
		})
	if err != nil {
		t.Fatalf("Enrich failed: %v", err)
	}

	s := model.Summarize(results)
	if s.Total != 4 || s.Found != 2 || s.NotFound != 1 || s.Invalid != 1 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if calls != 3 {
		t.Errorf("expected 3 progress calls, got %d", calls)
	}
}

func TestService_NoBackend(t *testing.T) {
	svc := NewService(Options{})
	if _, err := svc.GetFinancials(context.Background(), "552100554", 0); !errors.Is(err, ErrNoBackend) {
		t.Errorf("expected ErrNoBackend, got %v", err)
	}
	if _, err := svc.Enrich(context.Background(), []string{"552100554"}, 0, nil); !errors.Is(err, ErrNoBackend) {
		t.Errorf("expected ErrNoBackend, got %v", err)
	}
}
