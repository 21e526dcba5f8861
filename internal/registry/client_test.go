package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirenrich/sirenrich/internal/cache"
	"github.com/sirenrich/sirenrich/internal/retry"
	"github.com/sirenrich/sirenrich/internal/worker"
)

const edfResponse = `{"results": [{"siren": "552081317", "nom_complet": "ELECTRICITE DE FRANCE", "activite_principale": "35.11Z", "etat_administratif": "A"}], "total_results": 12}`

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
}

func newTestClient(url string, c cache.Cache) *Client {
	return NewClient(Options{
		BaseURL:   url,
		Timeout:   5 * time.Second,
		UserAgent: "sirenrich-test",
		Policy:    fastPolicy(),
		Limiter:   worker.NewLimiter(0, 1),
		Cache:     c,
		CacheTTL:  time.Hour,
	})
}

func TestClient_Search(t *testing.T) {
	var gotQuery, gotPerPage, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query().Get("q")
		gotPerPage = r.URL.Query().Get("per_page")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, edfResponse)
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	company, err := client.Search(context.Background(), "Electricite de France")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if company.SIREN != "552081317" || company.Name != "ELECTRICITE DE FRANCE" {
		t.Errorf("unexpected company: %+v", company)
	}
	if gotQuery != "Electricite de France" || gotPerPage != "1" {
		t.Errorf("unexpected query parameters q=%q per_page=%q", gotQuery, gotPerPage)
	}
	if gotAgent != "sirenrich-test" {
		t.Errorf("expected user agent to be sent, got %q", gotAgent)
	}
}

func TestClient_SiretIsTruncated(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		_, _ = fmt.Fprint(w, edfResponse)
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL, nil).Search(context.Background(), "552 081 317 00015"); err != nil {
		t.Fatal(err)
	}
	if gotQuery != "552081317" {
		t.Errorf("expected SIRET cut to SIREN, got %q", gotQuery)
	}
}

func TestClient_NoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"results": [], "total_results": 0}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, nil).Search(context.Background(), "zzzz")
	if !errors.Is(err, ErrNoMatch) {
		t.Errorf("expected ErrNoMatch, got %v", err)
	}
}

func TestClient_RetriesRateLimit(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = fmt.Fprint(w, edfResponse)
	}))
	defer server.Close()

	company, err := newTestClient(server.URL, nil).Search(context.Background(), "EDF")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if company.SIREN != "552081317" {
		t.Errorf("unexpected siren %s", company.SIREN)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, nil).Search(context.Background(), "EDF")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestClient_ServerErrorExhausts(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, nil).Search(context.Background(), "EDF")
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestClient_CachesAnswers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("q") == "nobody" {
			_, _ = fmt.Fprint(w, `{"results": []}`)
			return
		}
		_, _ = fmt.Fprint(w, edfResponse)
	}))
	defer server.Close()

	dir := t.TempDir()
	client := newTestClient(server.URL, cache.NewLayeredCache(time.Minute, dir, time.Hour))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := client.Search(ctx, "EDF"); err != nil {
			t.Fatal(err)
		}
		if _, err := client.Search(ctx, "nobody"); !errors.Is(err, ErrNoMatch) {
			t.Fatalf("expected ErrNoMatch, got %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", calls.Load())
	}

	// A fresh client over the same disk cache needs no request
	fresh := newTestClient(server.URL, cache.NewLayeredCache(time.Minute, dir, time.Hour))
	if _, err := fresh.Search(ctx, "EDF"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected disk cache hit, got %d requests", calls.Load())
	}
}

func TestClient_Resolve(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = fmt.Fprint(w, edfResponse)
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	ctx := context.Background()

	id, company, err := client.Resolve(ctx, "55208131700015")
	if err != nil || id != "552081317" || company != nil {
		t.Errorf("expected direct identifier, got %q %v %v", id, company, err)
	}
	if calls.Load() != 0 {
		t.Errorf("identifiers must not hit the API, got %d requests", calls.Load())
	}

	id, company, err = client.Resolve(ctx, "EDF")
	if err != nil {
		t.Fatal(err)
	}
	if id != "552081317" || company == nil || company.Name != "ELECTRICITE DE FRANCE" {
		t.Errorf("unexpected resolution %q %+v", id, company)
	}
}

func TestSearchQuery(t *testing.T) {
	tests := map[string]string{
		"  EDF ":           "EDF",
		"55208131700015":   "552081317",
		"552 081 317":      "552081317",
		"552081317":        "552081317",
		"Societe 123":      "Societe 123",
		"1234567890123456": "1234567890123456",
	}
	for in, want := range tests {
		if got := SearchQuery(in); got != want {
			t.Errorf("SearchQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want retry.Class
	}{
		{&StatusError{Code: 429}, retry.Transient},
		{&StatusError{Code: 503}, retry.Transient},
		{&StatusError{Code: 404}, retry.Fatal},
		{context.DeadlineExceeded, retry.Transient},
		{context.Canceled, retry.Fatal},
		{errors.New("boom"), retry.Fatal},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
