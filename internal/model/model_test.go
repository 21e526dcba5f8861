package model

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"siren", "552100554", "552100554", true},
		{"spaced siren", "552 100 554", "552100554", true},
		{"siret", "55210055400013", "552100554", true},
		{"spaced siret", "552 100 554 00013", "552100554", true},
		{"nbsp", "552\u00a0100\u00a0554", "552100554", true},
		{"short padded", "5521", "000005521", true},
		{"empty", "", "", false},
		{"letters", "55210O554", "", false},
		{"ten digits", "5521005540", "", false},
		{"name", "Acme Industries", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeID(tt.raw)
			if ok != tt.ok || got != tt.want {
				t.Errorf("NormalizeID(%q) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	got := RetentionCutoff(now, 7)
	want := time.Date(2018, time.January, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("RetentionCutoff = %v, want %v", got, want)
	}
	if !RetentionCutoff(now, 0).IsZero() {
		t.Error("zero retention should disable the cutoff")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Archive.Source = "s3"
	cfg.Batch.Workers = 0
	cfg.Batch.FailurePolicy = "skip"
	cfg.Fetch.Jitter = 1.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, key := range []string{"archive.source", "batch.workers", "batch.failure_policy", "fetch.jitter"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error does not mention %s: %v", key, err)
		}
	}
}

func TestValidateSourceSettings(t *testing.T) {
	tests := []struct {
		source string
		clear  func(*Config)
	}{
		{"zip", func(c *Config) { c.Archive.Zip = "" }},
		{"gcs", func(c *Config) { c.Archive.GCS.Bucket = "" }},
		{"dir", func(c *Config) { c.Archive.Dir = "" }},
		{"ftp", func(c *Config) { c.Archive.FTP.Host = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Archive.Source = tt.source
			tt.clear(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for %s source without its setting", tt.source)
			}
		})
	}
}

func TestFilingNewer(t *testing.T) {
	d := func(s string) time.Time {
		v, _ := time.Parse(DateLayout, s)
		return v
	}
	older := Filing{ClosingDate: d("2022-12-31"), FilingDate: d("2023-05-01")}
	newer := Filing{ClosingDate: d("2023-12-31"), FilingDate: d("2024-05-01")}
	amended := Filing{ClosingDate: d("2023-12-31"), FilingDate: d("2024-09-01")}

	if !newer.Newer(older) || older.Newer(newer) {
		t.Error("closing date should order filings")
	}
	if !amended.Newer(newer) {
		t.Error("later filing date should win on equal closing dates")
	}
}

func TestFiguresGetSet(t *testing.T) {
	var f Figures
	for i, ind := range Indicators {
		f.Set(ind, Int64(int64(i+1)))
	}
	for i, ind := range Indicators {
		if v := f.Get(ind); v == nil || *v != int64(i+1) {
			t.Errorf("Get(%s) = %v, want %d", ind, v, i+1)
		}
	}
	if f.Get("unknown") != nil {
		t.Error("unknown indicator should be nil")
	}
	if IndicatorHeadcount.IsCurrency() || !IndicatorRevenue.IsCurrency() {
		t.Error("IsCurrency mismatch")
	}
}

func TestSummarize(t *testing.T) {
	results := map[string]*FinancialHistory{
		"552100554": {Status: StatusFound},
		"775665019": {Status: StatusFound},
		"000000001": {Status: StatusNotFound},
		"000000002": {Status: StatusFetchFailed},
		"bogus":     {Status: StatusInvalid},
	}

	s := Summarize(results)
	if s.Total != 5 || s.Found != 2 || s.NotFound != 1 || s.FetchFailed != 1 || s.Invalid != 1 {
		t.Errorf("Summarize = %+v", s)
	}
}
