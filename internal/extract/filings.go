package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirenrich/sirenrich/internal/model"
)

// lineItemCodes maps the liasse codes we keep to their indicator
var lineItemCodes = map[string]model.Indicator{
	"FA": model.IndicatorRevenue,
	"HN": model.IndicatorNetIncome,
	"GC": model.IndicatorOperatingIncome,
	"BJ": model.IndicatorTotalAssets,
	"DL": model.IndicatorEquity,
	"HY": model.IndicatorHeadcount,
}

var errEmptyValue = errors.New("empty value")

// Stats counts what happened to the records of one payload
type Stats struct {
	Records   int // Elements seen in the filing array
	Kept      int // Filings emitted
	Skipped   int // Records missing an identifier or closing date, or undecodable
	Expired   int // Records closed before the retention cutoff
	Filtered  int // Records for companies outside the requested set
	BadValues int // Line-item values that failed to parse
}

// Add accumulates other into s
func (s *Stats) Add(other Stats) {
	s.Records += other.Records
	s.Kept += other.Kept
	s.Skipped += other.Skipped
	s.Expired += other.Expired
	s.Filtered += other.Filtered
	s.BadValues += other.BadValues
}

// FilingExtractor turns raw member payloads into normalized filings
type FilingExtractor struct {
	cutoff    time.Time
	companies map[string]struct{}
}

// NewFilingExtractor creates an extractor dropping filings closed before cutoff.
// A zero cutoff keeps everything.
func NewFilingExtractor(cutoff time.Time) *FilingExtractor {
	return &FilingExtractor{cutoff: cutoff}
}

// ForCompanies returns a copy of the extractor that only emits filings for ids
func (e *FilingExtractor) ForCompanies(ids []string) *FilingExtractor {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return &FilingExtractor{cutoff: e.cutoff, companies: set}
}

// Extract streams the payload in r and calls emit for every retained filing.
// Malformed records and line-items are counted and skipped; an error is only
// returned when the payload itself cannot be read or emit fails.
func (e *FilingExtractor) Extract(r io.Reader, emit func(model.Filing) error) (Stats, error) {
	var stats Stats

	err := walkRecords(r, func(dec *json.Decoder) error {
		stats.Records++

		var rec rawRecord
		skip, err := decodeElement(dec, &rec)
		if err != nil {
			return err
		}
		if skip {
			stats.Skipped++
			return nil
		}

		filing, outcome, bad := e.normalize(&rec)
		stats.BadValues += bad
		switch outcome {
		case outcomeSkipped:
			stats.Skipped++
			return nil
		case outcomeExpired:
			stats.Expired++
			return nil
		case outcomeFiltered:
			stats.Filtered++
			return nil
		}

		stats.Kept++
		return emit(filing)
	})

	return stats, err
}

// ExtractBytes is Extract over an in-memory payload, collecting the filings
func (e *FilingExtractor) ExtractBytes(payload []byte) ([]model.Filing, Stats, error) {
	var filings []model.Filing
	stats, err := e.Extract(bytes.NewReader(payload), func(f model.Filing) error {
		filings = append(filings, f)
		return nil
	})
	return filings, stats, err
}

type outcome int

const (
	outcomeKept outcome = iota
	outcomeSkipped
	outcomeExpired
	outcomeFiltered
)

func (e *FilingExtractor) normalize(rec *rawRecord) (model.Filing, outcome, int) {
	id, ok := recordID(rec.Siren)
	if !ok {
		return model.Filing{}, outcomeSkipped, 0
	}

	if e.companies != nil {
		if _, wanted := e.companies[id]; !wanted {
			return model.Filing{}, outcomeFiltered, 0
		}
	}

	closingRaw := firstNonEmpty(rec.DateCloture, rec.ClosingCompat, rec.BilanSaisi.Bilan.Identite.DateClotureExercice)
	closing, err := parseDate(closingRaw)
	if err != nil {
		return model.Filing{}, outcomeSkipped, 0
	}
	if !e.cutoff.IsZero() && closing.Before(e.cutoff) {
		return model.Filing{}, outcomeExpired, 0
	}

	filing := model.Filing{
		CompanyID:     id,
		ClosingDate:   closing,
		StatementType: model.StatementType(strings.TrimSpace(firstNonEmpty(rec.TypeBilan, rec.TypeCompat))),
	}
	if filed, err := parseDate(firstNonEmpty(rec.DateDepot, rec.FilingCompat)); err == nil {
		filing.FilingDate = filed
	}

	bad := 0
	if len(rec.Metrics) > 0 {
		for code, line := range rec.Metrics {
			ind, ok := lineItemCodes[strings.TrimSpace(code)]
			if !ok {
				continue
			}
			bad += setAmount(&filing.Current, ind, string(line.M1))
			bad += setAmount(&filing.Previous, ind, string(line.M2))
		}
		return filing, outcomeKept, bad
	}

	for _, page := range rec.BilanSaisi.Bilan.Detail.Pages {
		for _, lines := range [][]rawLine{page.Liasses, page.Lignes} {
			for _, line := range lines {
				ind, ok := lineItemCodes[strings.TrimSpace(line.Code)]
				if !ok {
					continue
				}
				bad += setAmount(&filing.Current, ind, string(line.M1))
				bad += setAmount(&filing.Previous, ind, string(line.M2))
			}
		}
	}

	return filing, outcomeKept, bad
}

// setAmount parses raw into figures and returns 1 when the value was malformed
func setAmount(figures *model.Figures, ind model.Indicator, raw string) int {
	v, err := ParseAmount(raw, ind.IsCurrency())
	if err != nil {
		if errors.Is(err, errEmptyValue) {
			return 0
		}
		return 1
	}
	figures.Set(ind, &v)
	return 0
}

// ParseAmount decodes a fixed-width zero-padded line-item value.
// Currency amounts are encoded in centimes and returned in whole currency units.
func ParseAmount(raw string, centimes bool) (int64, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")
	if s == "" || s == "-" {
		return 0, errEmptyValue
	}

	sign := int64(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" {
		return 0, fmt.Errorf("parse amount %q: no digits", raw)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("parse amount %q: non-numeric", raw)
		}
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if centimes {
		v /= 100
	}
	return sign * v, nil
}

// recordID accepts identifiers of at most nine digits, restoring leading
// zeros lost when the source encoded them as numbers
func recordID(raw rawValue) (string, bool) {
	s := strings.TrimSpace(string(raw))
	if len(s) > 9 {
		return "", false
	}
	return model.NormalizeID(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errEmptyValue
	}
	if len(s) > 10 {
		s = s[:10]
	}
	if t, err := time.Parse(model.DateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse("20060102", s)
}
