package model

import "time"

// LookupStatus tags the outcome of an enrichment lookup for one identifier
type LookupStatus string

const (
	StatusFound       LookupStatus = "found"
	StatusNotFound    LookupStatus = "not_found"
	StatusFetchFailed LookupStatus = "fetch_failed"
	StatusInvalid     LookupStatus = "invalid"
)

// FinancialHistory is the enrichment result for one identifier.
// Filings are ordered most recent first.
type FinancialHistory struct {
	CompanyID string       `json:"company_id"`
	Status    LookupStatus `json:"status"`
	Member    string       `json:"member,omitempty"` // Archive member consulted, empty for local store hits
	Source    string       `json:"source,omitempty"` // "store" or "archive"
	Filings   []Filing     `json:"filings,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// EnrichReport is the document written by the enrich command
type EnrichReport struct {
	GeneratedAt time.Time                    `json:"generated_at"`
	Inputs      []EnrichInput                `json:"inputs"`
	Results     map[string]*FinancialHistory `json:"results"`
	Summary     EnrichSummary                `json:"summary"`
}

// EnrichInput records how a raw user input was resolved to an identifier
type EnrichInput struct {
	Query     string `json:"query"`
	CompanyID string `json:"company_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EnrichSummary counts results by status
type EnrichSummary struct {
	Total       int `json:"total"`
	Found       int `json:"found"`
	NotFound    int `json:"not_found"`
	FetchFailed int `json:"fetch_failed"`
	Invalid     int `json:"invalid"`
}

// Summarize counts the statuses in results
func Summarize(results map[string]*FinancialHistory) EnrichSummary {
	s := EnrichSummary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusFound:
			s.Found++
		case StatusNotFound:
			s.NotFound++
		case StatusFetchFailed:
			s.FetchFailed++
		case StatusInvalid:
			s.Invalid++
		}
	}
	return s
}
