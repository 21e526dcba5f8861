package model

import "time"

// DateLayout is the calendar date format used by the archive and the store.
const DateLayout = "2006-01-02"

// Indicator identifies one of the six retained financial line-items
type Indicator string

const (
	IndicatorRevenue         Indicator = "revenue"          // FA - chiffre d'affaires
	IndicatorNetIncome       Indicator = "net_income"       // HN - résultat net
	IndicatorOperatingIncome Indicator = "operating_income" // GC - résultat d'exploitation
	IndicatorTotalAssets     Indicator = "total_assets"     // BJ - total actif
	IndicatorEquity          Indicator = "equity"           // DL - capitaux propres
	IndicatorHeadcount       Indicator = "headcount"        // HY - effectif moyen
)

// Indicators lists the retained indicators in storage column order
var Indicators = []Indicator{
	IndicatorRevenue,
	IndicatorNetIncome,
	IndicatorOperatingIncome,
	IndicatorTotalAssets,
	IndicatorEquity,
	IndicatorHeadcount,
}

// IsCurrency reports whether the indicator is a monetary amount
func (i Indicator) IsCurrency() bool {
	return i != IndicatorHeadcount
}

// StatementType tags the kind of financial statement filed
type StatementType string

const (
	StatementFull         StatementType = "C" // complet
	StatementSimplified   StatementType = "S" // simplifié
	StatementConsolidated StatementType = "K" // consolidé
)

// Figures holds the six indicators for one fiscal year.
// A nil pointer means the line-item was absent or unparseable.
type Figures struct {
	Revenue         *int64 `json:"revenue,omitempty"`
	NetIncome       *int64 `json:"net_income,omitempty"`
	OperatingIncome *int64 `json:"operating_income,omitempty"`
	TotalAssets     *int64 `json:"total_assets,omitempty"`
	Equity          *int64 `json:"equity,omitempty"`
	Headcount       *int64 `json:"headcount,omitempty"`
}

// Get returns the value of one indicator
func (f *Figures) Get(ind Indicator) *int64 {
	switch ind {
	case IndicatorRevenue:
		return f.Revenue
	case IndicatorNetIncome:
		return f.NetIncome
	case IndicatorOperatingIncome:
		return f.OperatingIncome
	case IndicatorTotalAssets:
		return f.TotalAssets
	case IndicatorEquity:
		return f.Equity
	case IndicatorHeadcount:
		return f.Headcount
	}
	return nil
}

// Set assigns the value of one indicator
func (f *Figures) Set(ind Indicator, v *int64) {
	switch ind {
	case IndicatorRevenue:
		f.Revenue = v
	case IndicatorNetIncome:
		f.NetIncome = v
	case IndicatorOperatingIncome:
		f.OperatingIncome = v
	case IndicatorTotalAssets:
		f.TotalAssets = v
	case IndicatorEquity:
		f.Equity = v
	case IndicatorHeadcount:
		f.Headcount = v
	}
}

// Filing is one company's financial statement for one fiscal year
type Filing struct {
	CompanyID     string        `json:"company_id"`               // 9-digit SIREN
	ClosingDate   time.Time     `json:"closing_date"`             // Defines the fiscal year
	FilingDate    time.Time     `json:"filing_date,omitempty"`    // Zero when absent
	StatementType StatementType `json:"statement_type,omitempty"` // C / S / K
	Current       Figures       `json:"current"`                  // Fiscal year N
	Previous      Figures       `json:"previous"`                 // Fiscal year N-1 as reported in this filing
}

// Newer reports whether f sorts before other in most-recent-first order.
// Ties on closing date break on filing date.
func (f Filing) Newer(other Filing) bool {
	if !f.ClosingDate.Equal(other.ClosingDate) {
		return f.ClosingDate.After(other.ClosingDate)
	}
	return f.FilingDate.After(other.FilingDate)
}

// Int64 is a helper for building Figures literals
func Int64(v int64) *int64 {
	return &v
}
