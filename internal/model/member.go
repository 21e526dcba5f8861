package model

// MemberRange describes the identifier interval covered by one archive member
type MemberRange struct {
	Member    string `json:"file"`
	MinID     string `json:"siren_min"`
	MaxID     string `json:"siren_max"`
	Companies int    `json:"companies"` // Distinct identifiers, diagnostics only
	Filings   int    `json:"bilans"`    // Records seen, diagnostics only
}

// Contains reports whether id falls within [MinID, MaxID]
func (r MemberRange) Contains(id string) bool {
	return r.MinID <= id && id <= r.MaxID
}
