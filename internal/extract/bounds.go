package extract

import (
	"encoding/json"
	"io"
)

// Bounds summarizes the identifiers present in one member payload
type Bounds struct {
	MinID     string
	MaxID     string
	Companies int
	Filings   int
}

// Empty reports whether no valid identifier was seen
func (b Bounds) Empty() bool {
	return b.MinID == ""
}

// ScanBounds streams a member payload decoding only the identifier of each
// record and returns the minimum and maximum identifier seen.
func ScanBounds(r io.Reader) (Bounds, error) {
	var b Bounds
	seen := make(map[string]struct{})

	err := walkRecords(r, func(dec *json.Decoder) error {
		var rec idOnly
		skip, err := decodeElement(dec, &rec)
		if err != nil || skip {
			return err
		}
		id, ok := recordID(rec.Siren)
		if !ok {
			return nil
		}

		b.Filings++
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			b.Companies++
		}
		if b.MinID == "" || id < b.MinID {
			b.MinID = id
		}
		if id > b.MaxID {
			b.MaxID = id
		}
		return nil
	})

	return b, err
}
