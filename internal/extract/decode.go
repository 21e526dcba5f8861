package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// rawValue accepts a JSON string, number or null
type rawValue string

func (v *rawValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = rawValue(s)
		return nil
	}
	*v = rawValue(b)
	return nil
}

// rawRecord mirrors one filing record of an RNE member file. Compacted cache
// files use snake_case dates and carry line-items in a metrics map keyed by code.
type rawRecord struct {
	Siren         rawValue           `json:"siren"`
	DateCloture   string             `json:"dateCloture"`
	DateDepot     string             `json:"dateDepot"`
	TypeBilan     string             `json:"typeBilan"`
	ClosingCompat string             `json:"date_cloture"`
	FilingCompat  string             `json:"date_depot"`
	TypeCompat    string             `json:"type_bilan"`
	Metrics       map[string]rawLine `json:"metrics"`
	BilanSaisi    struct {
		Bilan struct {
			Identite struct {
				DateClotureExercice string `json:"dateClotureExercice"`
			} `json:"identite"`
			Detail struct {
				Pages []rawPage `json:"pages"`
			} `json:"detail"`
		} `json:"bilan"`
	} `json:"bilanSaisi"`
}

type rawPage struct {
	Liasses []rawLine `json:"liasses"`
	Lignes  []rawLine `json:"lignes"`
}

type rawLine struct {
	Code string   `json:"code"`
	M1   rawValue `json:"m1"`
	M2   rawValue `json:"m2"`
}

// idOnly decodes nothing but the identifier of a record
type idOnly struct {
	Siren rawValue `json:"siren"`
}

// walkRecords streams the filing array of a member payload and calls decode
// once per element. The payload is either a JSON array or an object holding
// the array under "bilans" or "results".
func walkRecords(r io.Reader, decode func(dec *json.Decoder) error) error {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	switch tok {
	case json.Delim('['):
		return walkArray(dec, decode)
	case json.Delim('{'):
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("read payload key: %w", err)
			}
			key, _ := keyTok.(string)
			if key == "bilans" || key == "results" {
				open, err := dec.Token()
				if err != nil {
					return fmt.Errorf("read %s: %w", key, err)
				}
				if open != json.Delim('[') {
					return fmt.Errorf("field %q is not an array", key)
				}
				return walkArray(dec, decode)
			}
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("skip field %q: %w", key, err)
			}
		}
		return errors.New("payload object has no filing array")
	default:
		return fmt.Errorf("unexpected payload token %v", tok)
	}
}

func walkArray(dec *json.Decoder, decode func(dec *json.Decoder) error) error {
	for dec.More() {
		if err := decode(dec); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read array end: %w", err)
	}
	return nil
}

// decodeElement decodes one array element into v. It reports skip=true when
// the element was consumed but did not fit v, which leaves the stream usable.
func decodeElement(dec *json.Decoder, v any) (skip bool, err error) {
	if err := dec.Decode(v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return true, nil
		}
		return false, fmt.Errorf("decode record: %w", err)
	}
	return false, nil
}
