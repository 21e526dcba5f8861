package model

import "strings"

// NormalizeID turns a SIREN or SIRET into a 9-digit SIREN.
// Short numeric inputs are left-padded with zeros, spaces are ignored.
func NormalizeID(raw string) (string, bool) {
	s := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\u00a0' || r == '\t' {
			return -1
		}
		return r
	}, raw)

	if s == "" || !isDigits(s) {
		return "", false
	}

	switch {
	case len(s) == 14:
		return s[:9], true
	case len(s) <= 9:
		return strings.Repeat("0", 9-len(s)) + s, true
	}
	return "", false
}

// IsCompanyID reports whether s is exactly nine ASCII digits
func IsCompanyID(s string) bool {
	return len(s) == 9 && isDigits(s)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
