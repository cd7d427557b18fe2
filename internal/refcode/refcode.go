// Package refcode handles client and exchange reference-code normalization,
// validation, and derivation of the canonical pair key used for ledger
// lookups and cache entries.
package refcode

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// codeRegex matches a normalized reference code: starts with a letter or
// digit, then up to 19 more letters, digits, underscores or hyphens.
// Example: ACME-7, BINANCE, FUND_03
var codeRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{0,19}$`)

var ErrInvalidCode = errors.New("refcode: invalid reference code")

// Normalize trims surrounding whitespace and upper-cases a raw code. It does
// not validate; feed the result to Parse for that.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Parse normalizes and validates a reference code.
// Format: 1-20 characters of [A-Z0-9_-], not starting with _ or -.
func Parse(raw string) (string, error) {
	code := Normalize(raw)
	if !codeRegex.MatchString(code) {
		return "", fmt.Errorf("%w: %q (expected 1-20 of A-Z 0-9 _ -, leading alphanumeric)",
			ErrInvalidCode, raw)
	}
	return code, nil
}

// PairKey builds the canonical client:exchange key for a ledger pair. Inputs
// are normalized, so differently-cased spellings of the same pair collapse
// to one key.
func PairKey(clientCode, exchangeCode string) string {
	return Normalize(clientCode) + ":" + Normalize(exchangeCode)
}
