package model

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// MaxNameLength bounds item names in runes.
const MaxNameLength = 200

// PricePlaces is the number of fractional digits a stored price or average
// carries on every backend.
const PricePlaces = 4

// MaxPrice is the exclusive upper bound of a storable price (NUMERIC(14,4)).
var MaxPrice = decimal.New(1, 10)

// NormalizeName trims surrounding whitespace and converts name to Unicode NFC
// so that visually identical names resolve to the same item. Case is kept.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// ValidateName normalizes name and rejects empty or oversized values.
func ValidateName(name string) (string, error) {
	n := NormalizeName(name)
	if n == "" {
		return "", NewValidationError("query", "must not be empty")
	}
	if !utf8.ValidString(n) {
		return "", NewValidationError("query", "must be valid UTF-8")
	}
	if utf8.RuneCountInString(n) > MaxNameLength {
		return "", NewValidationError("query", "exceeds 200 characters")
	}
	return n, nil
}

// ValidatePoints rejects a batch containing any non-positive price, a price
// outside the storable range or a missing observation time. Trailing zeros
// beyond PricePlaces are accepted.
func ValidatePoints(points []PricePoint) error {
	for i, p := range points {
		if !p.Price.GreaterThan(decimal.Zero) {
			return NewValidationError("price", fmt.Sprintf("observation %d has non-positive price %s", i, p.Price))
		}
		if !p.Price.Equal(p.Price.Truncate(PricePlaces)) {
			return NewValidationError("price", fmt.Sprintf("observation %d has more than %d decimal places: %s", i, PricePlaces, p.Price))
		}
		if p.Price.GreaterThanOrEqual(MaxPrice) {
			return NewValidationError("price", fmt.Sprintf("observation %d price %s must be below %s", i, p.Price, MaxPrice))
		}
		if p.ObservedAt.IsZero() {
			return NewValidationError("observed_at", fmt.Sprintf("observation %d has no timestamp", i))
		}
	}
	return nil
}
