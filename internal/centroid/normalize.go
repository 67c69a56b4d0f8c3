package centroid

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// cityFolder strips combining marks so accented source spellings
// ("Española", "Cañon City") group with their plain-ASCII variants.
var cityFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeCity canonicalizes a city name for grouping: diacritics
// folded, lowercased, punctuation stripped, whitespace collapsed.
func NormalizeCity(city string) string {
	folded, _, err := transform.String(cityFolder, city)
	if err != nil {
		folded = city
	}

	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == '-':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// CityKey builds the composite "<city>|<state>" lookup key.
func CityKey(city, state string) string {
	return NormalizeCity(city) + "|" + strings.ToUpper(strings.TrimSpace(state))
}
